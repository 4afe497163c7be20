package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatengine/internal/logger"
)

// AuthServiceValidate проверяет подписанную сессию (X-Session-Id, X-Timestamp, X-Signature)
// во внешнем сервисе авторизации. Используется вместо JWTAuth, когда задан auth.service_url.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	validateURL := strings.TrimSuffix(authServiceURL, "/") + "/internal/validate"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := headerOrQuery(r, "X-Session-Id", "session_id")
			timestamp := headerOrQuery(r, "X-Timestamp", "timestamp")
			signature := headerOrQuery(r, "X-Signature", "signature")
			if sessionID == "" || timestamp == "" || signature == "" {
				writeUnauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			jsonBody, err := json.Marshal(map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				// Подписывается только pathname, без query.
				"path": r.URL.Path,
				"body": string(body),
			})
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, validateURL, bytes.NewReader(jsonBody))
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Errorf("auth validate session=%s: %v", MaskToken(sessionID), err)
				writeUnauthorized(w)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				writeUnauthorized(w)
				return
			}
			var result struct {
				UserID   string `json:"user_id"`
				Username string `json:"username"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
				writeUnauthorized(w)
				return
			}
			if result.Username == "" {
				result.Username = result.UserID
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), result.UserID, result.Username)))
		})
	}
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}
