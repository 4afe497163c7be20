package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatengine/internal/logger"
)

// Claims - полезная нагрузка токена доступа. Subject - id пользователя.
type Claims struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth проверяет HS256-токен из Authorization: Bearer или ?token= (браузерный WebSocket
// не умеет ставить заголовки) и кладёт пользователя в контекст.
func JWTAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeUnauthorized(w)
				return
			}
			claims, err := ParseToken(secret, raw)
			if err != nil {
				logger.Errorf("jwt: rejected token %s: %v", MaskToken(raw), err)
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Subject, claims.Username)))
		})
	}
}

// ParseToken проверяет подпись и срок действия и возвращает claims.
func ParseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Username == "" {
		return nil, errors.New("token without subject or username")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
}
