package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatengine/internal/logger"
)

// RequestLog пишет каждый запрос к API: ответы 5xx всегда, остальные через LogDuration
// (медленные на info, все на debug). /health не логируется.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		sw := wrapWriter(w)
		start := time.Now()
		defer func() {
			if sw.status >= http.StatusInternalServerError {
				logger.Errorf("http %s %s status=%d req=%s duration_ms=%d",
					r.Method, r.URL.Path, sw.status, chimw.GetReqID(r.Context()), time.Since(start).Milliseconds())
				return
			}
			logger.LogDuration("http "+r.Method+" "+r.URL.Path+" status="+strconv.Itoa(sw.status), start)
		}()
		next.ServeHTTP(sw, r)
	})
}
