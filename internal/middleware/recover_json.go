package middleware

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatengine/internal/logger"
)

// statusWriter запоминает статус ответа. Hijack нужен для WebSocket upgrade.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		// После upgrade статус фактически 101.
		w.status = http.StatusSwitchingProtocols
		w.wrote = true
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecoverJSON перехватывает панику обработчика: пишет её со стеком и request id
// и, если ответ ещё не начат, отдаёт 500 в том же JSON-формате, что и остальные ошибки API.
// http.ErrAbortHandler пробрасывается дальше, как того ждёт net/http.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapWriter(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Errorf("panic %s %s req=%s user=%s: %v", r.Method, r.URL.Path, chimw.GetReqID(r.Context()), GetUserID(r.Context()), rec)
			logger.Debugf("panic stack:\n%s", debug.Stack())
			if sw.wrote {
				return
			}
			sw.Header().Set("Content-Type", "application/json; charset=utf-8")
			sw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(sw).Encode(map[string]string{"error": "internal server error", "code": "internal"})
		}()
		next.ServeHTTP(sw, r)
	})
}
