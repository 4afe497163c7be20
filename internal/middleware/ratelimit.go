package middleware

import (
	"net/http"
	"sync"
	"time"
)

const rateLimitWindow = time.Minute

type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// RateLimitAPI ограничивает запросы в минуту по IP и по user_id (если он уже в контексте). 429 при превышении.
// Ставится после аутентификации, чтобы лимит по пользователю работал.
func RateLimitAPI(perIP, perUser int) func(http.Handler) http.Handler {
	byIP := newRateLimiter(perIP, rateLimitWindow)
	byUser := newRateLimiter(perUser, rateLimitWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perIP > 0 && !byIP.allow(clientIP(r)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			if userID := GetUserID(r.Context()); perUser > 0 && userID != "" {
				if !byUser.allow("u:" + userID) {
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
