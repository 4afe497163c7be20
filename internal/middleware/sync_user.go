package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/chatengine/internal/logger"
)

// UserSyncFunc заводит пользователя из токена в хранилище движка.
type UserSyncFunc func(ctx context.Context, userID, username string) error

// SyncUser один раз на процесс синхронизирует пользователя из контекста. Ошибка
// не прерывает запрос: следующий запрос попробует снова.
func SyncUser(syncFn UserSyncFunc) func(http.Handler) http.Handler {
	var known sync.Map
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, username := GetUserID(r.Context()), GetUsername(r.Context())
			if userID != "" {
				key := userID + "\x00" + username
				if _, ok := known.Load(key); !ok {
					if err := syncFn(r.Context(), userID, username); err != nil {
						logger.Errorf("sync user=%s: %v", userID, err)
					} else {
						known.Store(key, struct{}{})
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
