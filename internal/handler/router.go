package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/middleware"
	"github.com/chatengine/internal/storage"
	"github.com/chatengine/internal/ws"
)

// RouterDeps - всё, что нужно HTTP-слою.
type RouterDeps struct {
	Engine    Engine
	Hub       *ws.Hub
	Media     media.Resolver
	PushStore storage.PushStore
	Client    ClientConfig

	// Auth проверяет личность (JWTAuth или AuthServiceValidate).
	Auth           func(http.Handler) http.Handler
	InternalSecret string

	CORSOrigins      []string
	RateLimitPerIP   int
	RateLimitPerUser int
}

func NewRouter(d RouterDeps) http.Handler {
	chatH := NewChatHandler(d.Engine)
	msgH := NewMessageHandler(d.Engine, d.Media)
	userH := NewUserHandler(d.Engine)
	configH := NewConfigHandler(d.Client)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket - иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compress := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compress.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/typing", configH.GetTypingConfig)

	r.With(middleware.InternalOnly(d.InternalSecret)).Post("/internal/users", userH.SyncUser)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth)
		r.Use(middleware.SyncUser(syncFromToken(d.Engine)))
		r.Use(middleware.RateLimitAPI(d.RateLimitPerIP, d.RateLimitPerUser))

		r.Get("/api/chats", chatH.GetUserChats)
		r.Post("/api/chats/direct", chatH.CreateDirectChat)
		r.Post("/api/chats/saved", chatH.CreateSavedChat)
		r.Post("/api/chats/group", chatH.CreateGroupChat)
		r.Post("/api/chats/channel", chatH.CreateChannel)
		r.Get("/api/chats/{chatId}", chatH.GetChat)
		r.Put("/api/chats/{chatId}/permissions", chatH.UpdatePermissions)
		r.Post("/api/chats/{chatId}/members", chatH.AddMember)
		r.Delete("/api/chats/{chatId}/members/{userId}", chatH.RemoveMember)
		r.Put("/api/chats/{chatId}/members/{userId}/role", chatH.SetRole)
		r.Post("/api/chats/{chatId}/leave", chatH.LeaveChat)

		r.Get("/api/chats/{chatId}/messages", msgH.GetMessages)
		r.Post("/api/chats/{chatId}/messages", msgH.SendMessage)
		r.Post("/api/chats/{chatId}/forward", msgH.Forward)
		r.Get("/api/chats/{chatId}/pinned", msgH.GetPinnedMessages)
		r.Post("/api/chats/{chatId}/seen", msgH.MarkSeen)
		r.Get("/api/chats/{chatId}/unread", msgH.GetUnreadCount)
		r.Post("/api/chats/{chatId}/typing", msgH.Typing)
		r.Delete("/api/messages/{messageId}", msgH.DeleteMessage)
		r.Post("/api/messages/{messageId}/pin", msgH.PinMessage)
		r.Delete("/api/messages/{messageId}/pin", msgH.UnpinMessage)

		if d.PushStore != nil {
			pushH := NewPushHandler(d.PushStore)
			r.Post("/api/push/subscribe", pushH.Subscribe)
			r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		}
		if d.Hub != nil {
			r.Get("/ws", NewWSHandler(d.Hub, strings.Join(d.CORSOrigins, ",")).ServeWS)
		}
	})
	return r
}
