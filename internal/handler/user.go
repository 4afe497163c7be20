package handler

import (
	"context"
	"net/http"

	"github.com/chatengine/internal/middleware"
	"github.com/chatengine/internal/model"
)

// UserHandler - служебная синхронизация пользователей от сервиса идентификации.
type UserHandler struct {
	engine Engine
}

func NewUserHandler(engine Engine) *UserHandler {
	return &UserHandler{engine: engine}
}

type SyncUserRequest struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// SyncUser создаёт пользователя или обновляет его имена.
func (h *UserHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	var req SyncUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.engine.SyncUser(r.Context(), model.User{ID: req.ID, Username: req.Username, DisplayName: req.DisplayName})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// syncFromToken заводит пользователя по данным из токена, не затирая display_name.
func syncFromToken(engine Engine) middleware.UserSyncFunc {
	return func(ctx context.Context, userID, username string) error {
		_, err := engine.SyncUser(ctx, model.User{ID: userID, Username: username})
		return err
	}
}
