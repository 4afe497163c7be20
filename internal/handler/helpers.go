package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chatengine/internal/logger"
	"github.com/chatengine/internal/media"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/repository"
	"github.com/chatengine/internal/service"
)

// Engine - операции движка, доступные по HTTP.
type Engine interface {
	service.MembershipStore
	service.ChatDirectory
	service.Ledger
	service.UnreadTracker
	service.Presence
	SyncUser(ctx context.Context, u model.User) (model.User, error)
}

var _ Engine = (*service.ChatService)(nil)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor переводит доменную ошибку в HTTP-статус.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotAMember),
		errors.Is(err, model.ErrPermissionDenied),
		errors.Is(err, model.ErrChatArchived):
		return http.StatusForbidden
	case errors.Is(err, model.ErrLastOwnerViolation),
		errors.Is(err, model.ErrDuplicateMembership):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnsupportedForChatKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidContent):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTransientStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError отвечает ошибкой движка. Внутренние детали в ответ не попадают.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := model.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, errorResponse{Error: http.StatusText(status), Code: code})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryCursor читает пару {prefix}_ts (RFC 3339) и {prefix}_id. nil - курсора нет.
func queryCursor(r *http.Request, prefix string) (*repository.Cursor, error) {
	ts := r.URL.Query().Get(prefix + "_ts")
	if ts == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	return &repository.Cursor{CreatedAt: t, ID: r.URL.Query().Get(prefix + "_id")}, nil
}

func views(resolver media.Resolver, msgs []model.Message) []model.MessageView {
	out := make([]model.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, view(resolver, m))
	}
	return out
}

func view(resolver media.Resolver, m model.Message) model.MessageView {
	url := ""
	if ref := m.Content().MediaRef; ref != "" && resolver != nil {
		url = resolver.URL(ref)
	}
	return m.View(url)
}
