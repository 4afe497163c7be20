package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatengine/internal/middleware"
	"github.com/chatengine/internal/model"
	"github.com/chatengine/internal/service"
)

type ChatHandler struct {
	engine Engine
}

func NewChatHandler(engine Engine) *ChatHandler {
	return &ChatHandler{engine: engine}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

type CreateGroupChatRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type CreateChannelRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"member_ids"`
}

// CreatedChatResponse - созданный чат и пропущенные участники.
type CreatedChatResponse struct {
	Chat     model.Chat        `json:"chat"`
	Warnings []service.Warning `json:"warnings"`
}

type AddMemberRequest struct {
	UserID string     `json:"user_id"`
	Role   model.Role `json:"role"`
}

type SetRoleRequest struct {
	Role model.Role `json:"role"`
}

func (h *ChatHandler) GetUserChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.engine.ListChats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if chats == nil {
		chats = []model.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.GetChat(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CreateDirectChat возвращает существующий личный чат пары или создаёт новый.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	chat, err := h.engine.CreateDirect(r.Context(), middleware.GetUserID(r.Context()), req.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// CreateSavedChat - «Избранное»: личный чат пользователя с самим собой.
func (h *ChatHandler) CreateSavedChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.engine.CreateSaved(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) CreateGroupChat(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, warnings, err := h.engine.CreateGroup(r.Context(), middleware.GetUserID(r.Context()), req.Name, req.MemberIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created(chat, warnings))
}

func (h *ChatHandler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, warnings, err := h.engine.CreateChannel(r.Context(), middleware.GetUserID(r.Context()), req.Name, req.Description, req.MemberIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created(chat, warnings))
}

func created(chat model.Chat, warnings []service.Warning) CreatedChatResponse {
	if warnings == nil {
		warnings = []service.Warning{}
	}
	return CreatedChatResponse{Chat: chat, Warnings: warnings}
}

func (h *ChatHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var perms model.GroupPermissions
	if !decodeJSON(w, r, &perms) {
		return
	}
	chat, err := h.engine.UpdatePermissions(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), perms)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Role != model.RoleNone && !req.Role.Valid() {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	err := h.engine.AddMember(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), req.UserID, req.Role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.engine.RemoveMember(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role != model.RoleOwner && req.Role != model.RoleNormal {
		writeError(w, http.StatusBadRequest, "role must be owner or normal")
		return
	}
	err := h.engine.SetRole(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId"), chi.URLParam(r, "userId"), req.Role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Leave(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatId")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
