package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/middleware"
	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
	"github.com/branchtalk/internal/storage"
	"github.com/branchtalk/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ensureParticipant checks chat membership. On a miss it repairs the
// participant row, which only fails for chats that are missing or deleted.
func ensureParticipant(ctx context.Context, chats ChatStore, chatID, userID string) (bool, error) {
	ok, err := chats.IsParticipant(ctx, chatID, userID)
	if err != nil || ok {
		return ok, err
	}
	fixed, err := chats.FixParticipantStatus(ctx, chatID, userID)
	if err != nil {
		return false, err
	}
	if fixed {
		logger.Infof("chat %s: restored participant row for user %s", chatID, userID)
	}
	return fixed, nil
}

type ChatHandler struct {
	chats ChatStore
	users UserStore
	hub   Broadcaster
	cache storage.CacheStore
	ttl   time.Duration
}

func NewChatHandler(chats ChatStore, users UserStore, hub Broadcaster, cache storage.CacheStore, ttl time.Duration) *ChatHandler {
	return &ChatHandler{chats: chats, users: users, hub: hub, cache: cache, ttl: ttl}
}

func (h *ChatHandler) invalidate(ctx context.Context, chatID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.DeletePrefix(ctx, "chat:"+chatID+":"); err != nil {
		logger.Errorf("chat cache invalidate %s: %v", chatID, err)
	}
}

type createChatRequest struct {
	Name           string         `json:"name"`
	ChatType       model.ChatType `json:"chat_type"`
	ParticipantIDs []string       `json:"participant_ids"`
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if req.ChatType == "" {
		req.ChatType = model.ChatTypeGroup
	}
	if req.ChatType != model.ChatTypeDirect && req.ChatType != model.ChatTypeGroup {
		writeError(w, http.StatusBadRequest, "chat_type must be direct or group")
		return
	}

	// The creator is always a participant.
	participantIDs := dedupe(append([]string{userID}, req.ParticipantIDs...))
	if req.ChatType == model.ChatTypeDirect && len(participantIDs) != 2 {
		writeError(w, http.StatusBadRequest, "direct chat requires exactly one other participant")
		return
	}

	known, err := h.users.GetByIDs(r.Context(), participantIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve participants")
		return
	}
	for _, pid := range participantIDs {
		if _, ok := known[pid]; !ok {
			writeError(w, http.StatusBadRequest, "unknown participant: "+pid)
			return
		}
	}

	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      req.ChatType,
		CreatedBy: userID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.chats.Create(r.Context(), chat); err != nil {
		logger.Errorf("create chat: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	for _, pid := range participantIDs {
		role := model.RoleMember
		if pid == userID {
			role = model.RoleAdmin
		}
		p := &model.ChatParticipant{ChatID: chat.ID, UserID: pid, Role: role, CreatedAt: now}
		if err := h.chats.AddParticipant(r.Context(), p); err != nil {
			logger.Errorf("create chat add participant %s: %v", pid, err)
			writeError(w, http.StatusInternalServerError, "failed to add participants")
			return
		}
	}

	resp, err := h.chatWithParticipants(r.Context(), chat)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	created, err := h.chats.GetCreatedChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}
	participated, err := h.chats.GetParticipatedChats(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}
	writeJSON(w, http.StatusOK, model.UserChats{CreatedChats: created, ParticipatedChats: participated})
}

// GetChat answers 404 for missing and deleted chats alike; callers of a live
// chat without a participant row are repaired into it first.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	chat, ok := h.visibleChat(w, r, chatID, userID)
	if !ok {
		return
	}

	cacheKey := "chat:" + chatID + ":info"
	if h.cache != nil {
		if raw, hit, err := h.cache.Get(r.Context(), cacheKey); err == nil && hit {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(raw))
			return
		}
	}

	resp, err := h.chatWithParticipants(r.Context(), chat)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if h.cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			if err := h.cache.Set(r.Context(), cacheKey, string(raw), h.ttl); err != nil {
				logger.Errorf("chat cache set %s: %v", chatID, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateChatRequest struct {
	Name           string         `json:"name"`
	ChatType       model.ChatType `json:"chat_type"`
	IsActive       *bool          `json:"is_active"`
	ParticipantIDs *[]string      `json:"participant_ids"`
}

func (h *ChatHandler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	chat, ok := h.visibleChat(w, r, chatID, userID)
	if !ok {
		return
	}
	if chat.CreatedBy != userID {
		writeError(w, http.StatusForbidden, "only the creator can update a chat")
		return
	}

	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = chat.Name
	}
	chatType := chat.Type
	if req.ChatType != "" {
		if req.ChatType != model.ChatTypeDirect && req.ChatType != model.ChatTypeGroup {
			writeError(w, http.StatusBadRequest, "chat_type must be direct or group")
			return
		}
		chatType = req.ChatType
	}
	isActive := chat.IsActive
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	// Resolve the new participant set before touching the chat row so a bad
	// request leaves nothing half-written.
	var replaceIDs []string
	if req.ParticipantIDs != nil {
		// Full replacement: the creator stays and keeps the admin role.
		replaceIDs = dedupe(append([]string{chat.CreatedBy}, *req.ParticipantIDs...))
		known, err := h.users.GetByIDs(r.Context(), replaceIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve participants")
			return
		}
		for _, pid := range replaceIDs {
			if _, ok := known[pid]; !ok {
				writeError(w, http.StatusBadRequest, "unknown participant: "+pid)
				return
			}
		}
	}

	if err := h.chats.Update(r.Context(), chatID, name, chatType, isActive); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update chat")
		return
	}
	if replaceIDs != nil {
		if err := h.chats.ReplaceParticipants(r.Context(), chatID, chat.CreatedBy, replaceIDs); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to replace participants")
			return
		}
	}

	h.invalidate(r.Context(), chatID)
	if h.hub != nil {
		h.hub.BroadcastToChat(r.Context(), chatID, ws.OutgoingMessage{
			Type: ws.EventChatUpdated,
			Data: ws.ChatEventPayload{ChatID: chatID},
		})
	}

	updated, err := h.chats.GetByID(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	resp, err := h.chatWithParticipants(r.Context(), updated)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())

	chat, ok := h.visibleChat(w, r, chatID, userID)
	if !ok {
		return
	}
	if chat.CreatedBy != userID {
		writeError(w, http.StatusForbidden, "only the creator can delete a chat")
		return
	}

	// Broadcast before the participant rows stop mattering.
	if h.hub != nil {
		h.hub.BroadcastToChat(r.Context(), chatID, ws.OutgoingMessage{
			Type: ws.EventChatDeleted,
			Data: ws.ChatEventPayload{ChatID: chatID},
		})
	}
	if err := h.chats.SoftDelete(r.Context(), chatID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	h.invalidate(r.Context(), chatID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// visibleChat loads the chat and makes sure the caller holds a participant
// row, repairing it when absent. Deleted chats are indistinguishable from
// missing ones.
func (h *ChatHandler) visibleChat(w http.ResponseWriter, r *http.Request, chatID, userID string) (*model.Chat, bool) {
	chat, err := h.chats.GetByID(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to get chat")
		}
		return nil, false
	}
	if chat.DeletedAt != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	isParticipant, err := ensureParticipant(r.Context(), h.chats, chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return nil, false
	}
	if !isParticipant {
		writeError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	return chat, true
}

func (h *ChatHandler) chatWithParticipants(ctx context.Context, chat *model.Chat) (*model.ChatWithParticipants, error) {
	users, err := h.chats.GetParticipantUsers(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	return &model.ChatWithParticipants{Chat: *chat, Participants: users}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
