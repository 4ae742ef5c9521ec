package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
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

const maxContentLength = 10000

type MessageHandler struct {
	messages MessageStore
	chats    ChatStore
	users    UserStore
	hub      Broadcaster
	cache    storage.CacheStore
	ttl      time.Duration
}

func NewMessageHandler(messages MessageStore, chats ChatStore, users UserStore, hub Broadcaster, cache storage.CacheStore, ttl time.Duration) *MessageHandler {
	return &MessageHandler{messages: messages, chats: chats, users: users, hub: hub, cache: cache, ttl: ttl}
}

// requireParticipant enforces membership on message routes. Unlike chat
// reads, the denial here is an explicit 403.
func (h *MessageHandler) requireParticipant(w http.ResponseWriter, r *http.Request, chatID, userID string) bool {
	isParticipant, err := ensureParticipant(r.Context(), h.chats, chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return false
	}
	if !isParticipant {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

func (h *MessageHandler) invalidate(ctx context.Context, chatID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.DeletePrefix(ctx, "chat:"+chatID+":"); err != nil {
		logger.Errorf("message cache invalidate %s: %v", chatID, err)
	}
}

type createMessageRequest struct {
	Content         string            `json:"content"`
	MessageType     model.MessageType `json:"message_type"`
	ParentMessageID string            `json:"parent_message_id"`
}

func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	h.createMessage(w, r, false)
}

// CreateBranch starts a named branch: a reply explicitly marked as a branch
// root so it shows up in the active-branch listing.
func (h *MessageHandler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	h.createMessage(w, r, true)
}

func (h *MessageHandler) createMessage(w http.ResponseWriter, r *http.Request, branchRoot bool) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if len(req.Content) > maxContentLength {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}
	if req.MessageType == "" {
		req.MessageType = model.MessageTypeText
	}
	if branchRoot && req.ParentMessageID == "" {
		writeError(w, http.StatusBadRequest, "parent_message_id required for a branch")
		return
	}
	var parentID *string
	if req.ParentMessageID != "" {
		parentID = &req.ParentMessageID
	}

	now := time.Now().UTC()
	m := &model.Message{
		ID:              uuid.NewString(),
		ChatID:          chatID,
		SenderID:        userID,
		Content:         req.Content,
		MessageType:     req.MessageType,
		ParentMessageID: parentID,
		IsBranchRoot:    branchRoot,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.messages.Create(r.Context(), m); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "parent message not found")
			return
		}
		logger.Errorf("create message chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	h.attachSenders(r.Context(), []*model.Message{m})
	h.invalidate(r.Context(), chatID)
	if h.hub != nil {
		h.hub.BroadcastToChat(r.Context(), chatID, ws.OutgoingMessage{Type: ws.EventNewMessage, Data: m})
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	limit, offset := pageParams(r)

	cacheKey := cachePageKey(chatID, "messages", limit, offset)
	if h.serveCached(w, r, cacheKey) {
		return
	}

	messages, err := h.messages.GetChatMessages(r.Context(), chatID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	messages = h.attachSenderList(r.Context(), messages)
	h.writeCached(w, r, cacheKey, messages)
}

func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	m, err := h.messages.GetByID(r.Context(), chatID, messageID)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	h.attachSenders(r.Context(), []*model.Message{m})
	writeJSON(w, http.StatusOK, m)
}

// GetThread returns the message with all transitive replies inlined.
func (h *MessageHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	m, err := h.messages.GetByID(r.Context(), chatID, messageID)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	thread, err := h.messages.GetMessageThread(r.Context(), chatID, messageID)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	h.attachSenders(r.Context(), []*model.Message{m})
	m.ThreadMessages = h.attachSenderList(r.Context(), thread)
	writeJSON(w, http.StatusOK, m)
}

// GetBranch returns the message and its direct replies.
func (h *MessageHandler) GetBranch(w http.ResponseWriter, r *http.Request) {
	h.treeEndpoint(w, r, h.messages.GetMessageBranch)
}

// GetTree returns the message and everything below it.
func (h *MessageHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	h.treeEndpoint(w, r, h.messages.GetBranchTree)
}

func (h *MessageHandler) treeEndpoint(w http.ResponseWriter, r *http.Request, query func(context.Context, string, string) ([]model.Message, error)) {
	chatID := chi.URLParam(r, "chatId")
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	messages, err := query(r.Context(), chatID, messageID)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	messages = h.attachSenderList(r.Context(), messages)
	writeJSON(w, http.StatusOK, messages)
}

// GetBranches lists the root messages of a chat.
func (h *MessageHandler) GetBranches(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}
	limit, offset := pageParams(r)

	cacheKey := cachePageKey(chatID, "branches", limit, offset)
	if h.serveCached(w, r, cacheKey) {
		return
	}

	branches, err := h.messages.GetChatBranches(r.Context(), chatID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get branches")
		return
	}
	branches = h.attachSenderList(r.Context(), branches)
	h.writeCached(w, r, cacheKey, branches)
}

// GetActiveBranches lists replies explicitly started as branches.
func (h *MessageHandler) GetActiveBranches(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	branches, err := h.messages.GetActiveBranches(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get active branches")
		return
	}
	branches = h.attachSenderList(r.Context(), branches)
	writeJSON(w, http.StatusOK, branches)
}

func (h *MessageHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if len(req.Content) > maxContentLength {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}

	original, err := h.messages.GetByID(r.Context(), chatID, messageID)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	if original.SenderID != userID {
		writeError(w, http.StatusForbidden, "can only edit own messages")
		return
	}

	m, err := h.messages.UpdateContent(r.Context(), chatID, messageID, req.Content)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	h.attachSenders(r.Context(), []*model.Message{m})
	h.invalidate(r.Context(), chatID)
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	messageID := chi.URLParam(r, "messageId")
	userID := middleware.GetUserID(r.Context())
	if !h.requireParticipant(w, r, chatID, userID) {
		return
	}

	original, err := h.messages.GetByID(r.Context(), chatID, messageID)
	if err != nil {
		h.writeMessageError(w, err)
		return
	}
	if original.SenderID != userID {
		writeError(w, http.StatusForbidden, "can only delete own messages")
		return
	}

	if err := h.messages.SoftDelete(r.Context(), chatID, messageID); err != nil {
		h.writeMessageError(w, err)
		return
	}
	h.invalidate(r.Context(), chatID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *MessageHandler) writeMessageError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	logger.Errorf("message store: %v", err)
	writeError(w, http.StatusInternalServerError, "message store failure")
}

// attachSenders fills Sender on each message; unresolvable senders are left
// nil. Returns false when the user lookup itself failed.
func (h *MessageHandler) attachSenders(ctx context.Context, msgs []*model.Message) bool {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	senders, err := h.users.GetByIDs(ctx, ids)
	if err != nil {
		logger.Errorf("attach senders: %v", err)
		return false
	}
	for _, m := range msgs {
		if pub, ok := senders[m.SenderID]; ok {
			cp := pub
			m.Sender = &cp
		}
	}
	return true
}

// attachSenderList enriches a result set and drops any message whose sender
// no longer resolves, so a stale sender id never fails a whole listing. On a
// lookup failure the set is returned as-is rather than emptied.
func (h *MessageHandler) attachSenderList(ctx context.Context, msgs []model.Message) []model.Message {
	ptrs := make([]*model.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if !h.attachSenders(ctx, ptrs) {
		return msgs
	}
	kept := make([]model.Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Sender == nil {
			continue
		}
		if len(msgs[i].ThreadMessages) > 0 {
			msgs[i].ThreadMessages = h.attachSenderList(ctx, msgs[i].ThreadMessages)
		}
		kept = append(kept, msgs[i])
	}
	return kept
}

func cachePageKey(chatID, kind string, limit, offset int) string {
	return "chat:" + chatID + ":" + kind + ":" + strconv.Itoa(limit) + ":" + strconv.Itoa(offset)
}

func (h *MessageHandler) serveCached(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.cache == nil {
		return false
	}
	raw, hit, err := h.cache.Get(r.Context(), key)
	if err != nil || !hit {
		return false
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(raw))
	return true
}

func (h *MessageHandler) writeCached(w http.ResponseWriter, r *http.Request, key string, data any) {
	if h.cache != nil {
		if raw, err := json.Marshal(data); err == nil {
			if err := h.cache.Set(r.Context(), key, string(raw), h.ttl); err != nil {
				logger.Errorf("message cache set %s: %v", key, err)
			}
		}
	}
	writeJSON(w, http.StatusOK, data)
}
