package ws

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
	"github.com/google/uuid"
)

// ChatDirectory answers membership questions for broadcast routing.
type ChatDirectory interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	GetParticipantIDs(ctx context.Context, chatID string) ([]string, error)
}

// UserDirectory resolves senders for outgoing payloads.
type UserDirectory interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]model.UserPublic, error)
}

// MessageWriter persists messages arriving over the socket.
type MessageWriter interface {
	Create(ctx context.Context, m *model.Message) error
}

// PushNotifier sends push notifications. Nil disables pushes.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	chats    ChatDirectory
	users    UserDirectory
	messages MessageWriter
	push     PushNotifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(chats ChatDirectory, users UserDirectory, messages MessageWriter, maxConns int, push PushNotifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		chats:      chats,
		users:      users,
		messages:   messages,
		push:       push,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total >= h.maxConns {
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		go c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventDirectMessage:
		h.handleDirectMessage(c, msg)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.ChatID == "" || msg.Content == "" {
		h.sendError(c, "chat_id and content required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.chats.IsParticipant(ctx, msg.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		h.sendError(c, "internal error")
		return
	}
	if !isMember {
		h.sendError(c, "not a participant")
		return
	}

	messageType := model.MessageTypeText
	if msg.MessageType != "" {
		messageType = msg.MessageType
	}
	var parentID *string
	if msg.ParentMessageID != "" {
		parentID = &msg.ParentMessageID
	}

	now := time.Now().UTC()
	m := &model.Message{
		ID:              uuid.NewString(),
		ChatID:          msg.ChatID,
		SenderID:        c.userID,
		Content:         msg.Content,
		MessageType:     messageType,
		ParentMessageID: parentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.messages.Create(ctx, m); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, "parent message not found")
			return
		}
		logger.Errorf("ws save message chat=%s user=%s: %v", msg.ChatID, c.userID, err)
		h.sendError(c, "failed to save message")
		return
	}

	if senders, err := h.users.GetByIDs(ctx, []string{c.userID}); err == nil {
		if pub, ok := senders[c.userID]; ok {
			m.Sender = &pub
		}
	}

	h.BroadcastToChat(ctx, msg.ChatID, OutgoingMessage{Type: EventNewMessage, Data: m})

	if h.push != nil {
		h.notifyOffline(msg.ChatID, c.userID, m)
	}
}

func (h *Hub) notifyOffline(chatID, senderID string, m *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	participantIDs, err := h.chats.GetParticipantIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("ws push participants chat=%s: %v", chatID, err)
		return
	}
	title := "New message"
	if m.Sender != nil && m.Sender.Username != "" {
		title = m.Sender.Username
	}
	body := previewBody(m.Content)
	data := map[string]string{"chat_id": chatID, "message_id": m.ID}
	for _, uid := range participantIDs {
		if uid != senderID && !h.isConnected(uid) {
			go h.push.Notify(context.Background(), uid, title, body, data)
		}
	}
}

// previewBody shortens message content for a push notification without
// cutting through a UTF-8 sequence.
func previewBody(content string) string {
	if len(content) <= 120 {
		return content
	}
	cut := 117
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

func (h *Hub) isConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// handleDirectMessage relays an ephemeral message to a user's live
// connections. Nothing is persisted.
func (h *Hub) handleDirectMessage(c *Client, msg IncomingMessage) {
	if msg.RecipientID == "" || msg.Content == "" {
		h.sendError(c, "recipient_id and content required")
		return
	}
	out := OutgoingMessage{Type: EventNewDirectMessage, Data: DirectMessagePayload{
		SenderID:    c.userID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
	}}
	h.SendToUser(msg.RecipientID, out)
	if msg.RecipientID != c.userID {
		h.SendToUser(c.userID, out)
	}
}

// BroadcastToChat sends a message to every participant of a chat.
func (h *Hub) BroadcastToChat(ctx context.Context, chatID string, msg OutgoingMessage) {
	defer logger.DeferLogDuration("ws.BroadcastToChat", time.Now())()
	participantIDs, err := h.chats.GetParticipantIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("ws broadcast to chat %s: %v", chatID, err)
		return
	}
	for _, uid := range participantIDs {
		h.SendToUser(uid, msg)
	}
}

// SendToUser delivers a message to every live connection of a user.
func (h *Hub) SendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendError(c *Client, text string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Data: ErrorPayload{Message: text}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
