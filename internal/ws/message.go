package ws

import "github.com/branchtalk/internal/model"

type EventType string

const (
	// Incoming.
	EventSendMessage   EventType = "send_message"
	EventDirectMessage EventType = "direct_message"

	// Outgoing.
	EventNewMessage       EventType = "new_message"
	EventNewDirectMessage EventType = "new_direct_message"
	EventChatUpdated      EventType = "chat_updated"
	EventChatDeleted      EventType = "chat_deleted"
	EventError            EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Content string    `json:"content,omitempty"`

	MessageType model.MessageType `json:"message_type,omitempty"`

	// ParentMessageID makes the message a reply inside a branch.
	ParentMessageID string `json:"parent_message_id,omitempty"`

	// RecipientID targets a user directly, bypassing chat persistence.
	RecipientID string `json:"recipient_id,omitempty"`
}

// OutgoingMessage is the {type, data} envelope the server sends.
type OutgoingMessage struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// DirectMessagePayload carries an ephemeral user-to-user message. It is
// delivered over live connections only and never stored.
type DirectMessagePayload struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// ChatEventPayload is broadcast when a chat is updated or deleted.
type ChatEventPayload struct {
	ChatID string `json:"chat_id"`
}

// ErrorPayload is sent to the offending client only.
type ErrorPayload struct {
	Message string `json:"message"`
}
