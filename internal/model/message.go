package model

import (
	"strconv"
	"time"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message is a node of a chat's reply forest. ParentMessageID == nil marks a
// root message. BranchLevel and BranchPath are the materialized tree position
// derived from the parent at insert time; both stores persist them so results
// order the same way, but only the relational encoding queries by them — the
// document encoding walks parent pointers and uses them for ordering alone.
type Message struct {
	ID              string      `json:"id"`
	ChatID          string      `json:"chat_id"`
	SenderID        string      `json:"sender_id"`
	Content         string      `json:"content"`
	MessageType     MessageType `json:"message_type"`
	ParentMessageID *string     `json:"parent_message_id,omitempty"`
	BranchLevel     int         `json:"branch_level"`
	BranchPath      string      `json:"branch_path,omitempty"`
	IsBranchRoot    bool        `json:"is_branch_root"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`

	// Enrichment, never persisted.
	Sender         *UserPublic `json:"sender,omitempty"`
	ThreadMessages []Message   `json:"thread_messages,omitempty"`
}

// IsRoot reports whether the message has no parent in its chat.
func (m *Message) IsRoot() bool {
	return m.ParentMessageID == nil
}

// ChildBranchPos computes the tree position of a reply to a parent at
// (parentLevel, parentPath): the level grows by one and the path extends the
// parent's dot-separated path with the new level. A parent with an empty path
// (a root) yields just the level as the path, e.g. "" -> "1" -> "1.2".
//
// Paths are level-based and therefore not unique among siblings; traversal
// queries compensate with created_at as a secondary order.
func ChildBranchPos(parentLevel int, parentPath string) (int, string) {
	level := parentLevel + 1
	if parentPath == "" {
		return level, strconv.Itoa(level)
	}
	return level, parentPath + "." + strconv.Itoa(level)
}
