package model

import "time"

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Chat struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      ChatType   `json:"type"`
	CreatedBy string     `json:"created_by"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type ChatParticipant struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatWithParticipants is the API shape for single-chat reads.
type ChatWithParticipants struct {
	Chat         Chat         `json:"chat"`
	Participants []UserPublic `json:"participants"`
}

// UserChats splits a user's chats into the ones they created and the ones
// they merely participate in; the two lists are disjoint.
type UserChats struct {
	CreatedChats      []Chat `json:"created_chats"`
	ParticipatedChats []Chat `json:"participated_chats"`
}
