package handler

import (
	"context"

	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/ws"
)

// MessageStore is the message tree contract. Satisfied by the Postgres
// repository, the Mongo docstore and the in-memory store.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, chatID, id string) (*model.Message, error)
	GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error)
	GetMessageThread(ctx context.Context, chatID, messageID string) ([]model.Message, error)
	GetBranchTree(ctx context.Context, chatID, messageID string) ([]model.Message, error)
	GetMessageBranch(ctx context.Context, chatID, messageID string) ([]model.Message, error)
	GetChatBranches(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error)
	GetActiveBranches(ctx context.Context, chatID string) ([]model.Message, error)
	UpdateContent(ctx context.Context, chatID, id, content string) (*model.Message, error)
	SoftDelete(ctx context.Context, chatID, id string) error
}

type ChatStore interface {
	Create(ctx context.Context, c *model.Chat) error
	GetByID(ctx context.Context, id string) (*model.Chat, error)
	Update(ctx context.Context, id, name string, chatType model.ChatType, isActive bool) error
	SoftDelete(ctx context.Context, id string) error
	AddParticipant(ctx context.Context, p *model.ChatParticipant) error
	ReplaceParticipants(ctx context.Context, chatID, createdBy string, userIDs []string) error
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	FixParticipantStatus(ctx context.Context, chatID, userID string) (bool, error)
	GetParticipantIDs(ctx context.Context, chatID string) ([]string, error)
	GetParticipantUsers(ctx context.Context, chatID string) ([]model.UserPublic, error)
	GetCreatedChats(ctx context.Context, userID string) ([]model.Chat, error)
	GetParticipatedChats(ctx context.Context, userID string) ([]model.Chat, error)
}

type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]model.UserPublic, error)
	UpdateProfile(ctx context.Context, id, username string) error
}

// Broadcaster pushes realtime events to chat participants.
type Broadcaster interface {
	BroadcastToChat(ctx context.Context, chatID string, msg ws.OutgoingMessage)
}
