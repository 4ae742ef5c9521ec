package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func (r *ChatRepository) Create(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chats (id, name, chat_type, created_by, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Name, c.Type, c.CreatedBy, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	return nil
}

// GetByID returns the chat row including soft-deleted ones. Callers decide
// whether a deleted chat is visible.
func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, chat_type, created_by, is_active, created_at, updated_at, deleted_at
		 FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Type, &c.CreatedBy, &c.IsActive, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) Update(ctx context.Context, id, name string, chatType model.ChatType, isActive bool) error {
	defer logger.DeferLogDuration("chat.Update", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chats SET name = $2, chat_type = $3, is_active = $4, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, name, chatType, isActive,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ChatRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("chat.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chats SET is_active = FALSE, deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ChatRepository) AddParticipant(ctx context.Context, p *model.ChatParticipant) error {
	defer logger.DeferLogDuration("chat.AddParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_participants (chat_id, user_id, role, created_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		p.ChatID, p.UserID, p.Role, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.AddParticipant: %w", err)
	}
	return nil
}

func (r *ChatRepository) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.RemoveParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.RemoveParticipant: %w", err)
	}
	return nil
}

// ReplaceParticipants swaps the full participant set. The creator keeps the
// admin role, everyone else becomes a member.
func (r *ChatRepository) ReplaceParticipants(ctx context.Context, chatID, createdBy string, userIDs []string) error {
	defer logger.DeferLogDuration("chat.ReplaceParticipants", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.ReplaceParticipants begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chat_participants WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("chatRepo.ReplaceParticipants clear: %w", err)
	}
	now := time.Now().UTC()
	for _, uid := range userIDs {
		role := model.RoleMember
		if uid == createdBy {
			role = model.RoleAdmin
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, role, created_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			chatID, uid, role, now,
		); err != nil {
			return fmt.Errorf("chatRepo.ReplaceParticipants insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.ReplaceParticipants commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

// FixParticipantStatus inserts a missing participant row for userID on a live
// chat, with role admin when they created the chat and member otherwise.
// Returns whether the user is now a participant; false means the chat is
// missing or deleted. Calling it again for the same pair is a no-op that
// still reports true.
func (r *ChatRepository) FixParticipantStatus(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.FixParticipantStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO chat_participants (chat_id, user_id, role, created_at)
		 SELECT c.id, $2, CASE WHEN c.created_by = $2 THEN $3 ELSE $4 END, NOW()
		 FROM chats c
		 WHERE c.id = $1 AND c.deleted_at IS NULL
		 ON CONFLICT DO NOTHING`,
		chatID, userID, model.RoleAdmin, model.RoleMember,
	)
	if err != nil {
		return false, fmt.Errorf("chatRepo.FixParticipantStatus: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Nothing inserted: either the row already exists or the chat is gone.
	return r.IsParticipant(ctx, chatID, userID)
}

func (r *ChatRepository) GetParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY created_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipantIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) GetParticipantUsers(ctx context.Context, chatID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("chat.GetParticipantUsers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.email, u.username, u.is_active, u.created_at
		 FROM users u
		 JOIN chat_participants cp ON cp.user_id = u.id
		 WHERE cp.chat_id = $1
		 ORDER BY cp.created_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipantUsers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetParticipantUsers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipantUsers rows: %w", err)
	}
	return users, nil
}

func (r *ChatRepository) GetCreatedChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetCreatedChats", time.Now())()
	return r.queryChats(ctx,
		`SELECT id, name, chat_type, created_by, is_active, created_at, updated_at, deleted_at
		 FROM chats
		 WHERE created_by = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC`, userID)
}

// GetParticipatedChats returns chats the user was added to by someone else.
func (r *ChatRepository) GetParticipatedChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetParticipatedChats", time.Now())()
	return r.queryChats(ctx,
		`SELECT c.id, c.name, c.chat_type, c.created_by, c.is_active, c.created_at, c.updated_at, c.deleted_at
		 FROM chats c
		 JOIN chat_participants cp ON cp.chat_id = c.id
		 WHERE cp.user_id = $1 AND c.created_by <> $1 AND c.deleted_at IS NULL
		 ORDER BY c.created_at DESC`, userID)
}

func (r *ChatRepository) queryChats(ctx context.Context, sql string, args ...any) ([]model.Chat, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.queryChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 8)
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.CreatedBy, &c.IsActive, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.queryChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.queryChats rows: %w", err)
	}
	return chats, nil
}
