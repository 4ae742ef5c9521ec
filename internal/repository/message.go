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

const messageColumns = `id, chat_id, sender_id, content, message_type, parent_message_id,
	        branch_level, branch_path, is_branch_root, created_at, updated_at, deleted_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts a message. When ParentMessageID is set, the parent must be a
// live message of the same chat; branch position is derived from the parent,
// so two replies to the same parent share a branch path.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	if m.ParentMessageID != nil {
		parent, err := r.GetByID(ctx, m.ChatID, *m.ParentMessageID)
		if err != nil {
			return err
		}
		m.BranchLevel, m.BranchPath = model.ChildBranchPos(parent.BranchLevel, parent.BranchPath)
	} else {
		m.BranchLevel, m.BranchPath = 0, ""
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, message_type, parent_message_id,
		                       branch_level, branch_path, is_branch_root, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.MessageType, m.ParentMessageID,
		m.BranchLevel, m.BranchPath, m.IsBranchRoot, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// GetByID is chat-scoped: a valid message id with the wrong chat id is not found.
func (r *MessageRepository) GetByID(ctx context.Context, chatID, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE id = $1 AND chat_id = $2 AND deleted_at IS NULL`, id, chatID,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.ParentMessageID,
		&m.BranchLevel, &m.BranchPath, &m.IsBranchRoot, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	return r.queryMessages(ctx, "GetChatMessages",
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE chat_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, chatID, limit, offset)
}

// GetMessageThread returns every transitive descendant of the message,
// walking parent pointers, ordered oldest first.
func (r *MessageRepository) GetMessageThread(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMessageThread", time.Now())()
	if _, err := r.GetByID(ctx, chatID, messageID); err != nil {
		return nil, err
	}
	return r.descendants(ctx, chatID, messageID)
}

func (r *MessageRepository) descendants(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	return r.queryMessages(ctx, "descendants",
		`WITH RECURSIVE sub AS (
		     SELECT `+messageColumns+`
		     FROM messages
		     WHERE parent_message_id = $2 AND chat_id = $1 AND deleted_at IS NULL
		   UNION ALL
		     SELECT m.id, m.chat_id, m.sender_id, m.content, m.message_type, m.parent_message_id,
		            m.branch_level, m.branch_path, m.is_branch_root, m.created_at, m.updated_at, m.deleted_at
		     FROM messages m
		     JOIN sub s ON m.parent_message_id = s.id
		     WHERE m.deleted_at IS NULL
		 )
		 SELECT * FROM sub ORDER BY branch_path, created_at`, chatID, messageID)
}

// GetBranchTree returns the message and everything below it in branch-path
// order. Non-root messages use the materialized path prefix; that includes
// same-level replies of sibling parents, which share the path.
func (r *MessageRepository) GetBranchTree(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetBranchTree", time.Now())()
	target, err := r.GetByID(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if target.BranchPath == "" {
		// Root paths are empty, so a prefix match would sweep the whole
		// chat. Walk parent pointers instead.
		descendants, err := r.descendants(ctx, chatID, messageID)
		if err != nil {
			return nil, err
		}
		return append([]model.Message{*target}, descendants...), nil
	}
	below, err := r.queryMessages(ctx, "GetBranchTree",
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE chat_id = $1 AND branch_path LIKE $2 AND deleted_at IS NULL
		 ORDER BY branch_path, created_at`, chatID, target.BranchPath+".%")
	if err != nil {
		return nil, err
	}
	return append([]model.Message{*target}, below...), nil
}

// GetMessageBranch returns the message and its direct replies, oldest first.
func (r *MessageRepository) GetMessageBranch(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetMessageBranch", time.Now())()
	target, err := r.GetByID(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	children, err := r.queryMessages(ctx, "GetMessageBranch",
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE chat_id = $1 AND parent_message_id = $2 AND deleted_at IS NULL
		 ORDER BY created_at ASC`, chatID, messageID)
	if err != nil {
		return nil, err
	}
	return append([]model.Message{*target}, children...), nil
}

// GetChatBranches lists root messages (no parent), newest first.
func (r *MessageRepository) GetChatBranches(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetChatBranches", time.Now())()
	return r.queryMessages(ctx, "GetChatBranches",
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE chat_id = $1 AND parent_message_id IS NULL AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, chatID, limit, offset)
}

// GetActiveBranches lists messages explicitly marked as branch roots.
func (r *MessageRepository) GetActiveBranches(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetActiveBranches", time.Now())()
	return r.queryMessages(ctx, "GetActiveBranches",
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE chat_id = $1 AND is_branch_root = TRUE AND deleted_at IS NULL
		 ORDER BY created_at ASC`, chatID)
}

func (r *MessageRepository) UpdateContent(ctx context.Context, chatID, id, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`UPDATE messages SET content = $3, updated_at = NOW()
		 WHERE id = $2 AND chat_id = $1 AND deleted_at IS NULL
		 RETURNING `+messageColumns, chatID, id, content,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.ParentMessageID,
		&m.BranchLevel, &m.BranchPath, &m.IsBranchRoot, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, chatID, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $2 AND chat_id = $1 AND deleted_at IS NULL`, chatID, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) queryMessages(ctx context.Context, op, sql string, args ...any) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.%s query: %w", op, err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 16)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.MessageType, &m.ParentMessageID,
			&m.BranchLevel, &m.BranchPath, &m.IsBranchRoot, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.%s rows: %w", op, err)
	}
	return messages, nil
}
