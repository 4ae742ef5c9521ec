package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, email, username, password_hash, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Username, u.PasswordHash, u.IsActive, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	return r.getBy(ctx, "id", id)
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	return r.getBy(ctx, "email", email)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByUsername", time.Now())()
	return r.getBy(ctx, "username", username)
}

func (r *UserRepository) getBy(ctx context.Context, column, value string) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, username, password_hash, is_active, created_at, updated_at
		 FROM users
		 WHERE `+column+` = $1`, value,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.getBy %s: %w", column, err)
	}
	return u, nil
}

// GetByIDs loads several users at once (sender enrichment for message pages).
// Missing IDs are silently absent from the result.
func (r *UserRepository) GetByIDs(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	defer logger.DeferLogDuration("user.GetByIDs", time.Now())()
	out := make(map[string]model.UserPublic, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, email, username, is_active, created_at
		 FROM users
		 WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByIDs query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("userRepo.GetByIDs scan: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetByIDs rows: %w", err)
	}
	return out, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id, username string) error {
	defer logger.DeferLogDuration("user.UpdateProfile", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET username = $2, updated_at = NOW() WHERE id = $1`,
		id, username,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("userRepo.UpdateProfile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
