package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"session-lifecycle/internal/domain"
)

const sqliteUserSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT 'guest',
	password_hash TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
`

// SQLiteUserRepository es el directorio de usuarios del modo de un solo nodo.
type SQLiteUserRepository struct {
	db *sql.DB
}

// NewSQLiteUserRepository crea el schema si no existe.
func NewSQLiteUserRepository(ctx context.Context, db *sql.DB) (*SQLiteUserRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteUserSchema); err != nil {
		return nil, fmt.Errorf("create sqlite user schema: %w", err)
	}
	return &SQLiteUserRepository{db: db}, nil
}

func (r *SQLiteUserRepository) Create(ctx context.Context, u domain.User) error {
	const query = `
		INSERT INTO users (id, email, display_name, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		u.ID,
		strings.ToLower(strings.TrimSpace(u.Email)),
		u.DisplayName,
		string(u.Role),
		u.PasswordHash,
		u.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *SQLiteUserRepository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	const query = `
		SELECT id, email, display_name, role, password_hash, created_at
		FROM users
		WHERE email = ?
	`
	return r.getOne(ctx, query, strings.ToLower(strings.TrimSpace(email)))
}

func (r *SQLiteUserRepository) GetByID(ctx context.Context, id string) (domain.User, error) {
	const query = `
		SELECT id, email, display_name, role, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return r.getOne(ctx, query, id)
}

func (r *SQLiteUserRepository) getOne(ctx context.Context, query string, arg string) (domain.User, error) {
	var (
		u         domain.User
		role      string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&role,
		&u.PasswordHash,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Role = domain.NormalizeRole(role)
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	return u, nil
}
