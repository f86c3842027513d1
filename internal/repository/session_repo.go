package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"session-lifecycle/internal/domain"
)

// ErrNotFound indica que el registro no existe en el log durable.
var ErrNotFound = errors.New("record not found")

// SessionLog es el log durable de sesiones: una fila por sesion, sobrevive
// a reinicios y evicciones del cache.
type SessionLog interface {
	// Upsert inserta o actualiza la fila. Una fila invalidada nunca vuelve a activa.
	Upsert(ctx context.Context, session domain.Session) error
	GetByID(ctx context.Context, id string) (domain.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error)
	// ListExpiredActive devuelve sesiones activas con expires_at < now.
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
}

type PgSessionLog struct {
	pool *pgxpool.Pool
}

func NewPgSessionLog(pool *pgxpool.Pool) *PgSessionLog {
	return &PgSessionLog{pool: pool}
}

const sessionColumns = `id, user_id, role, device_info, ip_address, user_agent,
	created_at, last_activity_at, expires_at, status, invalidation_reason, invalidated_at`

func (r *PgSessionLog) Upsert(ctx context.Context, s domain.Session) error {
	const query = `
		INSERT INTO session_log (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			last_activity_at    = GREATEST(session_log.last_activity_at, EXCLUDED.last_activity_at),
			expires_at          = CASE WHEN EXCLUDED.status = 'active'
			                           THEN GREATEST(session_log.expires_at, EXCLUDED.expires_at)
			                           ELSE session_log.expires_at END,
			status              = EXCLUDED.status,
			invalidation_reason = EXCLUDED.invalidation_reason,
			invalidated_at      = EXCLUDED.invalidated_at
		WHERE session_log.status = 'active'
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.UserID,
		string(s.Role),
		s.DeviceInfo,
		s.IPAddress,
		s.UserAgent,
		s.CreatedAt,
		s.LastActivityAt,
		s.ExpiresAt,
		string(s.Status),
		nullableReason(s.InvalidationReason),
		s.InvalidatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session log: %w", err)
	}
	return nil
}

func (r *PgSessionLog) GetByID(ctx context.Context, id string) (domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_log WHERE id = $1`
	s, err := scanPgSession(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session log: %w", err)
	}
	return s, nil
}

func (r *PgSessionLog) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM session_log
		WHERE user_id = $1 AND status = 'active'
		ORDER BY last_activity_at DESC`
	return r.list(ctx, query, userID)
}

func (r *PgSessionLog) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM session_log
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`
	return r.list(ctx, query, now, limit)
}

func (r *PgSessionLog) list(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session log: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPgSession(row pgx.Row) (domain.Session, error) {
	var (
		s      domain.Session
		role   string
		status string
		reason *string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&role,
		&s.DeviceInfo,
		&s.IPAddress,
		&s.UserAgent,
		&s.CreatedAt,
		&s.LastActivityAt,
		&s.ExpiresAt,
		&status,
		&reason,
		&s.InvalidatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.Role = domain.Role(role)
	s.Status = domain.SessionStatus(status)
	if reason != nil {
		s.InvalidationReason = domain.InvalidationReason(*reason)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastActivityAt = s.LastActivityAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	if s.InvalidatedAt != nil {
		at := s.InvalidatedAt.UTC()
		s.InvalidatedAt = &at
	}
	return s, nil
}

func nullableReason(r domain.InvalidationReason) *string {
	if r == "" {
		return nil
	}
	v := string(r)
	return &v
}
