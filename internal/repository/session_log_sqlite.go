package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"session-lifecycle/internal/domain"
)

const sqliteSessionSchema = `
CREATE TABLE IF NOT EXISTS session_log (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	role                TEXT NOT NULL,
	device_info         TEXT NOT NULL DEFAULT '',
	ip_address          TEXT NOT NULL DEFAULT '',
	user_agent          TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	last_activity_at    INTEGER NOT NULL,
	expires_at          INTEGER NOT NULL,
	status              TEXT NOT NULL DEFAULT 'active',
	invalidation_reason TEXT,
	invalidated_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_session_log_user_status ON session_log (user_id, status);
CREATE INDEX IF NOT EXISTS idx_session_log_status_expires ON session_log (status, expires_at);
`

// SQLiteSessionLog implementa SessionLog sobre SQLite para despliegues de un
// solo nodo. Los timestamps se guardan como unix nanos.
type SQLiteSessionLog struct {
	db *sql.DB
}

// NewSQLiteSessionLog crea el schema si no existe.
func NewSQLiteSessionLog(ctx context.Context, db *sql.DB) (*SQLiteSessionLog, error) {
	if _, err := db.ExecContext(ctx, sqliteSessionSchema); err != nil {
		return nil, fmt.Errorf("create sqlite session schema: %w", err)
	}
	return &SQLiteSessionLog{db: db}, nil
}

func (r *SQLiteSessionLog) Upsert(ctx context.Context, s domain.Session) error {
	const query = `
		INSERT INTO session_log (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_activity_at    = MAX(session_log.last_activity_at, excluded.last_activity_at),
			expires_at          = CASE WHEN excluded.status = 'active'
			                           THEN MAX(session_log.expires_at, excluded.expires_at)
			                           ELSE session_log.expires_at END,
			status              = excluded.status,
			invalidation_reason = excluded.invalidation_reason,
			invalidated_at      = excluded.invalidated_at
		WHERE session_log.status = 'active'
	`
	var invalidatedAt any
	if s.InvalidatedAt != nil {
		invalidatedAt = s.InvalidatedAt.UnixNano()
	}
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		string(s.Role),
		s.DeviceInfo,
		s.IPAddress,
		s.UserAgent,
		s.CreatedAt.UnixNano(),
		s.LastActivityAt.UnixNano(),
		s.ExpiresAt.UnixNano(),
		string(s.Status),
		nullableReason(s.InvalidationReason),
		invalidatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session log: %w", err)
	}
	return nil
}

func (r *SQLiteSessionLog) GetByID(ctx context.Context, id string) (domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_log WHERE id = ?`
	s, err := scanSQLiteSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session log: %w", err)
	}
	return s, nil
}

func (r *SQLiteSessionLog) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM session_log
		WHERE user_id = ? AND status = 'active'
		ORDER BY last_activity_at DESC`
	return r.list(ctx, query, userID)
}

func (r *SQLiteSessionLog) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM session_log
		WHERE status = 'active' AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?`
	return r.list(ctx, query, now.UnixNano(), limit)
}

func (r *SQLiteSessionLog) list(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session log: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (domain.Session, error) {
	var (
		s                                  domain.Session
		role, status                       string
		reason                             sql.NullString
		createdAt, lastActivity, expiresAt int64
		invalidatedAt                      sql.NullInt64
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&role,
		&s.DeviceInfo,
		&s.IPAddress,
		&s.UserAgent,
		&createdAt,
		&lastActivity,
		&expiresAt,
		&status,
		&reason,
		&invalidatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.Role = domain.Role(role)
	s.Status = domain.SessionStatus(status)
	if reason.Valid {
		s.InvalidationReason = domain.InvalidationReason(reason.String)
	}
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.LastActivityAt = time.Unix(0, lastActivity).UTC()
	s.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if invalidatedAt.Valid {
		at := time.Unix(0, invalidatedAt.Int64).UTC()
		s.InvalidatedAt = &at
	}
	return s, nil
}
