package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-lifecycle/internal/domain"
)

// SessionSummary es la vista de una sesion que ve su duenio.
type SessionSummary struct {
	ID             string    `json:"id"`
	DeviceInfo     string    `json:"device_info"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsCurrent      bool      `json:"is_current"`
}

// SessionService expone listado y revocacion de sesiones a callers autenticados.
type SessionService struct {
	store    *SessionStore
	policies *PolicyTable
	logger   *zap.Logger
}

func NewSessionService(store *SessionStore, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		store:    store,
		policies: store.Policies(),
		logger:   logger,
	}
}

// ListSessions lista las sesiones activas de userID (vacio = las del caller).
// Solo un caller administrativo puede listar las de otro usuario.
func (s *SessionService) ListSessions(ctx context.Context, caller domain.Caller, userID string) ([]SessionSummary, error) {
	target := strings.TrimSpace(userID)
	if target == "" {
		target = caller.UserID
	}
	if target != caller.UserID && !s.policies.IsAdministrative(caller.Role) {
		return nil, ErrForbidden
	}

	active, err := s.store.ListActive(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(active))
	for _, session := range active {
		out = append(out, SessionSummary{
			ID:             session.ID,
			DeviceInfo:     session.DeviceInfo,
			IPAddress:      session.IPAddress,
			UserAgent:      session.UserAgent,
			CreatedAt:      session.CreatedAt,
			LastActivityAt: session.LastActivityAt,
			ExpiresAt:      session.ExpiresAt,
			IsCurrent:      session.ID == caller.SessionID,
		})
	}
	return out, nil
}

// RevokeSession invalida una sesion. Las ajenas requieren rol administrativo.
// Un id que no es UUID no puede existir y se reporta como no encontrado.
func (s *SessionService) RevokeSession(ctx context.Context, caller domain.Caller, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if _, err := uuid.Parse(sessionID); err != nil {
		return ErrSessionNotFound
	}
	session, err := s.store.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}

	reason := domain.ReasonUserLogout
	if session.UserID != caller.UserID {
		if !s.policies.IsAdministrative(caller.Role) {
			s.logger.Warn("session revoke forbidden",
				zap.String("user_id", caller.UserID),
				zap.String("session_id", sessionID),
			)
			return ErrForbidden
		}
		reason = domain.ReasonAdminRevoke
	}
	return s.store.Invalidate(ctx, sessionID, reason)
}

// RevokeAllOtherSessions invalida todas las sesiones del caller salvo la actual.
func (s *SessionService) RevokeAllOtherSessions(ctx context.Context, caller domain.Caller) (int, error) {
	n, err := s.store.InvalidateAll(ctx, caller.UserID, caller.SessionID, domain.ReasonUserLogout)
	if err != nil {
		return n, err
	}
	s.logger.Info("other sessions revoked", zap.String("user_id", caller.UserID), zap.Int("count", n))
	return n, nil
}
