package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/email"
	"session-lifecycle/internal/repository"
)

// SessionNotifier avisa por correo de inicios de sesion nuevos y de
// sesiones cerradas por cupo. Los envios son asincronos y nunca afectan al
// request que los origina. Un *SessionNotifier nil no hace nada.
type SessionNotifier struct {
	users   repository.UserRepository
	sender  email.Sender
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewSessionNotifier(users repository.UserRepository, sender email.Sender, logger *zap.Logger) *SessionNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionNotifier{
		users:   users,
		sender:  sender,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

func (n *SessionNotifier) NewSignIn(user domain.User, s domain.Session) {
	if n == nil {
		return
	}
	n.dispatch(user.Email, notice(email.NoticeNewSignIn, s, s.CreatedAt))
}

// SessionEvicted busca el correo del usuario en el directorio antes de enviar.
func (n *SessionNotifier) SessionEvicted(s domain.Session) {
	if n == nil {
		return
	}
	at := s.LastActivityAt
	if s.InvalidatedAt != nil {
		at = *s.InvalidatedAt
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		user, err := n.users.GetByID(ctx, s.UserID)
		if err != nil {
			n.logger.Warn("eviction notice skipped", zap.String("user_id", s.UserID), zap.Error(err))
			return
		}
		n.send(ctx, user.Email, notice(email.NoticeSessionEvicted, s, at))
	}()
}

// Wait bloquea hasta que terminen los envios en curso.
func (n *SessionNotifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *SessionNotifier) dispatch(to string, msg email.SessionNotice) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.send(ctx, to, msg)
	}()
}

func (n *SessionNotifier) send(ctx context.Context, to string, msg email.SessionNotice) {
	err := n.sender.SendSessionNotice(ctx, to, msg)
	switch {
	case err == nil:
		n.logger.Debug("session notice sent", zap.String("kind", string(msg.Kind)), zap.String("session_id", msg.SessionID))
	case errors.Is(err, email.ErrDisabled):
	default:
		n.logger.Warn("session notice failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("session_id", msg.SessionID),
			zap.Error(err),
		)
	}
}

func notice(kind email.NoticeKind, s domain.Session, at time.Time) email.SessionNotice {
	return email.SessionNotice{
		Kind:       kind,
		SessionID:  s.ID,
		DeviceInfo: s.DeviceInfo,
		IPAddress:  s.IPAddress,
		UserAgent:  s.UserAgent,
		At:         at,
	}
}
