package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/metrics"
	"session-lifecycle/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRefreshRejected cubre refresh tokens invalidos, vencidos, usados o
	// de una sesion que ya no esta activa.
	ErrRefreshRejected = errors.New("refresh rejected")
)

// Authenticator verifica credenciales contra el directorio de usuarios externo.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (domain.User, error)
}

// PasswordAuthenticator compara contra el hash bcrypt del directorio.
type PasswordAuthenticator struct {
	users repository.UserRepository
}

func NewPasswordAuthenticator(users repository.UserRepository) *PasswordAuthenticator {
	return &PasswordAuthenticator{users: users}
}

func (a *PasswordAuthenticator) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	user, err := a.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if user.PasswordHash == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

type LoginInput struct {
	Email    string
	Password string
	Device   domain.DeviceMetadata
}

type LoginResult struct {
	Tokens  TokenPair
	User    domain.User
	Session domain.Session
}

// AuthService une credenciales, sesiones y tokens.
type AuthService struct {
	authenticator Authenticator
	sessions      *SessionStore
	jwt           *JWTService
	limiter       LoginRateLimiter
	notifier      *SessionNotifier
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func NewAuthService(authenticator Authenticator, sessions *SessionStore, jwtSvc *JWTService, logger *zap.Logger, m *metrics.Metrics) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		authenticator: authenticator,
		sessions:      sessions,
		jwt:           jwtSvc,
		logger:        logger,
		metrics:       m,
	}
}

// WithLoginLimiter acota los intentos de login por cuenta.
func (s *AuthService) WithLoginLimiter(l LoginRateLimiter) *AuthService {
	s.limiter = l
	return s
}

// WithNotifier avisa por correo de cada inicio de sesion nuevo.
func (s *AuthService) WithNotifier(n *SessionNotifier) *AuthService {
	s.notifier = n
	return s
}

// Login autentica, crea la sesion (aplicando el cupo del rol) y emite tokens.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	if s.limiter != nil && !s.limiter.Allow(ctx, input.Email) {
		return LoginResult{}, ErrRateLimited
	}
	user, err := s.authenticator.Authenticate(ctx, input.Email, input.Password)
	if err != nil {
		return LoginResult{}, err
	}
	session, err := s.sessions.CreateSession(ctx, user.ID, user.Role, input.Device)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	pair, err := s.jwt.GeneratePair(ctx, session)
	if err != nil {
		_ = s.sessions.Invalidate(ctx, session.ID, domain.ReasonUserLogout)
		return LoginResult{}, fmt.Errorf("issue tokens: %w", err)
	}
	s.notifier.NewSignIn(user, session)
	return LoginResult{Tokens: pair, User: user, Session: session}, nil
}

// Refresh rota el refresh token. Un token no aceptable es ErrRefreshRejected;
// cualquier otra falla deja el token original utilizable para reintentar.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.jwt.ConsumeRefresh(ctx, refreshToken)
	if errors.Is(err, ErrJWTInvalid) || errors.Is(err, ErrJWTExpired) {
		s.metrics.TokenRefresh("rejected")
		return TokenPair{}, ErrRefreshRejected
	}
	if err != nil {
		s.metrics.TokenRefresh("error")
		return TokenPair{}, err
	}
	session, err := s.sessions.Touch(ctx, claims.UserID, claims.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		s.metrics.TokenRefresh("rejected")
		s.logger.Info("refresh for inactive session", zap.String("session_id", claims.SessionID))
		return TokenPair{}, ErrRefreshRejected
	}
	if err != nil {
		s.metrics.TokenRefresh("error")
		s.restoreRefresh(ctx, claims)
		return TokenPair{}, fmt.Errorf("touch session: %w", err)
	}
	pair, err := s.jwt.GeneratePair(ctx, session)
	if err != nil {
		s.metrics.TokenRefresh("error")
		s.restoreRefresh(ctx, claims)
		return TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	s.metrics.TokenRefresh("ok")
	return pair, nil
}

func (s *AuthService) restoreRefresh(ctx context.Context, claims Claims) {
	if err := s.jwt.RestoreRefresh(context.WithoutCancel(ctx), claims); err != nil {
		s.logger.Warn("refresh token restore failed", zap.String("session_id", claims.SessionID), zap.Error(err))
	}
}

// Logout cierra la sesion actual y revoca el refresh token si viene.
func (s *AuthService) Logout(ctx context.Context, caller domain.Caller, refreshToken string) error {
	if err := s.sessions.Invalidate(ctx, caller.SessionID, domain.ReasonUserLogout); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if strings.TrimSpace(refreshToken) != "" {
		if err := s.jwt.RevokeRefresh(ctx, refreshToken); err != nil {
			s.logger.Warn("refresh revoke on logout failed", zap.String("session_id", caller.SessionID), zap.Error(err))
		}
	}
	return nil
}

// LogoutAll cierra todas las sesiones del usuario, incluida la actual, y
// devuelve cuantas cerro.
func (s *AuthService) LogoutAll(ctx context.Context, caller domain.Caller, refreshToken string) (int, error) {
	n, err := s.sessions.InvalidateAll(ctx, caller.UserID, "", domain.ReasonUserLogout)
	if err != nil {
		return n, err
	}
	if strings.TrimSpace(refreshToken) != "" {
		if err := s.jwt.RevokeRefresh(ctx, refreshToken); err != nil {
			s.logger.Warn("refresh revoke on logout-all failed", zap.String("session_id", caller.SessionID), zap.Error(err))
		}
	}
	s.logger.Info("all sessions logged out", zap.String("user_id", caller.UserID), zap.Int("count", n))
	return n, nil
}

// Authenticate valida el access token contra la sesion y la toca.
// Devuelve ErrJWTExpired, ErrJWTInvalid o ErrSessionNotFound.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (domain.Caller, error) {
	claims, err := s.jwt.ParseAccessToken(accessToken)
	if err != nil {
		return domain.Caller{}, err
	}
	session, err := s.sessions.Touch(ctx, claims.UserID, claims.SessionID)
	if err != nil {
		return domain.Caller{}, err
	}
	return domain.Caller{
		UserID:    session.UserID,
		SessionID: session.ID,
		Role:      session.Role,
	}, nil
}
