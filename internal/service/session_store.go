package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/metrics"
	"session-lifecycle/internal/repository"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCapExceeded no llega al usuario: la eviccion lo resuelve.
	ErrSessionCapExceeded = errors.New("session cap exceeded")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidReason      = errors.New("invalid invalidation reason")
	ErrInvalidSession     = errors.New("invalid session input")
)

// SessionStoreConfig agrupa las dependencias del store.
type SessionStoreConfig struct {
	Cache    SessionCache
	Log      repository.SessionLog
	Policies *PolicyTable
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time

	// MaxRetries acota los reintentos de escritura en el log durable.
	MaxRetries    uint64
	RetryInterval time.Duration
	SweepBatch    int

	// OnEvict recibe cada sesion cerrada por cupo. Corre bajo el lock del
	// usuario: no debe bloquear.
	OnEvict func(domain.Session)
}

// SweepResult resume una pasada de SweepExpired.
type SweepResult struct {
	Flushed    int
	Reclaimed  int
	Reconciled int
}

// SessionStore es el duenio de las sesiones: cache con TTL como fuente de
// verdad de validez y log durable como espejo de auditoria. Tambien aplica
// la politica de eviccion por cupo.
//
// Orden de locks: usuario antes que sesion.
type SessionStore struct {
	cache    SessionCache
	log      repository.SessionLog
	policies *PolicyTable
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	onEvict  func(domain.Session)

	maxRetries    uint64
	retryInterval time.Duration
	sweepBatch    int

	userLocks    keyedMutex
	sessionLocks keyedMutex

	// pending guarda escrituras que agotaron los reintentos contra el log.
	pendingMu sync.Mutex
	pending   map[string]domain.Session
}

func NewSessionStore(cfg SessionStoreConfig) *SessionStore {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policies == nil {
		cfg.Policies = NewPolicyTable(DefaultPolicies)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	return &SessionStore{
		cache:         cfg.Cache,
		log:           cfg.Log,
		policies:      cfg.Policies,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		onEvict:       cfg.OnEvict,
		now:           cfg.Now,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		sweepBatch:    cfg.SweepBatch,
		pending:       make(map[string]domain.Session),
	}
}

// Policies expone la tabla de politicas usada por el store.
func (s *SessionStore) Policies() *PolicyTable {
	return s.policies
}

func (s *SessionStore) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateSession crea una sesion nueva aplicando el cupo del rol antes de
// insertarla. Serializado por usuario.
func (s *SessionStore) CreateSession(ctx context.Context, userID string, role domain.Role, meta domain.DeviceMetadata) (domain.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Session{}, fmt.Errorf("%w: user id required", ErrInvalidSession)
	}
	role = domain.NormalizeRole(string(role))

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	now := s.clock()
	policy := s.policies.Policy(role)
	if err := s.enforceCap(ctx, userID, policy.MaxSessions, now); err != nil {
		return domain.Session{}, err
	}

	session := domain.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Role:           role,
		DeviceInfo:     meta.DeviceInfo,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(policy.Timeout),
		Status:         domain.SessionActive,
	}
	if err := s.cache.Put(ctx, session, policy.Timeout); err != nil {
		return domain.Session{}, fmt.Errorf("cache session: %w", err)
	}
	s.persist(ctx, session)

	s.metrics.SessionCreated()
	s.logger.Info("session created",
		zap.String("user_id", userID),
		zap.String("session_id", session.ID),
		zap.String("role", string(role)),
	)
	return session, nil
}

// enforceCap invalida las sesiones menos recientes hasta dejar lugar para
// una mas. Requiere el lock del usuario.
func (s *SessionStore) enforceCap(ctx context.Context, userID string, maxSessions int, now time.Time) error {
	active, err := s.listActive(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	for len(active) >= maxSessions && len(active) > 0 {
		victim := active[len(active)-1]
		active = active[:len(active)-1]
		evicted, err := s.invalidateWithLock(ctx, victim, domain.ReasonMaxSessionsExceeded)
		if err != nil {
			return fmt.Errorf("%w: evict %s: %v", ErrSessionCapExceeded, victim.ID, err)
		}
		if !evicted {
			continue
		}
		s.logger.Info("session evicted",
			zap.String("user_id", userID),
			zap.String("session_id", victim.ID),
			zap.Int("max_sessions", maxSessions),
		)
		if s.onEvict != nil {
			s.onEvict(victim.Invalidated(domain.ReasonMaxSessionsExceeded, now))
		}
	}
	return nil
}

// GetSession lee del cache y, ante un miss, reconstruye desde el log
// durable revalidando expires_at.
func (s *SessionStore) GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	now := s.clock()
	cached, ok, err := s.cache.Get(ctx, userID, sessionID)
	if err != nil {
		s.logger.Warn("session cache read failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if ok && cached.IsActive(now) {
		return cached, nil
	}

	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()
	return s.loadLocked(ctx, userID, sessionID, now)
}

// loadLocked requiere el lock de la sesion.
func (s *SessionStore) loadLocked(ctx context.Context, userID, sessionID string, now time.Time) (domain.Session, error) {
	cached, ok, err := s.cache.Get(ctx, userID, sessionID)
	if err != nil {
		s.logger.Warn("session cache read failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if ok {
		if cached.IsActive(now) {
			return cached, nil
		}
		_ = s.cache.Delete(ctx, userID, sessionID)
	}

	record, err := s.loadDurable(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if record.UserID != userID || record.Status != domain.SessionActive {
		return domain.Session{}, ErrSessionNotFound
	}
	if !record.IsActive(now) {
		s.persist(ctx, record.Invalidated(domain.ReasonExpired, now))
		s.metrics.SessionInvalidated(domain.ReasonExpired)
		return domain.Session{}, ErrSessionNotFound
	}
	if err := s.cache.Put(ctx, record, record.Remaining(now)); err != nil {
		s.logger.Warn("session cache reinstate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return record, nil
}

// loadDurable consulta primero las escrituras pendientes y luego el log.
func (s *SessionStore) loadDurable(ctx context.Context, sessionID string) (domain.Session, error) {
	if rec, ok := s.pendingRecord(sessionID); ok {
		return rec, nil
	}
	rec, err := s.log.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// Touch desliza la expiracion de una sesion activa. Solo escribe el cache
// y nunca recrea una entrada que ya no existe.
func (s *SessionStore) Touch(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	now := s.clock()
	current, err := s.loadLocked(ctx, userID, sessionID, now)
	if err != nil {
		return domain.Session{}, err
	}
	updated := current
	updated.LastActivityAt = now
	updated.ExpiresAt = now.Add(s.policies.Timeout(current.Role))

	ok, err := s.cache.Replace(ctx, updated, updated.Remaining(now))
	if err != nil {
		return domain.Session{}, fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	return updated, nil
}

// Invalidate deja la sesion en estado terminal. Invalidar una sesion ya
// invalidada no hace nada.
func (s *SessionStore) Invalidate(ctx context.Context, sessionID string, reason domain.InvalidationReason) error {
	if !reason.Valid() {
		return ErrInvalidReason
	}
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	record, err := s.loadDurable(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.invalidateLocked(ctx, record, reason)
	return err
}

// InvalidateAll invalida todas las sesiones activas del usuario salvo
// exceptSessionID y devuelve cuantas invalido.
func (s *SessionStore) InvalidateAll(ctx context.Context, userID, exceptSessionID string, reason domain.InvalidationReason) (int, error) {
	if !reason.Valid() {
		return 0, ErrInvalidReason
	}
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	active, err := s.listActive(ctx, userID, s.clock())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, session := range active {
		if session.ID == exceptSessionID {
			continue
		}
		invalidated, err := s.invalidateWithLock(ctx, session, reason)
		if err != nil {
			return count, err
		}
		if invalidated {
			count++
		}
	}
	return count, nil
}

// invalidateWithLock relee el registro bajo el lock de la sesion: la copia
// recibida puede venir de un listado previo al lock.
func (s *SessionStore) invalidateWithLock(ctx context.Context, session domain.Session, reason domain.InvalidationReason) (bool, error) {
	unlock := s.sessionLocks.Lock(session.ID)
	defer unlock()

	current, err := s.loadDurable(ctx, session.ID)
	switch {
	case err == nil:
		session = current
	case !errors.Is(err, ErrSessionNotFound):
		s.logger.Warn("session reload before invalidate failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	return s.invalidateLocked(ctx, session, reason)
}

// invalidateLocked requiere el lock de la sesion. Devuelve false si la
// sesion ya estaba invalidada.
func (s *SessionStore) invalidateLocked(ctx context.Context, record domain.Session, reason domain.InvalidationReason) (bool, error) {
	if rec, ok := s.pendingRecord(record.ID); ok {
		record = rec
	}
	if record.Status == domain.SessionInvalidated {
		return false, nil
	}
	if cached, ok, err := s.cache.Get(ctx, record.UserID, record.ID); err == nil && ok {
		record = cached
	}
	if err := s.cache.Delete(ctx, record.UserID, record.ID); err != nil {
		return false, fmt.Errorf("evict cached session: %w", err)
	}
	s.persist(ctx, record.Invalidated(reason, s.clock()))

	s.metrics.SessionInvalidated(reason)
	s.logger.Info("session invalidated",
		zap.String("user_id", record.UserID),
		zap.String("session_id", record.ID),
		zap.String("reason", string(reason)),
	)
	return true, nil
}

// ListActive devuelve las sesiones activas del usuario, la mas reciente primero.
func (s *SessionStore) ListActive(ctx context.Context, userID string) ([]domain.Session, error) {
	return s.listActive(ctx, userID, s.clock())
}

// listActive combina log, escrituras pendientes y cache. El cache gana
// porque Touch solo escribe ahi.
func (s *SessionStore) listActive(ctx context.Context, userID string, now time.Time) ([]domain.Session, error) {
	rows, err := s.log.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	byID := make(map[string]domain.Session, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	for _, rec := range s.pendingForUser(userID) {
		byID[rec.ID] = rec
	}

	out := make([]domain.Session, 0, len(byID))
	for _, rec := range byID {
		if rec.Status != domain.SessionActive {
			continue
		}
		if cached, ok, err := s.cache.Get(ctx, userID, rec.ID); err == nil && ok {
			rec = cached
		}
		if !rec.IsActive(now) {
			continue
		}
		out = append(out, rec)
	}
	sortByRecency(out)
	return out, nil
}

// sortByRecency ordena de mas a menos reciente. Empates: created_at y luego
// id, de modo que el ultimo elemento es siempre el candidato a eviccion.
func sortByRecency(sessions []domain.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// SweepExpired reintenta las escrituras pendientes y luego invalida las
// sesiones activas vencidas del log. Si el cache tiene una copia mas nueva
// y vigente, la copia se escribe en el log en lugar de invalidar.
func (s *SessionStore) SweepExpired(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	result.Flushed = s.flushPending(ctx)

	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		now := s.clock()
		batch, err := s.log.ListExpiredActive(ctx, now, s.sweepBatch)
		if err != nil {
			return result, fmt.Errorf("list expired sessions: %w", err)
		}
		progressed := false
		for _, candidate := range batch {
			if _, ok := seen[candidate.ID]; ok {
				continue
			}
			seen[candidate.ID] = struct{}{}
			progressed = true
			if s.sweepOne(ctx, candidate, now) {
				result.Reconciled++
			} else {
				result.Reclaimed++
			}
		}
		if !progressed || len(batch) < s.sweepBatch {
			break
		}
	}

	s.metrics.SweepCompleted(result.Reclaimed, result.Reconciled)
	s.logger.Info("session sweep completed",
		zap.Int("flushed", result.Flushed),
		zap.Int("reclaimed", result.Reclaimed),
		zap.Int("reconciled", result.Reconciled),
	)
	return result, nil
}

// sweepOne toma el lock de una sola sesion. Devuelve true si reconcilio.
func (s *SessionStore) sweepOne(ctx context.Context, candidate domain.Session, now time.Time) bool {
	unlock := s.sessionLocks.Lock(candidate.ID)
	defer unlock()

	cached, ok, err := s.cache.Get(ctx, candidate.UserID, candidate.ID)
	if err == nil && ok && cached.IsActive(now) && cached.ExpiresAt.After(candidate.ExpiresAt) {
		s.persist(ctx, cached)
		return true
	}
	if err := s.cache.Delete(ctx, candidate.UserID, candidate.ID); err != nil {
		s.logger.Warn("sweep cache delete failed", zap.String("session_id", candidate.ID), zap.Error(err))
	}
	s.persist(ctx, candidate.Invalidated(domain.ReasonExpired, now))
	s.metrics.SessionInvalidated(domain.ReasonExpired)
	return false
}

// persist escribe en el log con reintentos acotados. Si se agotan, la
// sesion queda solo en cache hasta que el proximo sweep la reconcilie.
func (s *SessionStore) persist(ctx context.Context, record domain.Session) {
	ctx = context.WithoutCancel(ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	policy.MaxInterval = 20 * s.retryInterval
	policy.Reset()

	op := func() error {
		err := s.log.Upsert(ctx, record)
		if err != nil {
			s.metrics.LogWriteFailed()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("session log write failed, retrying",
			zap.String("session_id", record.ID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(policy, s.maxRetries), notify); err != nil {
		s.park(record)
		s.metrics.LogDegraded()
		s.logger.Error("session log write exhausted retries, keeping cache-only copy",
			zap.String("session_id", record.ID),
			zap.Error(err),
		)
		return
	}
	s.clearPending(record)
}

// park guarda la escritura pendiente. Un estado terminal nunca se pisa con uno activo.
func (s *SessionStore) park(record domain.Session) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if prev, ok := s.pending[record.ID]; ok && prev.Status == domain.SessionInvalidated && record.Status == domain.SessionActive {
		return
	}
	s.pending[record.ID] = record
}

func (s *SessionStore) clearPending(written domain.Session) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	prev, ok := s.pending[written.ID]
	if !ok {
		return
	}
	if prev.Status == domain.SessionInvalidated && written.Status == domain.SessionActive {
		return
	}
	delete(s.pending, written.ID)
}

func (s *SessionStore) pendingRecord(id string) (domain.Session, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	rec, ok := s.pending[id]
	return rec, ok
}

func (s *SessionStore) pendingForUser(userID string) []domain.Session {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	var out []domain.Session
	for _, rec := range s.pending {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}

// PendingCount reporta cuantas escrituras esperan reconciliacion.
func (s *SessionStore) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// flushPending intenta una sola escritura por registro pendiente.
func (s *SessionStore) flushPending(ctx context.Context) int {
	s.pendingMu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pendingMu.Unlock()

	flushed := 0
	for _, id := range ids {
		unlock := s.sessionLocks.Lock(id)
		rec, ok := s.pendingRecord(id)
		if ok {
			if err := s.log.Upsert(ctx, rec); err != nil {
				s.metrics.LogWriteFailed()
				s.logger.Warn("pending session flush failed", zap.String("session_id", id), zap.Error(err))
			} else {
				s.clearPending(rec)
				flushed++
			}
		}
		unlock()
	}
	return flushed
}

// Lookup busca una sesion activa solo por id, sin conocer su usuario.
func (s *SessionStore) Lookup(ctx context.Context, sessionID string) (domain.Session, error) {
	record, err := s.loadDurable(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if cached, ok, err := s.cache.Get(ctx, record.UserID, record.ID); err == nil && ok {
		record = cached
	}
	if !record.IsActive(s.clock()) {
		return domain.Session{}, ErrSessionNotFound
	}
	return record, nil
}
