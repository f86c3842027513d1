package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/repository"
)

// fakeSessionLog reproduce las reglas de upsert del log real.
type fakeSessionLog struct {
	mu      sync.Mutex
	rows    map[string]domain.Session
	failing bool
	upserts int
}

func newFakeSessionLog() *fakeSessionLog {
	return &fakeSessionLog{rows: make(map[string]domain.Session)}
}

func (l *fakeSessionLog) setFailing(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = v
}

func (l *fakeSessionLog) Upsert(_ context.Context, s domain.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upserts++
	if l.failing {
		return errors.New("log unavailable")
	}
	prev, ok := l.rows[s.ID]
	if !ok {
		l.rows[s.ID] = s
		return nil
	}
	if prev.Status != domain.SessionActive {
		return nil
	}
	next := s
	next.CreatedAt = prev.CreatedAt
	if prev.LastActivityAt.After(next.LastActivityAt) {
		next.LastActivityAt = prev.LastActivityAt
	}
	if next.Status == domain.SessionActive && prev.ExpiresAt.After(next.ExpiresAt) {
		next.ExpiresAt = prev.ExpiresAt
	}
	if next.Status != domain.SessionActive {
		next.ExpiresAt = prev.ExpiresAt
	}
	l.rows[s.ID] = next
	return nil
}

func (l *fakeSessionLog) GetByID(_ context.Context, id string) (domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.rows[id]
	if !ok {
		return domain.Session{}, repository.ErrNotFound
	}
	return s, nil
}

func (l *fakeSessionLog) ListActiveByUser(_ context.Context, userID string) ([]domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Session
	for _, s := range l.rows {
		if s.UserID == userID && s.Status == domain.SessionActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (l *fakeSessionLog) ListExpiredActive(_ context.Context, now time.Time, limit int) ([]domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Session
	for _, s := range l.rows {
		if s.Status == domain.SessionActive && s.ExpiresAt.Before(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *fakeSessionLog) row(id string) (domain.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.rows[id]
	return s, ok
}

func (l *fakeSessionLog) activeCount(userID string) int {
	rows, _ := l.ListActiveByUser(context.Background(), userID)
	return len(rows)
}

type storeFixture struct {
	store *SessionStore
	cache SessionCache
	log   *fakeSessionLog
	clock *fakeClock
}

func newStoreFixture() storeFixture {
	clock := newFakeClock()
	cache := NewMemorySessionCache(clock.Now)
	log := newFakeSessionLog()
	store := NewSessionStore(SessionStoreConfig{
		Cache:         cache,
		Log:           log,
		Policies:      NewPolicyTable(DefaultPolicies),
		Now:           clock.Now,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
		SweepBatch:    2,
	})
	return storeFixture{store: store, cache: cache, log: log, clock: clock}
}

func device(name string) domain.DeviceMetadata {
	return domain.DeviceMetadata{DeviceInfo: name, IPAddress: "10.0.0.1", UserAgent: "test-agent"}
}

func TestSessionStore_GuestSixthLoginEvictsFirst(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		s, err := f.store.CreateSession(ctx, "guest-1", domain.RoleGuest, device("device"))
		if err != nil {
			t.Fatalf("create %d: %v", i+1, err)
		}
		ids = append(ids, s.ID)
		f.clock.Advance(time.Minute)
	}

	active, err := f.store.ListActive(ctx, "guest-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 5 {
		t.Fatalf("expected 5 active sessions, got %d", len(active))
	}
	for _, s := range active {
		if s.ID == ids[0] {
			t.Fatalf("first login must have been evicted")
		}
	}
	if active[0].ID != ids[5] {
		t.Fatalf("expected newest session first")
	}

	evicted, _ := f.log.row(ids[0])
	if evicted.Status != domain.SessionInvalidated || evicted.InvalidationReason != domain.ReasonMaxSessionsExceeded {
		t.Fatalf("expected eviction in log, got %+v", evicted)
	}
	if evicted.InvalidatedAt == nil {
		t.Fatalf("expected invalidated_at to be set")
	}
	if _, err := f.store.GetSession(ctx, "guest-1", ids[0]); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected evicted session to be gone, got %v", err)
	}
}

func TestSessionStore_EvictsLeastRecentlyActive(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := f.store.CreateSession(ctx, "staff-1", domain.RoleStaff, device("d"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, s.ID)
		f.clock.Advance(time.Minute)
	}
	if _, err := f.store.Touch(ctx, "staff-1", ids[0]); err != nil {
		t.Fatalf("touch: %v", err)
	}
	f.clock.Advance(time.Minute)

	if _, err := f.store.CreateSession(ctx, "staff-1", domain.RoleStaff, device("d")); err != nil {
		t.Fatalf("create over cap: %v", err)
	}
	if _, err := f.store.GetSession(ctx, "staff-1", ids[0]); err != nil {
		t.Fatalf("recently touched session must survive: %v", err)
	}
	if _, err := f.store.GetSession(ctx, "staff-1", ids[1]); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected least recently active session evicted, got %v", err)
	}
}

func TestSessionStore_EvictionTieBreak(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		s, err := f.store.CreateSession(ctx, "admin-1", domain.RoleAdmin, device("d"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, s.ID)
	}
	if _, err := f.store.CreateSession(ctx, "admin-1", domain.RoleAdmin, device("d")); err != nil {
		t.Fatalf("create: %v", err)
	}

	smallest := ids[0]
	if ids[1] < smallest {
		smallest = ids[1]
	}
	row, _ := f.log.row(smallest)
	if row.Status != domain.SessionInvalidated {
		t.Fatalf("expected smallest id evicted on identical timestamps")
	}
	if f.log.activeCount("admin-1") != 2 {
		t.Fatalf("expected cap of 2 to hold, got %d", f.log.activeCount("admin-1"))
	}
}

func TestSessionStore_UnknownRoleFailsClosed(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	first, _ := f.store.CreateSession(ctx, "u1", "superuser", device("d"))
	if got := first.ExpiresAt.Sub(first.CreatedAt); got != 4*time.Hour {
		t.Fatalf("expected restrictive timeout, got %v", got)
	}
	_, _ = f.store.CreateSession(ctx, "u1", "superuser", device("d"))
	_, _ = f.store.CreateSession(ctx, "u1", "superuser", device("d"))
	if got := f.log.activeCount("u1"); got != 2 {
		t.Fatalf("expected restrictive cap of 2, got %d", got)
	}
}

func TestSessionStore_RoundTrip(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	created, err := f.store.CreateSession(ctx, "u1", domain.RoleGuest, device("laptop"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.ExpiresAt.After(created.LastActivityAt) {
		t.Fatalf("expires_at must be after last_activity_at")
	}
	got, err := f.store.GetSession(ctx, "u1", created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != created {
		t.Fatalf("expected identical record, got %+v want %+v", got, created)
	}

	if err := f.store.Invalidate(ctx, created.ID, domain.ReasonUserLogout); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := f.store.GetSession(ctx, "u1", created.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after invalidate, got %v", err)
	}
	if _, err := f.store.GetSession(ctx, "other-user", created.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign user lookup must be not found, got %v", err)
	}
}

func TestSessionStore_TouchSlidesExpiration(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	s, _ := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("d"))
	f.clock.Advance(10 * time.Minute)

	touched, err := f.store.Touch(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !touched.ExpiresAt.After(s.ExpiresAt) {
		t.Fatalf("expected expires_at to increase")
	}
	if !touched.ExpiresAt.Equal(touched.LastActivityAt.Add(12 * time.Hour)) {
		t.Fatalf("expected sliding window of role timeout")
	}

	f.clock.Advance(12*time.Hour - time.Minute)
	if _, err := f.store.GetSession(ctx, "u1", s.ID); err != nil {
		t.Fatalf("touched session should outlive its original expiry: %v", err)
	}
}

func TestSessionStore_TouchRejectsInvalidatedAndExpired(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	s, _ := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("d"))
	_ = f.store.Invalidate(ctx, s.ID, domain.ReasonUserLogout)
	if _, err := f.store.Touch(ctx, "u1", s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("touch after invalidate must fail, got %v", err)
	}
	if _, ok, _ := f.cache.Get(ctx, "u1", s.ID); ok {
		t.Fatalf("touch must not resurrect the cache entry")
	}

	expiring, _ := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("d"))
	f.clock.Advance(12*time.Hour + time.Second)
	if _, err := f.store.Touch(ctx, "u1", expiring.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("touch after expiry must fail, got %v", err)
	}
	row, _ := f.log.row(expiring.ID)
	if row.Status != domain.SessionInvalidated || row.InvalidationReason != domain.ReasonExpired {
		t.Fatalf("expected expired session marked in log, got %+v", row)
	}
}

func TestSessionStore_InvalidateIdempotent(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	s, _ := f.store.CreateSession(ctx, "u1", domain.RoleGuest, device("d"))
	if err := f.store.Invalidate(ctx, s.ID, domain.ReasonAdminRevoke); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	first, _ := f.log.row(s.ID)

	f.clock.Advance(time.Hour)
	if err := f.store.Invalidate(ctx, s.ID, domain.ReasonUserLogout); err != nil {
		t.Fatalf("second invalidate must not error: %v", err)
	}
	second, _ := f.log.row(s.ID)
	if second.InvalidationReason != domain.ReasonAdminRevoke || !second.InvalidatedAt.Equal(*first.InvalidatedAt) {
		t.Fatalf("expected state unchanged, got %+v", second)
	}

	if err := f.store.Invalidate(ctx, "missing", domain.ReasonUserLogout); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
	if err := f.store.Invalidate(ctx, s.ID, "bogus"); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected invalid reason error, got %v", err)
	}
}

func TestSessionStore_InvalidateAllExceptCurrent(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		s, _ := f.store.CreateSession(ctx, "u1", domain.RoleGuest, device("d"))
		ids = append(ids, s.ID)
		f.clock.Advance(time.Second)
	}
	other, _ := f.store.CreateSession(ctx, "u2", domain.RoleGuest, device("d"))

	n, err := f.store.InvalidateAll(ctx, "u1", ids[2], domain.ReasonUserLogout)
	if err != nil {
		t.Fatalf("invalidate all: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 invalidated, got %d", n)
	}
	active, _ := f.store.ListActive(ctx, "u1")
	if len(active) != 1 || active[0].ID != ids[2] {
		t.Fatalf("expected only current session left, got %+v", active)
	}
	if _, err := f.store.GetSession(ctx, "u2", other.ID); err != nil {
		t.Fatalf("other users must be untouched: %v", err)
	}
}

func TestSessionStore_ReconstructsFromLogOnCacheMiss(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	s, _ := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("d"))
	_ = f.cache.Delete(ctx, "u1", s.ID)

	got, err := f.store.GetSession(ctx, "u1", s.ID)
	if err != nil || got.ID != s.ID {
		t.Fatalf("expected reconstruction from log, got %+v %v", got, err)
	}
	if _, ok, _ := f.cache.Get(ctx, "u1", s.ID); !ok {
		t.Fatalf("expected cache entry reinstated")
	}

	_ = f.cache.Delete(ctx, "u1", s.ID)
	f.clock.Advance(13 * time.Hour)
	if _, err := f.store.GetSession(ctx, "u1", s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired reconstruction to fail, got %v", err)
	}
	row, _ := f.log.row(s.ID)
	if row.InvalidationReason != domain.ReasonExpired {
		t.Fatalf("expected log marked expired, got %+v", row)
	}
}

func TestSessionStore_ConcurrentCreatesNeverExceedCap(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("seed")); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("burst")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected create error: %v", err)
	}

	if got := f.log.activeCount("u1"); got != 3 {
		t.Fatalf("expected exactly 3 active sessions, got %d", got)
	}
	active, _ := f.store.ListActive(ctx, "u1")
	if len(active) != 3 {
		t.Fatalf("expected 3 active in store, got %d", len(active))
	}
}

func TestSessionStore_SweepReclaimsAndReconciles(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	abandoned, _ := f.store.CreateSession(ctx, "u1", domain.RoleStaff, device("a"))
	busy, _ := f.store.CreateSession(ctx, "u2", domain.RoleStaff, device("b"))
	extra, _ := f.store.CreateSession(ctx, "u3", domain.RoleStaff, device("c"))

	f.clock.Advance(10 * time.Hour)
	if _, err := f.store.Touch(ctx, "u2", busy.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	f.clock.Advance(3 * time.Hour)

	result, err := f.store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Reclaimed != 2 || result.Reconciled != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}

	for _, id := range []string{abandoned.ID, extra.ID} {
		row, _ := f.log.row(id)
		if row.Status != domain.SessionInvalidated || row.InvalidationReason != domain.ReasonExpired {
			t.Fatalf("expected %s reclaimed, got %+v", id, row)
		}
	}
	row, _ := f.log.row(busy.ID)
	if row.Status != domain.SessionActive || !row.ExpiresAt.After(f.clock.Now()) {
		t.Fatalf("expected busy session reconciled from cache, got %+v", row)
	}

	again, _ := f.store.SweepExpired(ctx)
	if again.Reclaimed != 0 || again.Reconciled != 0 {
		t.Fatalf("second sweep should be a no-op, got %+v", again)
	}
}

func TestSessionStore_DegradesToCacheOnlyAndReconciles(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()
	f.log.setFailing(true)

	s, err := f.store.CreateSession(ctx, "u1", domain.RoleGuest, device("d"))
	if err != nil {
		t.Fatalf("log failures must not surface: %v", err)
	}
	if f.store.PendingCount() != 1 {
		t.Fatalf("expected pending write, got %d", f.store.PendingCount())
	}
	if f.log.upserts != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", f.log.upserts)
	}

	active, _ := f.store.ListActive(ctx, "u1")
	if len(active) != 1 {
		t.Fatalf("cache-only session must still count, got %d", len(active))
	}
	_ = f.cache.Delete(ctx, "u1", s.ID)
	if _, err := f.store.GetSession(ctx, "u1", s.ID); err != nil {
		t.Fatalf("pending record should serve cache miss: %v", err)
	}

	f.log.setFailing(false)
	result, err := f.store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Flushed != 1 || f.store.PendingCount() != 0 {
		t.Fatalf("expected pending flushed, got %+v pending=%d", result, f.store.PendingCount())
	}
	if row, ok := f.log.row(s.ID); !ok || row.Status != domain.SessionActive {
		t.Fatalf("expected session in log after reconcile, got %+v", row)
	}
}

func TestSessionStore_DegradedInvalidationStaysTerminal(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()

	s, _ := f.store.CreateSession(ctx, "u1", domain.RoleGuest, device("d"))
	f.log.setFailing(true)
	if err := f.store.Invalidate(ctx, s.ID, domain.ReasonUserLogout); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := f.store.GetSession(ctx, "u1", s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("pending invalidation must hide the stale log row, got %v", err)
	}
	if active, _ := f.store.ListActive(ctx, "u1"); len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}

	f.log.setFailing(false)
	if _, err := f.store.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	row, _ := f.log.row(s.ID)
	if row.Status != domain.SessionInvalidated || row.InvalidationReason != domain.ReasonUserLogout {
		t.Fatalf("expected invalidation flushed, got %+v", row)
	}
}

func TestSessionStore_RejectsEmptyUser(t *testing.T) {
	f := newStoreFixture()
	if _, err := f.store.CreateSession(context.Background(), "  ", domain.RoleGuest, device("d")); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session error, got %v", err)
	}
}

// listHookLog corre afterList una vez, despues de leer las filas activas.
type listHookLog struct {
	*fakeSessionLog
	afterList func()
}

func (l *listHookLog) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	rows, err := l.fakeSessionLog.ListActiveByUser(ctx, userID)
	if hook := l.afterList; hook != nil {
		l.afterList = nil
		hook()
	}
	return rows, err
}

func TestSessionStore_EvictionSkipsSessionLoggedOutConcurrently(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	log := &listHookLog{fakeSessionLog: newFakeSessionLog()}
	var evicted []domain.Session
	store := NewSessionStore(SessionStoreConfig{
		Cache:         NewMemorySessionCache(clock.Now),
		Log:           log,
		Now:           clock.Now,
		RetryInterval: time.Millisecond,
		OnEvict:       func(s domain.Session) { evicted = append(evicted, s) },
	})

	first, err := store.CreateSession(ctx, "u2", domain.RoleAdmin, device("laptop"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Second)
	second, err := store.CreateSession(ctx, "u2", domain.RoleAdmin, device("phone"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(time.Second)

	// La sesion mas vieja se cierra por logout entre el listado y el lock.
	log.afterList = func() {
		if err := store.Invalidate(ctx, first.ID, domain.ReasonUserLogout); err != nil {
			t.Errorf("logout: %v", err)
		}
	}
	third, err := store.CreateSession(ctx, "u2", domain.RoleAdmin, device("tablet"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if len(evicted) != 0 {
		t.Fatalf("no eviction notice expected for a session already logged out, got %d", len(evicted))
	}
	row, _ := log.row(first.ID)
	if row.Status != domain.SessionInvalidated || row.InvalidationReason != domain.ReasonUserLogout {
		t.Fatalf("logout reason must be kept, got %+v", row)
	}
	for _, id := range []string{second.ID, third.ID} {
		if _, err := store.GetSession(ctx, "u2", id); err != nil {
			t.Fatalf("session %s should stay active: %v", id, err)
		}
	}
}
