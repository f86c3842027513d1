package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"session-lifecycle/internal/domain"
	"session-lifecycle/internal/email"
)

type sentNotice struct {
	to     string
	notice email.SessionNotice
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (s *recordingSender) SendSessionNotice(_ context.Context, to string, n email.SessionNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentNotice{to: to, notice: n})
	return nil
}

func (s *recordingSender) byKind(kind email.NoticeKind) []sentNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentNotice
	for _, n := range s.sent {
		if n.notice.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestSessionNotifier_SignInAndEvictionNotices(t *testing.T) {
	clock := newFakeClock()
	users := newMockUserRepo(t, domain.User{ID: "u2", Email: "admin@example.com", Role: domain.RoleAdmin})
	sender := &recordingSender{}
	notifier := NewSessionNotifier(users, sender, nil)

	store := NewSessionStore(SessionStoreConfig{
		Cache:         NewMemorySessionCache(clock.Now),
		Log:           newFakeSessionLog(),
		Now:           clock.Now,
		RetryInterval: time.Millisecond,
		OnEvict:       notifier.SessionEvicted,
	})
	jwtSvc := NewJWTServiceWithStore("secret", 15*time.Minute, time.Hour, NewMemoryRefreshTokenStore(clock.Now)).WithClock(clock.Now)
	auth := NewAuthService(NewPasswordAuthenticator(users), store, jwtSvc, nil, nil).WithNotifier(notifier)

	var sessions []string
	for i := 0; i < 3; i++ {
		res := login(t, auth, "admin@example.com")
		sessions = append(sessions, res.Session.ID)
		clock.Advance(time.Minute)
	}
	notifier.Wait()

	signIns := sender.byKind(email.NoticeNewSignIn)
	if len(signIns) != 3 {
		t.Fatalf("expected 3 sign-in notices, got %d", len(signIns))
	}
	got := []string{signIns[0].notice.SessionID, signIns[1].notice.SessionID, signIns[2].notice.SessionID}
	want := append([]string(nil), sessions...)
	sort.Strings(got)
	sort.Strings(want)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sign-in notices %v do not match sessions %v", got, want)
		}
	}

	evictions := sender.byKind(email.NoticeSessionEvicted)
	if len(evictions) != 1 {
		t.Fatalf("expected 1 eviction notice for admin cap 2, got %d", len(evictions))
	}
	if evictions[0].to != "admin@example.com" || evictions[0].notice.SessionID != sessions[0] {
		t.Fatalf("unexpected eviction notice: %+v", evictions[0])
	}
	if !evictions[0].notice.At.Equal(clock.Now().Add(-time.Minute)) {
		t.Fatalf("eviction notice must carry the eviction time, got %v", evictions[0].notice.At)
	}
}

func TestSessionNotifier_FailuresDoNotBreakLogin(t *testing.T) {
	clock := newFakeClock()
	users := newMockUserRepo(t, domain.User{ID: "u1", Email: "guest@example.com", Role: domain.RoleGuest})
	notifier := NewSessionNotifier(users, &recordingSender{err: errors.New("smtp down")}, nil)
	store := NewSessionStore(SessionStoreConfig{
		Cache: NewMemorySessionCache(clock.Now),
		Log:   newFakeSessionLog(),
		Now:   clock.Now,
	})
	jwtSvc := NewJWTService("secret", 15*time.Minute, time.Hour).WithClock(clock.Now)
	auth := NewAuthService(NewPasswordAuthenticator(users), store, jwtSvc, nil, nil).WithNotifier(notifier)

	res := login(t, auth, "guest@example.com")
	notifier.Wait()
	if res.Session.ID == "" {
		t.Fatalf("expected session despite notice failure")
	}

	// Usuario borrado del directorio: el aviso se omite.
	notifier.SessionEvicted(domain.Session{ID: "s-x", UserID: "gone"})
	notifier.Wait()
}

func TestSessionNotifier_NilIsNoop(t *testing.T) {
	var n *SessionNotifier
	n.NewSignIn(domain.User{}, domain.Session{})
	n.SessionEvicted(domain.Session{})
	n.Wait()
}
