package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	// refreshPurgeInterval espacia las pasadas que borran jtis vencidos.
	refreshPurgeInterval = time.Minute
)

// RefreshTokenStore guarda el jti de cada refresh token emitido junto con la
// sesion a la que pertenece. Un jti se consume una sola vez.
type RefreshTokenStore interface {
	Store(ctx context.Context, jti, sessionID string, ttl time.Duration) error
	// Consume borra el jti y devuelve su sesion; ok=false si no existia.
	Consume(ctx context.Context, jti string) (sessionID string, ok bool, err error)
	Revoke(ctx context.Context, jti string) error
}

type refreshEntry struct {
	sessionID string
	expiresAt time.Time
}

type memoryRefreshTokenStore struct {
	mu        sync.Mutex
	now       func() time.Time
	items     map[string]refreshEntry
	lastPurge time.Time
}

func NewMemoryRefreshTokenStore(now func() time.Time) RefreshTokenStore {
	if now == nil {
		now = time.Now
	}
	return &memoryRefreshTokenStore{
		now:   now,
		items: make(map[string]refreshEntry),
	}
}

func (s *memoryRefreshTokenStore) Store(_ context.Context, jti, sessionID string, ttl time.Duration) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.purgeExpiredLocked(now)
	s.items[jti] = refreshEntry{sessionID: sessionID, expiresAt: now.Add(ttl)}
	return nil
}

// purgeExpiredLocked borra los jtis vencidos que nadie consumio, como los de
// sesiones desalojadas o vencidas. Requiere s.mu.
func (s *memoryRefreshTokenStore) purgeExpiredLocked(now time.Time) {
	if now.Sub(s.lastPurge) < refreshPurgeInterval {
		return
	}
	s.lastPurge = now
	for jti, entry := range s.items {
		if !now.Before(entry.expiresAt) {
			delete(s.items, jti)
		}
	}
}

func (s *memoryRefreshTokenStore) Consume(_ context.Context, jti string) (string, bool, error) {
	jti = strings.TrimSpace(jti)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[jti]
	if !ok {
		return "", false, nil
	}
	delete(s.items, jti)
	if !s.now().Before(entry.expiresAt) {
		return "", false, nil
	}
	return entry.sessionID, true, nil
}

func (s *memoryRefreshTokenStore) Revoke(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, strings.TrimSpace(jti))
	return nil
}

type redisKVClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisRefreshTokenStore struct {
	client  redisKVClient
	prefix  string
	timeout time.Duration
}

func NewRedisRefreshTokenStore(client *redis.Client) RefreshTokenStore {
	if client == nil {
		return nil
	}
	return &redisRefreshTokenStore{
		client:  client,
		prefix:  "auth:refresh:",
		timeout: 500 * time.Millisecond,
	}
}

func (s *redisRefreshTokenStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *redisRefreshTokenStore) Store(ctx context.Context, jti, sessionID string, ttl time.Duration) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, s.prefix+jti, sessionID, ttl).Err()
}

func (s *redisRefreshTokenStore) Consume(ctx context.Context, jti string) (string, bool, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return "", false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sessionID, err := s.client.GetDel(ctx, s.prefix+jti).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

func (s *redisRefreshTokenStore) Revoke(ctx context.Context, jti string) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Del(ctx, s.prefix+jti).Err()
}
