package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"session-lifecycle/internal/domain"
)

// SessionCache es la copia rapida y con TTL de las sesiones. Es la fuente de
// verdad de "esta sesion es valida ahora", pero puede perder entradas.
type SessionCache interface {
	Put(ctx context.Context, session domain.Session, ttl time.Duration) error
	// Replace escribe solo si la entrada existe; false si ya no estaba.
	Replace(ctx context.Context, session domain.Session, ttl time.Duration) (bool, error)
	Get(ctx context.Context, userID, sessionID string) (domain.Session, bool, error)
	Delete(ctx context.Context, userID, sessionID string) error
}

func sessionCacheKey(prefix, userID, sessionID string) string {
	return prefix + userID + ":" + sessionID
}

type memoryCacheEntry struct {
	session   domain.Session
	expiresAt time.Time
}

type memorySessionCache struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memoryCacheEntry
}

// NewMemorySessionCache crea un cache en memoria; se usa sin Redis y en tests.
func NewMemorySessionCache(now func() time.Time) SessionCache {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &memorySessionCache{
		now:   now,
		items: make(map[string]memoryCacheEntry),
	}
}

func (c *memorySessionCache) Put(_ context.Context, s domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[sessionCacheKey("", s.UserID, s.ID)] = memoryCacheEntry{session: s, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *memorySessionCache) Replace(_ context.Context, s domain.Session, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sessionCacheKey("", s.UserID, s.ID)
	if _, ok := c.liveLocked(key); !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(c.items, key)
		return true, nil
	}
	c.items[key] = memoryCacheEntry{session: s, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *memorySessionCache) Get(_ context.Context, userID, sessionID string) (domain.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveLocked(sessionCacheKey("", userID, sessionID))
	if !ok {
		return domain.Session{}, false, nil
	}
	return entry.session, true, nil
}

func (c *memorySessionCache) Delete(_ context.Context, userID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, sessionCacheKey("", userID, sessionID))
	return nil
}

func (c *memorySessionCache) liveLocked(key string) (memoryCacheEntry, bool) {
	entry, ok := c.items[key]
	if !ok {
		return memoryCacheEntry{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.items, key)
		return memoryCacheEntry{}, false
	}
	return entry, true
}

type redisSessionClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetXX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisSessionCache struct {
	client redisSessionClient
	prefix string
}

// NewRedisSessionCache guarda cada sesion como JSON en session:{user_id}:{session_id}.
func NewRedisSessionCache(client *redis.Client) SessionCache {
	if client == nil {
		return nil
	}
	return &redisSessionCache{
		client: client,
		prefix: "session:",
	}
}

func (c *redisSessionCache) Put(ctx context.Context, s domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return c.client.Set(ctx, sessionCacheKey(c.prefix, s.UserID, s.ID), payload, ttl).Err()
}

func (c *redisSessionCache) Replace(ctx context.Context, s domain.Session, ttl time.Duration) (bool, error) {
	key := sessionCacheKey(c.prefix, s.UserID, s.ID)
	if ttl <= 0 {
		n, err := c.client.Del(ctx, key).Result()
		return n > 0, err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	ok, err := c.client.SetXX(ctx, key, payload, ttl).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return ok, err
}

func (c *redisSessionCache) Get(ctx context.Context, userID, sessionID string) (domain.Session, bool, error) {
	raw, err := c.client.Get(ctx, sessionCacheKey(c.prefix, userID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return s, true, nil
}

func (c *redisSessionCache) Delete(ctx context.Context, userID, sessionID string) error {
	return c.client.Del(ctx, sessionCacheKey(c.prefix, userID, sessionID)).Err()
}
