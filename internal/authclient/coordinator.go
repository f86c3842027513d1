// Package authclient mantiene vivo el access token de un cliente HTTP.
//
// Un Coordinator es el unico duenio del par de tokens: decide cuando
// renovar, colapsa renovaciones concurrentes en una sola llamada y libera
// en orden FIFO los requests que esperaban.
package authclient

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	// ErrRefreshRejected es fatal para la sesion del cliente: dispara logout.
	ErrRefreshRejected = errors.New("refresh rejected")
	// ErrRefreshTransport se reintenta; agotados los reintentos se trata como rechazo.
	ErrRefreshTransport = errors.New("refresh transport failure")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Tokens es el par emitido por el servidor y el vencimiento local del access token.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher hace la llamada de red de renovacion.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

type Options struct {
	// Threshold es el tiempo restante por debajo del cual se renueva antes de enviar.
	Threshold     time.Duration
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

type result struct {
	token string
	err   error
}

type waiter struct {
	seq  uint64
	ch   chan result
	elem *list.Element
}

// Coordinator serializa la renovacion de tokens de una sesion de cliente.
// Estados: idle o refreshing, mas una cola FIFO de espera.
type Coordinator struct {
	refresher Refresher
	threshold time.Duration
	timeout   time.Duration
	retries   uint64
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	tokens      Tokens
	hasTokens   bool
	refreshing  bool
	generation  uint64
	seq         uint64
	waiters     *list.List
	loggedOut   chan struct{}
	logoutFired bool

	// onRelease observa el orden de liberacion en tests.
	onRelease func(seq uint64)
}

func NewCoordinator(refresher Refresher, opts Options) *Coordinator {
	if opts.Threshold <= 0 {
		opts.Threshold = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		refresher: refresher,
		threshold: opts.Threshold,
		timeout:   opts.Timeout,
		retries:   opts.MaxRetries,
		interval:  opts.RetryInterval,
		now:       opts.Now,
		logger:    opts.Logger,
		waiters:   list.New(),
		loggedOut: make(chan struct{}),
	}
}

// SetTokens instala un par nuevo (login). Los requests en espera reciben el
// access token nuevo.
func (c *Coordinator) SetTokens(t Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.tokens = t
	c.hasTokens = true
	c.refreshing = false
	if c.logoutFired {
		c.loggedOut = make(chan struct{})
		c.logoutFired = false
	}
	c.releaseLocked(result{token: t.AccessToken})
}

// Clear borra los tokens locales sin emitir la senial de logout.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.tokens = Tokens{}
	c.hasTokens = false
	c.refreshing = false
	c.releaseLocked(result{err: ErrNotAuthenticated})
}

// LoggedOut se cierra una sola vez cuando la renovacion falla de forma definitiva.
func (c *Coordinator) LoggedOut() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// AccessToken devuelve un token apto para enviar. Si queda menos que el
// umbral, o ya hay una renovacion en curso, espera a que termine.
func (c *Coordinator) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if !c.hasTokens {
		c.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if !c.refreshing && c.tokens.ExpiresAt.Sub(c.now()) > c.threshold {
		token := c.tokens.AccessToken
		c.mu.Unlock()
		return token, nil
	}
	return c.awaitLocked(ctx)
}

// ForceRefresh es el camino reactivo: el servidor rechazo staleToken por
// vencido. Si otro request ya lo renovo, devuelve el token vigente sin
// volver a llamar al servidor.
func (c *Coordinator) ForceRefresh(ctx context.Context, staleToken string) (string, error) {
	c.mu.Lock()
	if !c.hasTokens {
		c.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if !c.refreshing && c.tokens.AccessToken != staleToken {
		token := c.tokens.AccessToken
		c.mu.Unlock()
		return token, nil
	}
	return c.awaitLocked(ctx)
}

func (c *Coordinator) refreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.RefreshToken
}

// awaitLocked encola al caller y arranca la renovacion si nadie lo hizo.
// Entra con c.mu tomado y lo libera.
func (c *Coordinator) awaitLocked(ctx context.Context) (string, error) {
	c.seq++
	w := &waiter{seq: c.seq, ch: make(chan result, 1)}
	w.elem = c.waiters.PushBack(w)
	if !c.refreshing {
		c.refreshing = true
		go c.run(c.generation, c.tokens.RefreshToken)
	}
	c.mu.Unlock()

	select {
	case r := <-w.ch:
		return r.token, r.err
	case <-ctx.Done():
		c.mu.Lock()
		if w.elem != nil {
			c.waiters.Remove(w.elem)
			w.elem = nil
		}
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// run hace la renovacion desacoplada del contexto de cualquier caller.
func (c *Coordinator) run(generation uint64, refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	tokens, err := c.refreshWithRetry(ctx, refreshToken)

	c.mu.Lock()
	if generation != c.generation {
		// SetTokens o Clear ya resolvieron la cola.
		c.mu.Unlock()
		return
	}
	c.refreshing = false
	if err == nil {
		c.tokens = tokens
		c.releaseLocked(result{token: tokens.AccessToken})
		c.mu.Unlock()
		c.logger.Debug("access token refreshed")
		return
	}

	c.tokens = Tokens{}
	c.hasTokens = false
	c.releaseLocked(result{err: err})
	var logout chan struct{}
	if !c.logoutFired {
		c.logoutFired = true
		logout = c.loggedOut
	}
	c.mu.Unlock()

	c.logger.Warn("token refresh failed, logging out", zap.Error(err))
	if logout != nil {
		close(logout)
	}
}

// releaseLocked resuelve la cola en el orden en que se encolo.
func (c *Coordinator) releaseLocked(r result) {
	for e := c.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.elem = nil
		if c.onRelease != nil {
			c.onRelease(w.seq)
		}
		w.ch <- r
	}
	c.waiters.Init()
}

func (c *Coordinator) refreshWithRetry(ctx context.Context, refreshToken string) (Tokens, error) {
	if refreshToken == "" {
		return Tokens{}, ErrRefreshRejected
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval
	policy.Reset()

	var tokens Tokens
	op := func() error {
		t, err := c.refresher.Refresh(ctx, refreshToken)
		if errors.Is(err, ErrRefreshRejected) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		tokens = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("token refresh failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx), notify)
	switch {
	case err == nil:
		return tokens, nil
	case errors.Is(err, ErrRefreshRejected):
		return Tokens{}, err
	case errors.Is(err, ErrRefreshTransport):
		return Tokens{}, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	default:
		return Tokens{}, fmt.Errorf("%w: %w: %v", ErrRefreshRejected, ErrRefreshTransport, err)
	}
}

func (c *Coordinator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}
