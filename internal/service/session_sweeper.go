package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper ejecuta SweepExpired en intervalo fijo hasta que se cancela el contexto.
type Sweeper struct {
	store    *SessionStore
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(store *SessionStore, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run bloquea hasta que ctx se cancela. Nunca hay dos pasadas simultaneas.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("session sweeper started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.store.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}
