package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-lifecycle/internal/config"
	"session-lifecycle/internal/db"
	"session-lifecycle/internal/db/migrate"
	"session-lifecycle/internal/email"
	apihttp "session-lifecycle/internal/http"
	"session-lifecycle/internal/metrics"
	"session-lifecycle/internal/repository"
	"session-lifecycle/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	health := make(map[string]apihttp.HealthCheck)

	var (
		sessionLog repository.SessionLog
		users      repository.UserRepository
	)
	switch cfg.LogDriver {
	case config.LogDriverPostgres:
		if cfg.AutoMigrate {
			if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
				logger.Fatal("migrate", zap.Error(err))
			}
		}
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		sessionLog = repository.NewPgSessionLog(pool)
		users = repository.NewPgUserRepository(pool)
		health["postgres"] = pool.Ping
	case config.LogDriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal("sqlite open", zap.Error(err))
		}
		defer conn.Close()
		if sessionLog, err = repository.NewSQLiteSessionLog(ctx, conn); err != nil {
			logger.Fatal("sqlite session log", zap.Error(err))
		}
		if users, err = repository.NewSQLiteUserRepository(ctx, conn); err != nil {
			logger.Fatal("sqlite user directory", zap.Error(err))
		}
		health["sqlite"] = conn.PingContext
	}

	cache := service.NewMemorySessionCache(nil)
	refreshStore := service.NewMemoryRefreshTokenStore(nil)
	loginLimiter := service.NewMemoryLoginRateLimiter(cfg.LoginWindow, cfg.LoginMaxAttempts, nil)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		}
		cancel()
		cache = service.NewRedisSessionCache(redisClient)
		refreshStore = service.NewRedisRefreshTokenStore(redisClient)
		loginLimiter = service.NewRedisLoginRateLimiter(redisClient, cfg.LoginWindow, cfg.LoginMaxAttempts)
		health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn("redis not configured, using in-process session cache")
	}

	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled {
		reg := metrics.NewRegistry()
		m = metrics.New(reg)
		metricsHandler = metrics.Handler(reg)
	}

	notifier := service.NewSessionNotifier(users, newMailSender(cfg, logger), logger)
	defer notifier.Wait()

	store := service.NewSessionStore(service.SessionStoreConfig{
		Cache:      cache,
		Log:        sessionLog,
		Policies:   service.NewPolicyTable(service.DefaultPolicies),
		Logger:     logger,
		Metrics:    m,
		MaxRetries: cfg.LogWriteRetries,
		SweepBatch: cfg.SweepBatch,
		OnEvict:    notifier.SessionEvicted,
	})
	jwtSvc := service.NewJWTServiceWithStore(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL, refreshStore)
	authSvc := service.NewAuthService(service.NewPasswordAuthenticator(users), store, jwtSvc, logger, m).
		WithLoginLimiter(loginLimiter).
		WithNotifier(notifier)
	sessionSvc := service.NewSessionService(store, logger)

	router := apihttp.NewRouter(apihttp.RouterDeps{
		Logger:         logger,
		Auth:           apihttp.NewAuthHandler(logger, authSvc),
		Sessions:       apihttp.NewSessionHandler(logger, sessionSvc),
		Health:         apihttp.NewHealthHandler(logger, health),
		Authenticator:  authSvc,
		RefreshLimiter: apihttp.NewIPRateLimiter(cfg.RefreshRateLimitRPS, cfg.RefreshRateLimitBurst),
		Metrics:        metricsHandler,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           apihttp.WithCORS(router, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.NewSweeper(store, cfg.SweepInterval, logger).Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting server",
			zap.String("port", cfg.HTTPPort),
			zap.String("log_driver", cfg.LogDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
	if n := store.PendingCount(); n > 0 {
		logger.Warn("exiting with unflushed session log writes", zap.Int("pending", n))
	}
}

func newMailSender(cfg *config.Config, logger *zap.Logger) email.Sender {
	switch {
	case cfg.ResendAPIKey != "":
		sender, err := email.NewResendSender(cfg.ResendAPIKey, cfg.MailFrom, cfg.MailFromName)
		if err == nil {
			return sender
		}
		logger.Warn("resend sender init failed", zap.Error(err))
	case cfg.SMTPHost != "":
		sender, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom, cfg.MailFromName, cfg.SMTPUseTLS)
		if err == nil {
			return sender
		}
		logger.Warn("smtp sender init failed", zap.Error(err))
	}
	return email.NewDisabledSender("email sender not configured")
}
