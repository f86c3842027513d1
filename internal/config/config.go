package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	LogDriverPostgres = "postgres"
	LogDriverSQLite   = "sqlite"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	AppEnv        string `env:"APP_ENV" envDefault:"production"`
	DatabaseURL   string `env:"DATABASE_URL"`
	LogDriver     string `env:"SESSION_LOG_DRIVER" envDefault:"postgres"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"./data/sessions.db"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	JWTSecret     string        `env:"JWT_SECRET,required"`
	JWTAccessTTL  time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	JWTRefreshTTL time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`

	SweepInterval   time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"5m"`
	SweepBatch      int           `env:"SESSION_SWEEP_BATCH" envDefault:"500"`
	LogWriteRetries uint64        `env:"SESSION_LOG_MAX_RETRIES" envDefault:"3"`

	RefreshRateLimitRPS   float64  `env:"REFRESH_RATE_LIMIT_RPS" envDefault:"5"`
	RefreshRateLimitBurst int      `env:"REFRESH_RATE_LIMIT_BURST" envDefault:"10"`
	CORSAllowedOrigins    []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	MetricsEnabled        bool     `env:"METRICS_ENABLED" envDefault:"true"`

	LoginMaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginWindow      time.Duration `env:"LOGIN_ATTEMPT_WINDOW" envDefault:"15m"`

	// Avisos de sesion por correo: Resend si hay API key, si no SMTP.
	MailFrom     string `env:"MAIL_FROM"`
	MailFromName string `env:"MAIL_FROM_NAME" envDefault:"Sessions"`
	ResendAPIKey string `env:"RESEND_API_KEY"`
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPass     string `env:"SMTP_PASS"`
	SMTPUseTLS   bool   `env:"SMTP_USE_TLS" envDefault:"false"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate revisa combinaciones que los tags de env no pueden expresar.
func (c *Config) Validate() error {
	c.LogDriver = strings.ToLower(strings.TrimSpace(c.LogDriver))
	switch c.LogDriver {
	case LogDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required when SESSION_LOG_DRIVER=postgres")
		}
	case LogDriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("SQLITE_PATH is required when SESSION_LOG_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unknown SESSION_LOG_DRIVER %q", c.LogDriver)
	}
	if c.SweepInterval <= 0 {
		return errors.New("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
	return nil
}

// IsDevelopment habilita el logger de desarrollo.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// ClientConfig configura el cliente que mantiene vivo el access token.
type ClientConfig struct {
	BaseURL           string        `env:"AUTH_API_BASE_URL" envDefault:"http://localhost:8080"`
	RefreshThreshold  time.Duration `env:"AUTH_REFRESH_THRESHOLD" envDefault:"5m"`
	RefreshTimeout    time.Duration `env:"AUTH_REFRESH_TIMEOUT" envDefault:"10s"`
	RefreshMaxRetries uint64        `env:"AUTH_REFRESH_MAX_RETRIES" envDefault:"3"`
	RequestTimeout    time.Duration `env:"AUTH_REQUEST_TIMEOUT" envDefault:"30s"`
}

// LoadClientConfig carga la configuración del cliente desde variables de entorno.
func LoadClientConfig() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DirectoryConfig es el subconjunto que usan las herramientas operativas
// (cmd/useradd): no requiere secretos de JWT.
type DirectoryConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
	LogDriver   string `env:"SESSION_LOG_DRIVER" envDefault:"postgres"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./data/sessions.db"`
}

func LoadDirectoryConfig() (*DirectoryConfig, error) {
	var cfg DirectoryConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	cfg.LogDriver = strings.ToLower(strings.TrimSpace(cfg.LogDriver))
	if cfg.LogDriver != LogDriverPostgres && cfg.LogDriver != LogDriverSQLite {
		return nil, fmt.Errorf("unknown SESSION_LOG_DRIVER %q", cfg.LogDriver)
	}
	if cfg.LogDriver == LogDriverPostgres && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required when SESSION_LOG_DRIVER=postgres")
	}
	return &cfg, nil
}
