package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type RealtimeConfig struct {
	// PresenceTTL is how long a Redis presence entry lives without a
	// heartbeat.
	PresenceTTL      time.Duration `env:"PRESENCE_TTL, default=30s"`
	EditorLeaseTTL   time.Duration `env:"EDITOR_LEASE_TTL, default=30s"`
	CursorInterval   time.Duration `env:"CURSOR_INTERVAL, default=50ms"`
	EditHistoryLimit int           `env:"EDIT_HISTORY_LIMIT, default=200"`
	Prefix           string        `env:"PREFIX, default=secondbrain:"`
}

type HistoryConfig struct {
	ChatLimit int           `env:"CHAT_LIMIT, default=100"`
	EditLimit int           `env:"EDIT_LIMIT, default=100"`
	TTL       time.Duration `env:"TTL, default=720h"`
}

type Config struct {
	Addr              string `env:"API_ADDR, default=:8787"`
	DatabaseURL       string `env:"DATABASE_URL"`
	DBConnectAttempts uint   `env:"DATABASE_CONNECT_ATTEMPTS, default=10"`

	// RedisURL empty runs a single-process hub with in-memory history.
	RedisURL      string `env:"REDIS_URL"`
	JWTSecret     string `env:"SECONDBRAIN_JWT_SECRET, default=secondbrain-dev-secret"`
	MigrationsDir string `env:"SECONDBRAIN_MIGRATIONS_DIR, default=./db/migrations"`
	CORSOrigin    string `env:"SECONDBRAIN_CORS_ORIGIN, default=*"`
	LogLevel      string `env:"LOG_LEVEL, default=info"`

	Realtime RealtimeConfig `env:",prefix=REALTIME_"`
	History  HistoryConfig  `env:",prefix=HISTORY_"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Realtime.EditorLeaseTTL < 0 {
		errs = append(errs, errors.New("REALTIME_EDITOR_LEASE_TTL must not be negative"))
	}
	if c.Realtime.PresenceTTL <= 0 {
		errs = append(errs, errors.New("REALTIME_PRESENCE_TTL must be positive"))
	}
	if c.Realtime.EditHistoryLimit <= 0 {
		errs = append(errs, errors.New("REALTIME_EDIT_HISTORY_LIMIT must be positive"))
	}
	if c.History.ChatLimit <= 0 || c.History.EditLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_CHAT_LIMIT and HISTORY_EDIT_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}
