// Package jwksrefresh parses jwks-refresh command flags and runs the key set
// refresh job.
package jwksrefresh

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	entrypoint "github.com/louisbranch/gamekeep/internal/platform/cmd"
	"github.com/louisbranch/gamekeep/internal/services/identity/keyset"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage/sqlite"
)

// Config holds jwks-refresh command configuration.
type Config struct {
	URI        string `env:"GAMEKEEP_JWKS_URI"`
	SecretName string `env:"GAMEKEEP_JWKS_SECRET_NAME" envDefault:"gamekeep_jwks"`
	DBPath     string `env:"GAMEKEEP_IDENTITY_DB_PATH" envDefault:"data/identity.db"`
	// Interval repeats the refresh until the context ends. Zero refreshes once.
	Interval time.Duration `env:"GAMEKEEP_JWKS_REFRESH_INTERVAL"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.URI, "uri", cfg.URI, "The key set document URI")
	fs.StringVar(&cfg.SecretName, "secret-name", cfg.SecretName, "The secret holding the key set generations")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The identity SQLite database path")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Refresh interval; zero refreshes once")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.URI == "" {
		return Config{}, errors.New("key set uri is required")
	}
	return cfg, nil
}

// Run refreshes the stored key set once or on every interval.
func Run(ctx context.Context, cfg Config) error {
	logger, _, err := entrypoint.NewLogger(entrypoint.ServiceJWKSRefresh)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceJWKSRefresh, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return refresh(ctx, cfg, logger)
	})
}

func refresh(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open identity sqlite store: %w", err)
	}
	defer store.Close()

	refresher, err := keyset.NewRefresher(nil, cfg.URI, store, cfg.SecretName, logger)
	if err != nil {
		return err
	}
	if cfg.Interval <= 0 {
		_, err := refresher.Refresh(ctx)
		return err
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := refresher.Refresh(ctx); err != nil {
			logger.ErrorContext(ctx, "key set refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
