// Package identity parses identity command flags and launches the identity
// server.
package identity

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	entrypoint "github.com/louisbranch/gamekeep/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/gamekeep/internal/platform/grpc"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	server "github.com/louisbranch/gamekeep/internal/services/identity/app"
)

const healthcheckTimeout = 3 * time.Second

// Config holds identity command configuration.
type Config struct {
	Runtime server.RuntimeConfig
	// Healthcheck checks a running server instead of starting one.
	Healthcheck bool
	HealthAddr  string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg.Runtime); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Runtime.Port, "port", cfg.Runtime.Port, "The identity gRPC health server port")
	fs.StringVar(&cfg.Runtime.HTTPAddr, "http-addr", cfg.Runtime.HTTPAddr, "The identity HTTP server address")
	fs.StringVar(&cfg.Runtime.DBPath, "db-path", cfg.Runtime.DBPath, "The identity SQLite database path")
	fs.BoolVar(&cfg.Healthcheck, "healthcheck", false, "Check the gRPC health endpoint and exit")
	fs.StringVar(&cfg.HealthAddr, "health-addr", "", "Address checked by -healthcheck (default: 127.0.0.1:<port>)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Runtime.Port))
	}
	return cfg, nil
}

// Run starts the identity server, or checks one when cfg.Healthcheck is set.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(nil, cfg.Runtime.Logging, entrypoint.ServiceIdentity)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if cfg.Healthcheck {
		return platformgrpc.CheckHealth(ctx, cfg.HealthAddr, healthcheckTimeout, logger)
	}
	slog.SetDefault(logger)
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceIdentity, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return server.Run(ctx, cfg.Runtime, logger)
	})
}
