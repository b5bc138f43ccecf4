package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// HealthCheckStage describes where a health check failed.
type HealthCheckStage string

const (
	// StageConnect indicates the client could not be created.
	StageConnect HealthCheckStage = "connect"
	// StageHealth indicates the health check never reported SERVING.
	StageHealth HealthCheckStage = "health"
)

// HealthCheckError wraps health check failures with the stage that failed.
type HealthCheckError struct {
	Stage HealthCheckStage
	Err   error
}

// Error implements the error interface.
func (e *HealthCheckError) Error() string {
	if e == nil {
		return "gRPC health check error"
	}
	return fmt.Sprintf("gRPC %s error: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *HealthCheckError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClientDialOptions returns the dial options used by in-cluster health checks.
func ClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// CheckHealth connects to addr and waits up to timeout for its health service to
// report SERVING.
func CheckHealth(ctx context.Context, addr string, timeout time.Duration, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := gogrpc.NewClient(addr, ClientDialOptions()...)
	if err != nil {
		return &HealthCheckError{Stage: StageConnect, Err: err}
	}
	defer conn.Close()
	if err := WaitForHealth(ctx, conn, "", logger); err != nil {
		return &HealthCheckError{Stage: StageHealth, Err: err}
	}
	return nil
}
