package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestCheckHealthServing(t *testing.T) {
	addr, _ := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)
	if err := CheckHealth(context.Background(), addr, 2*time.Second, nil); err != nil {
		t.Fatalf("check health: %v", err)
	}
}

func TestCheckHealthNotServing(t *testing.T) {
	addr, _ := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	start := time.Now()
	err := CheckHealth(context.Background(), addr, 200*time.Millisecond, nil)
	var checkErr *HealthCheckError
	if !errors.As(err, &checkErr) || checkErr.Stage != StageHealth {
		t.Fatalf("error = %v, want health stage error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("health check timeout not honored, took %v", elapsed)
	}
}

func TestCheckHealthInvalidTarget(t *testing.T) {
	err := CheckHealth(context.Background(), "dns://bad host/%%", 100*time.Millisecond, nil)
	var checkErr *HealthCheckError
	if !errors.As(err, &checkErr) {
		t.Fatalf("error = %v, want health check error", err)
	}
}

func TestHealthCheckErrorNilSafe(t *testing.T) {
	var err *HealthCheckError
	if err.Error() != "gRPC health check error" || err.Unwrap() != nil {
		t.Fatal("nil health check error should be safe")
	}
}
