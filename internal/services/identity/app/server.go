package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/gamekeep/internal/platform/grpc"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/platform/timeouts"
	"github.com/louisbranch/gamekeep/internal/services/identity/account"
	"github.com/louisbranch/gamekeep/internal/services/identity/authorizer"
	"github.com/louisbranch/gamekeep/internal/services/identity/continuation"
	"github.com/louisbranch/gamekeep/internal/services/identity/envelope"
	"github.com/louisbranch/gamekeep/internal/services/identity/handoff"
	"github.com/louisbranch/gamekeep/internal/services/identity/keyset"
	"github.com/louisbranch/gamekeep/internal/services/identity/kms"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage/sqlite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// HealthService is the gRPC health service name of the identity server.
const HealthService = "gamekeep.identity.v1.Identity"

// Server hosts the identity HTTP API and its gRPC health endpoint.
type Server struct {
	listener        net.Listener
	grpcServer      *grpc.Server
	health          *health.Server
	httpListener    net.Listener
	httpServer      *http.Server
	store           *sqlite.Store
	handoff         *handoff.Server
	cleanupInterval time.Duration
	logger          *slog.Logger
}

// New opens the identity store, wires every component, and binds both
// listeners.
func New(cfg RuntimeConfig, logger *slog.Logger) (*Server, error) {
	logger = logging.OrDiscard(logger)
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	handler, handoffServer, err := newHandler(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}

	grpcServer, healthServer := platformgrpc.NewHealthServer(HealthService)
	return &Server{
		listener:     listener,
		grpcServer:   grpcServer,
		health:       healthServer,
		httpListener: httpListener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		store:           store,
		handoff:         handoffServer,
		cleanupInterval: cfg.CleanupInterval,
		logger:          logger,
	}, nil
}

// newHandler builds the identity routes over store.
func newHandler(cfg RuntimeConfig, store *sqlite.Store, logger *slog.Logger) (http.Handler, *handoff.Server, error) {
	keys, err := kms.ParseKeys(cfg.KMSKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("load kms keys: %w", err)
	}
	crypto, err := envelope.NewAdapter(keys)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := keyset.NewVerifier(store, store, keyset.Config{
		SecretName:        cfg.KeySet.SecretName,
		IdentifierClaim:   cfg.KeySet.IdentifierClaim,
		FederatedProvider: cfg.KeySet.FederatedProvider,
		VerifyExpiration:  cfg.KeySet.VerifyExpiration,
		CacheTTL:          cfg.KeySet.CacheTTL,
	}, keyset.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("create key set verifier: %w", err)
	}
	authz, err := authorizer.New(verifier, cfg.Authorizer, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create authorizer: %w", err)
	}
	handoffServer, err := handoff.NewServer(cfg.Handoff, store, store.Bucket(cfg.Bucket), crypto,
		handoff.NewOAuthProvider(cfg.Handoff, nil), handoff.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("create handoff server: %w", err)
	}
	accounts, err := account.NewService(store, continuation.NewSigner(), account.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	authz.RegisterRoutes(mux)
	handoffServer.RegisterRoutes(mux)
	accounts.RegisterRoutes(mux, authz.Middleware)
	accounts.RegisterHooks(mux, cfg.HookToken)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	var handler http.Handler = mux
	if !cfg.Logging.DetailedLoggingDisabled {
		handler = accessLog(handler, handoffServer.SourceIP, logger)
	}
	return handler, handoffServer, nil
}

// Addr returns the gRPC health listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Run creates and serves an identity server until the context ends.
func Run(ctx context.Context, cfg RuntimeConfig, logger *slog.Logger) error {
	server, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts both listeners and blocks until one stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.handoff.StartCleanup(serverCtx, s.cleanupInterval)

	s.logger.Info("identity health server listening", "addr", s.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()
	s.logger.Info("identity HTTP server listening", "addr", s.HTTPAddr())
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
	shutdownGRPC := func() {
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
	shutdownHTTP := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown identity HTTP server", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		shutdownGRPC()
		shutdownHTTP()
		return handleErr(<-serveErr)
	case err := <-serveErr:
		shutdownHTTP()
		return handleErr(err)
	case err := <-httpErr:
		shutdownGRPC()
		if handled := handleErr(<-serveErr); handled != nil {
			return handled
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func openStore(path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "identity.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("close identity store", "error", err)
	}
}
