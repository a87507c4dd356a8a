package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/accounts/grants"
	"github.com/ewalde/accountd/internal/accounts/lifecycle"
	"github.com/ewalde/accountd/internal/accounts/service"
	"github.com/ewalde/accountd/internal/accounts/storage"
	"github.com/ewalde/accountd/internal/accounts/storage/sqlite"
)

// Options configures the daemon.
type Options struct {
	// Port is the control-plane gRPC port.
	Port int
	// DataDir holds one subdirectory per user's database pair.
	DataDir string
	// Registry resolves account types to their authenticators. Required.
	Registry *authenticator.Registry
	// Permissions answers the legacy whole-type access check. Nil denies.
	Permissions grants.PermissionOracle
	// Notifier observes account set changes. Nil logs.
	Notifier service.Notifier
	// Notifications cancels surfaced notifications. Nil discards.
	Notifications service.NotificationSink
	// SessionTimeout bounds authenticator responses. Zero uses the default.
	SessionTimeout time.Duration
}

// Server hosts the account engine and its control-plane gRPC surface.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	manager    *service.Manager
	events     *lifecycle.Coordinator
	dataDir    string
}

// New creates a configured daemon listening on the provided port.
func New(opts Options) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", opts.Port, err)
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = filepath.Join("data", "accounts")
	}
	manager, err := service.NewManager(service.Config{
		OpenStore: func(userID int) (storage.Store, error) {
			dir := filepath.Join(dataDir, fmt.Sprintf("user_%d", userID))
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create user storage dir: %w", err)
			}
			return sqlite.Open(dir)
		},
		Registry:       opts.Registry,
		Permissions:    opts.Permissions,
		Notifier:       opts.Notifier,
		Notifications:  opts.Notifications,
		SessionTimeout: opts.SessionTimeout,
	})
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		manager:    manager,
		events:     lifecycle.NewCoordinator(manager),
		dataDir:    dataDir,
	}, nil
}

// Addr returns the listener address for the daemon.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Manager exposes the account engine to in-process callers.
func (s *Server) Manager() *service.Manager {
	return s.manager
}

// Events exposes the lifecycle event queue.
func (s *Server) Events() *lifecycle.Coordinator {
	return s.events
}

// Run creates and serves a daemon until the context ends.
func Run(ctx context.Context, opts Options) error {
	srv, err := New(opts)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts the daemon and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log.Printf("accountd listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	shutdown := func() {
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()

		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.events.Close(drainCtx); err != nil {
			log.Printf("drain lifecycle events: %v", err)
		}
		if err := s.manager.Close(); err != nil {
			log.Printf("close stores: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		return handleErr(<-serveErr)
	case err := <-serveErr:
		shutdown()
		return handleErr(err)
	}
}
