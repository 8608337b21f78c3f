// Package app assembles the federation service: storage, signing, inbox
// processing, delivery, the HTTP surface, and the expiry sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/convene-space/convene/internal/platform/httpx"
	"github.com/convene-space/convene/internal/platform/timeouts"
	"github.com/convene-space/convene/internal/services/federation/api/httpapi"
	"github.com/convene-space/convene/internal/services/federation/delivery"
	"github.com/convene-space/convene/internal/services/federation/domain"
	"github.com/convene-space/convene/internal/services/federation/expiry"
	"github.com/convene-space/convene/internal/services/federation/httpsig"
	"github.com/convene-space/convene/internal/services/federation/keys"
	"github.com/convene-space/convene/internal/services/federation/publish"
	federationsqlite "github.com/convene-space/convene/internal/services/federation/storage/sqlite"
)

// Config controls federation server startup.
type Config struct {
	// HTTPAddr is the listen address for the federation HTTP surface.
	HTTPAddr string
	// HealthAddr is the listen address for the gRPC health endpoint.
	// Empty disables it.
	HealthAddr string
	// DBPath locates the sqlite database file.
	DBPath string
	// BaseURL is the public base URL actor and activity ids are minted
	// under.
	BaseURL string
	// AdminSecret signs admin bearer tokens. Empty disables the admin
	// endpoints.
	AdminSecret string
	// SweepSchedule is the cron schedule for the actor expiry sweep.
	// Empty uses the hourly default.
	SweepSchedule string
	// HumanPage serves actor URLs to browser clients. Nil falls back to
	// a plain 404.
	HumanPage http.Handler
}

const defaultDBPath = "data/federation.db"

// Server hosts the federation service lifecycle.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	healthAddr string
	store      *federationsqlite.Store
	publisher  *publish.Publisher
	sweeper    *expiry.Sweeper
}

// New builds a federation server from config. The HTTP listener is opened
// eagerly so Addr is usable before Serve runs.
func New(cfg Config) (*Server, error) {
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	site, err := domain.NewSite(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("configure site: %w", err)
	}

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := federationsqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open federation sqlite store: %w", err)
	}

	keyStore := keys.NewKeyStore(store)
	builder := domain.NewBuilder(site, nil, nil)
	broadcaster := delivery.New(keyStore, store)
	processor := domain.NewProcessor(store, store, builder, broadcaster, nil)

	handler, err := httpapi.New(httpapi.Config{
		Site:        site,
		Store:       store,
		Verifier:    httpsig.NewVerifier(httpsig.NewRestyFetcher()),
		Processor:   processor,
		HumanPage:   cfg.HumanPage,
		AdminSecret: cfg.AdminSecret,
	})
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("compose federation handler: %w", err)
	}

	publisher := publish.New(site, store, builder, broadcaster, nil)
	sweeper := expiry.New(store, publisher, cfg.SweepSchedule, nil)

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	root := httpx.Chain(handler.Mux(),
		httpx.RecoverPanic(),
		httpx.RequestID(),
		httpx.RequestLogger(nil),
	)
	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           root,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		healthAddr: strings.TrimSpace(cfg.HealthAddr),
		store:      store,
		publisher:  publisher,
		sweeper:    sweeper,
	}, nil
}

// Addr returns the bound HTTP listen address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Publisher exposes the actor lifecycle operations the hosting service
// calls when events and groups change.
func (s *Server) Publisher() *publish.Publisher {
	if s == nil {
		return nil
	}
	return s.publisher
}

// Serve runs the server until ctx is canceled. It owns the expiry sweeper
// and the optional gRPC health endpoint for the duration.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return errors.New("federation server is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer closeStore(s.store)

	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start expiry sweeper: %w", err)
	}
	defer s.sweeper.Stop()

	stopHealth, err := s.serveHealth()
	if err != nil {
		return err
	}
	defer stopHealth()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()
	log.Printf("federation server listening at %v", s.listener.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		<-serveErr
		if err != nil {
			return fmt.Errorf("shutdown federation http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve federation http: %w", err)
	}
}

// serveHealth starts the gRPC health endpoint when configured. The returned
// stop function is safe to call regardless.
func (s *Server) serveHealth() (func(), error) {
	if s.healthAddr == "" {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", s.healthAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on health port %s: %w", s.healthAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("federation", grpc_health_v1.HealthCheckResponse_SERVING)

	healthErr := make(chan error, 1)
	go func() {
		healthErr <- grpcServer.Serve(listener)
	}()
	return func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-healthErr
	}, nil
}

func closeStore(store *federationsqlite.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("close federation sqlite store: %v", err)
	}
}
