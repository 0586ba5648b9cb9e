package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"

	grpcapi "realtime-stt-service/internal/api/grpc"
	"realtime-stt-service/internal/config"
	"realtime-stt-service/internal/observability"
	"realtime-stt-service/internal/observability/logging"
	"realtime-stt-service/internal/observability/metrics"
	"realtime-stt-service/internal/observability/tracing"
)

const (
	serviceName     = "realtime-stt-service"
	shutdownTimeout = 10 * time.Second
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Injector    do.Injector

	obs             *observability.Server
	admin           *grpcapi.Server
	shutdownTracing func(context.Context) error
	ready           atomic.Bool

	mu      sync.Mutex
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New configures logging and builds the dependency graph. Nothing is
// connected until a service is invoked.
func New(cfg *config.Config) *Application {
	format := cfg.Observability.LogFormat
	if cfg.IsDevelopment() {
		format = "console"
	}
	logging.Init(logging.Config{
		Level:   cfg.Observability.LogLevel,
		Format:  format,
		Service: serviceName,
	})

	a := &Application{
		Cfg:      cfg,
		Logger:   logging.WithComponent("application"),
		Injector: do.New(),
	}
	do.ProvideValue(a.Injector, cfg)
	a.registerDI()

	a.Logger.Info().
		Str("environment", cfg.Service.Env).
		Str("sttProvider", cfg.STT.Provider).
		Str("broker", cfg.Broker.Backend).
		Msg("Application created")
	return a
}

// Start initializes tracing and the observability server.
func (a *Application) Start(ctx context.Context) error {
	a.StartupTime = time.Now().UTC()

	shutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  serviceName,
		Environment:  a.Cfg.Service.Env,
		OTLPEndpoint: a.Cfg.Observability.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	a.obs = observability.NewServer(a.Cfg.Observability.MetricsAddr)
	a.obs.Start()

	a.Logger.Info().Time("startupTime", a.StartupTime).Msg("Application starting")
	return nil
}

// StartGRPC starts the admin gRPC server on the configured port.
func (a *Application) StartGRPC() error {
	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	a.admin = grpcapi.New(metrics.DefaultMetrics)
	go func() {
		if err := a.admin.Serve(lis); err != nil {
			a.Logger.Error().Err(err).Msg("gRPC admin server error")
		}
	}()
	return nil
}

// ServeHTTP serves handler on addr until ctx is done. Readiness flips on
// once the listener is bound.
func (a *Application) ServeHTTP(ctx context.Context, addr string, handler http.Handler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	a.Logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server started")
	a.setReady(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.setReady(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}

	a.setReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown; the
	// session handler closes them in Application.Shutdown.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// Ready reports whether the HTTP server is accepting traffic.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

func (a *Application) setReady(ready bool) {
	a.ready.Store(ready)
	if a.admin != nil {
		a.admin.SetServing(ready)
	}
	if a.obs != nil {
		a.obs.SetReady(ready)
	}
}

// onShutdown registers fn to run on Shutdown. Hooks run in reverse order
// of registration so dependents close before their dependencies.
func (a *Application) onShutdown(name string, fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Logger.Info().Msg("Application shutting down")
	a.setReady(false)

	if a.admin != nil {
		a.admin.GracefulStop()
	}

	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Error().Err(err).Str("resource", c.name).Msg("Shutdown hook failed")
		}
	}

	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Tracing shutdown failed")
		}
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Observability server shutdown failed")
		}
	}
}
