// Package app wires the fiber modules into one binary. The target setting
// decides which tier this process runs; every target shares the same HTTP
// server and operational surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiberstack/fiber/modules/etl"
	"github.com/fiberstack/fiber/modules/gateway"
	"github.com/fiberstack/fiber/modules/probe"
	"github.com/fiberstack/fiber/modules/relay"
	"github.com/fiberstack/fiber/pkg/auth"
	"github.com/fiberstack/fiber/pkg/queue"
	"github.com/fiberstack/fiber/pkg/util/log"
)

// App owns the configured services and the shared HTTP server.
type App struct {
	cfg    Config
	router *mux.Router
	svcs   []services.Service
}

// New builds the services for the configured target.
func New(cfg Config) (*App, error) {
	a := &App{cfg: cfg, router: mux.NewRouter()}
	// The sample read path owns /metrics on the gateway, so the Prometheus
	// endpoint lives under /prometheus on every target.
	a.router.Handle("/prometheus", promhttp.Handler()).Methods(http.MethodGet)

	var redisClient redis.UniversalClient
	if cfg.Target != TargetProbe {
		var err error
		redisClient, err = queue.NewClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Target {
	case TargetGateway:
		if err := a.buildGateway(redisClient, nil); err != nil {
			return nil, err
		}
	case TargetRelay:
		if err := a.buildRelay(redisClient); err != nil {
			return nil, err
		}
	case TargetProbe:
		a.svcs = append(a.svcs, probe.New(cfg.Probe))
	case TargetETL:
		if _, err := a.buildETL(redisClient); err != nil {
			return nil, err
		}
	case TargetAll:
		store, err := a.buildETL(redisClient)
		if err != nil {
			return nil, err
		}
		if err := a.buildGateway(redisClient, store); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown target %q", cfg.Target)
	}
	return a, nil
}

func (a *App) buildGateway(redisClient redis.UniversalClient, reads gateway.ReadStore) error {
	verifier, err := auth.NewVerifier(a.cfg.Gateway.Auth, redisClient)
	if err != nil {
		return fmt.Errorf("building verifier: %w", err)
	}
	if reads == nil && a.cfg.ETL.StorageDSN != "" {
		store, err := etl.OpenStore(a.cfg.ETL.StorageDSN)
		if err != nil {
			return fmt.Errorf("opening read store: %w", err)
		}
		reads = store
	}
	g, err := gateway.New(a.cfg.Gateway, queue.New(redisClient), verifier, redisClient, reads)
	if err != nil {
		return err
	}
	g.RegisterRoutes(a.router)
	a.svcs = append(a.svcs, g)
	return nil
}

func (a *App) buildRelay(redisClient redis.UniversalClient) error {
	verifier, err := auth.NewVerifier(a.cfg.Relay.Auth, redisClient)
	if err != nil {
		return fmt.Errorf("building verifier: %w", err)
	}
	r, err := relay.New(a.cfg.Relay, verifier, redisClient)
	if err != nil {
		return err
	}
	r.RegisterRoutes(a.router)
	a.svcs = append(a.svcs, r.Service)
	return nil
}

func (a *App) buildETL(redisClient redis.UniversalClient) (*etl.Store, error) {
	store, err := etl.OpenStore(a.cfg.ETL.StorageDSN)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	svc := etl.New(a.cfg.ETL, queue.New(redisClient), store)
	svc.RegisterRoutes(a.router)
	a.svcs = append(a.svcs, svc)
	return store, nil
}

// Run starts the services and the HTTP server and blocks until a signal or a
// fatal service failure.
func (a *App) Run() error {
	ctx := context.Background()

	mgr, err := services.NewManager(a.svcs...)
	if err != nil {
		return fmt.Errorf("building service manager: %w", err)
	}
	failed := make(chan struct{}, 1)
	mgr.AddListener(services.NewManagerListener(nil, nil, func(services.Service) {
		select {
		case failed <- struct{}{}:
		default:
		}
	}))

	if err := services.StartManagerAndAwaitHealthy(ctx, mgr); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	level.Info(log.Logger).Log("msg", "fiber started", "target", a.cfg.Target, "port", a.cfg.HTTPListenPort)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.HTTPListenAddress, a.cfg.HTTPListenPort),
		Handler:      a.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		level.Info(log.Logger).Log("msg", "shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case <-failed:
		runErr = fmt.Errorf("service failed")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	mgr.StopAsync()
	if err := mgr.AwaitStopped(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("stopping services: %w", err)
	}
	return runErr
}
