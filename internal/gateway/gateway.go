// ABOUTME: Gateway orchestrator that coordinates the HTTP server and agent plane
// ABOUTME: Manages store, registry, dispatcher, and event bus lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivespace/hive-control/internal/agent"
	"github.com/hivespace/hive-control/internal/config"
	"github.com/hivespace/hive-control/internal/dispatch"
	"github.com/hivespace/hive-control/internal/events"
	"github.com/hivespace/hive-control/internal/store"
)

// Gateway orchestrates the hive-control server components. It owns the HTTP
// server for the REST API and agent websocket endpoint, the agent registry,
// and the dispatcher.
type Gateway struct {
	config     *config.Config
	store      store.Store
	manager    *agent.Manager
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HIVE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger.With("component", "events"))

	manager := agent.NewManager(agent.ManagerParams{
		Store:            s,
		Bus:              bus,
		Logger:           logger.With("component", "agent-manager"),
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		PingInterval:     cfg.Agents.PingInterval,
	})

	dispatcher := dispatch.New(dispatch.Params{
		Store:              s,
		Manager:            manager,
		Bus:                bus,
		Logger:             logger,
		QuotaLimit:         cfg.Sessions.QuotaLimit,
		ClusterScopedQuota: cfg.Sessions.ClusterScopedQuota,
		MaxRetries:         cfg.Sessions.DispatchRetries,
	})
	manager.SetHandler(dispatcher)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		manager:    manager,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Manager exposes the agent registry, mainly for tests and the CLI.
func (g *Gateway) Manager() *agent.Manager { return g.manager }

// Dispatcher exposes the command dispatcher.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher { return g.dispatcher }

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a component fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	// Commands persisted before a restart stay pending in the store.
	// Re-dispatch them as agents reconnect rather than dropping them.
	if err := g.dispatcher.DispatchPendingCommands(ctx); err != nil {
		g.logger.Warn("startup command recovery failed", "error", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		g.manager.RunLivenessMonitor(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources. Connected
// agents receive a shutdown frame before their connections close.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.manager.Shutdown()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
