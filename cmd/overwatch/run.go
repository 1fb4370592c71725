package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"drone-overwatch/api"
	"drone-overwatch/api/middleware"
	"drone-overwatch/api/services"
	"drone-overwatch/db"
	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/config"
	"drone-overwatch/pkg/logging"
	"drone-overwatch/pkg/metrics"
	"drone-overwatch/pkg/services/connection"
	embeddednats "drone-overwatch/pkg/services/embedded-nats"
	"drone-overwatch/pkg/services/events"
	"drone-overwatch/pkg/services/store"
	"drone-overwatch/pkg/services/subscriptions"
	"drone-overwatch/pkg/services/transport"
	"drone-overwatch/pkg/services/workers"
)

var embeddedBroker bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the broker and track drones",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("embedded-broker") {
			cfg.EmbeddedBroker = embeddedBroker
		}

		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer closer.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return run(logging.NewContext(ctx, logger), cfg)
	},
}

func init() {
	runCmd.Flags().BoolVar(&embeddedBroker, "embedded-broker", false, "Start an in-process NATS server and connect to it")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.FromContext(ctx)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		a.stop(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.stop(shutdownCtx)

	logger.Info("Shutdown complete")
	return nil
}

// app is the assembled process. Fields are set in dependency order by
// newApp and released in reverse by stop.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	broker    *embeddednats.EmbeddedNATS
	dbService *db.Service
	bus       *events.Bus
	store     *store.Store
	conn      *connection.Manager
	registry  *subscriptions.Registry
	workers   *workers.Manager
	handler   http.Handler
	server    *http.Server
}

func newApp(cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.stop(context.Background())
		}
	}()

	natsURL := cfg.NATSURL
	if cfg.EmbeddedBroker {
		bcfg := embeddednats.DefaultConfig()
		bcfg.Port = cfg.BrokerPort
		bcfg.MonitorPort = 0
		bcfg.NoLog = true
		a.broker, err = embeddednats.New(bcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS: %w", err)
		}
		if err := a.broker.Start(); err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		natsURL = a.broker.ClientURL()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewPrometheus(reg, "overwatch")
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a.bus = events.NewBus(logger, 0)
	a.bus.Subscribe(notify(logger))

	var journal *db.Journal
	checks := map[string]api.HealthChecker{}
	if cfg.Journal {
		dbCfg := db.DefaultConfig()
		dbCfg.Path = cfg.DBPath
		a.dbService, err = db.New(dbCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database service: %w", err)
		}
		journal = db.NewJournal(a.dbService)
		a.bus.Subscribe(journal.Handle)
		checks["database"] = a.dbService
	}
	if a.broker != nil {
		checks["nats"] = api.HealthCheckFunc(a.broker.HealthCheck)
	}

	clk := clock.Real()

	a.store = store.New(
		store.WithClock(clk),
		store.WithPublisher(a.bus),
		store.WithMetrics(collector),
		store.WithLogger(logger),
	)

	tr := transport.NewNATS(transport.Config{
		URL:         natsURL,
		Name:        "overwatch",
		DialTimeout: cfg.ConnectTimeout,
		Token:       cfg.NATSToken,
	}, logger)

	a.conn, err = connection.NewManager(connection.Config{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		ConnectTimeout:       cfg.ConnectTimeout,
	}, tr,
		connection.WithClock(clk),
		connection.WithPublisher(a.bus),
		connection.WithMetrics(collector),
		connection.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	a.registry = subscriptions.New(
		subscriptions.WithClock(clk),
		subscriptions.WithMetrics(collector),
		subscriptions.WithLogger(logger),
		subscriptions.WithDataRequestInterval(cfg.DataRequestInterval),
		subscriptions.WithReconnector(a.conn),
	)
	a.conn.AddHook(a.registry)

	a.workers, err = workers.NewManager(workers.Config{
		SweepInterval:  cfg.SweepInterval,
		StaleThreshold: cfg.StaleThreshold,
	}, workers.Deps{
		Registry: a.registry,
		Events:   a.bus,
		Store:    a.store,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker manager: %w", err)
	}

	handlers := api.NewHandlers(api.Options{
		Drones:     services.NewDroneService(a.store, journal),
		Connection: services.NewConnectionService(a.conn, a.registry),
		Checks:     checks,
		Gatherer:   reg,
		Version:    version,
	})
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, cfg.BearerToken)
	a.handler = middleware.CORS(middleware.RequestLogger(logger)(mux))

	return a, nil
}

func (a *app) start() error {
	if err := a.workers.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	done := a.conn.Connect()
	go func() {
		if err := <-done; err != nil {
			a.logger.Warn("Initial connection attempt failed, retrying in background", "error", err)
		}
	}()

	a.server = &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      a.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		a.logger.Info("Starting HTTP server", "addr", a.cfg.HTTPAddr, "auth", a.cfg.BearerToken != "")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	return nil
}

func (a *app) stop(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to shutdown server gracefully", "error", err)
		}
	}
	if a.workers != nil {
		if err := a.workers.Stop(); err != nil {
			a.logger.Error("Failed to stop workers", "error", err)
		}
	}
	if a.conn != nil {
		a.conn.Disconnect()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.dbService != nil {
		if err := a.dbService.Close(); err != nil {
			a.logger.Error("Failed to close database", "error", err)
		}
	}
	if a.broker != nil {
		if err := a.broker.Shutdown(ctx); err != nil {
			a.logger.Error("Failed to shutdown NATS", "error", err)
		}
	}
}
