// Package embeddednats runs an in-process NATS server. It backs the
// `overwatch broker` command and the integration tests.
package embeddednats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

type Config struct {
	Host         string
	Port         int // -1 picks a random free port
	MonitorPort  int // 0 disables the HTTP monitoring endpoint
	MaxPayload   int32
	ReadyTimeout time.Duration
	NoLog        bool
}

func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         4222,
		MonitorPort:  8222,
		MaxPayload:   1024 * 1024, // 1MB
		ReadyTimeout: 10 * time.Second,
	}
}

type EmbeddedNATS struct {
	server *server.Server
	config *Config
	logger *slog.Logger
}

func New(cfg *Config, logger *slog.Logger) (*EmbeddedNATS, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	return &EmbeddedNATS{
		config: cfg,
		logger: logger.With("component", "embedded-nats"),
	}, nil
}

func (en *EmbeddedNATS) Start() error {
	if en.server != nil {
		return fmt.Errorf("NATS server already started")
	}

	opts := &server.Options{
		Host:       en.config.Host,
		Port:       en.config.Port,
		MaxPayload: en.config.MaxPayload,
		NoLog:      en.config.NoLog,
		NoSigs:     true,
	}
	if en.config.MonitorPort != 0 {
		opts.HTTPHost = en.config.Host
		opts.HTTPPort = en.config.MonitorPort
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	if !en.config.NoLog {
		ns.ConfigureLogger()
	}

	go ns.Start()

	if !ns.ReadyForConnections(en.config.ReadyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready for connections")
	}

	en.server = ns
	en.logger.Info("Embedded NATS server started", "url", ns.ClientURL())
	return nil
}

// ClientURL is the address clients should dial. It reflects the real
// port when Config.Port was -1.
func (en *EmbeddedNATS) ClientURL() string {
	if en.server == nil {
		return ""
	}
	return en.server.ClientURL()
}

// NumClients reports the number of connected clients.
func (en *EmbeddedNATS) NumClients() int {
	if en.server == nil {
		return 0
	}
	return en.server.NumClients()
}

func (en *EmbeddedNATS) Shutdown(ctx context.Context) error {
	if en.server == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		en.server.Shutdown()
		en.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		en.logger.Info("Embedded NATS server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop NATS server: %w", ctx.Err())
	}
}

func (en *EmbeddedNATS) HealthCheck() error {
	if en.server == nil {
		return fmt.Errorf("NATS server not initialized")
	}

	if !en.server.Running() {
		return fmt.Errorf("NATS server not running")
	}

	return nil
}
