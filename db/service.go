package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

const memoryPath = ":memory:"

// Service owns the SQLite handle backing the event journal.
type Service struct {
	DB     *sql.DB
	Path   string
	logger *slog.Logger
}

type Config struct {
	Path string
	// BusyTimeout bounds how long a writer waits on a locked database.
	BusyTimeout time.Duration
	// WAL switches the journal to write-ahead logging so API reads do not
	// block the bus writer.
	WAL bool
}

func DefaultConfig() *Config {
	return &Config{
		Path:        "./data/overwatch.db",
		BusyTimeout: 5 * time.Second,
		WAL:         true,
	}
}

// dsn renders the go-sqlite3 connection string for cfg.
func (c *Config) dsn() string {
	q := url.Values{}
	if c.BusyTimeout > 0 {
		q.Set("_busy_timeout", fmt.Sprint(c.BusyTimeout.Milliseconds()))
	}
	if c.WAL && c.Path != memoryPath {
		q.Set("_journal_mode", "WAL")
	}
	if len(q) == 0 {
		return "file:" + c.Path
	}
	return "file:" + c.Path + "?" + q.Encode()
}

// New opens the database and applies the schema.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Service{
		DB:     conn,
		Path:   cfg.Path,
		logger: logger.With("component", "db"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.InitializeSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	s.logger.Info("Event journal opened", "path", cfg.Path, "wal", cfg.WAL && cfg.Path != memoryPath)
	return s, nil
}

// InitializeSchema applies schema.sql. Every statement is idempotent.
func (s *Service) InitializeSchema(ctx context.Context) error {
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// VerifySchema reports the first journal table or index that is missing.
func (s *Service) VerifySchema(ctx context.Context) error {
	required := []struct{ kind, name string }{
		{"table", "drone_events"},
		{"index", "idx_drone_events_drone"},
		{"index", "idx_drone_events_type"},
	}

	for _, obj := range required {
		var n int
		err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?`,
			obj.kind, obj.name,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to look up %s %s: %w", obj.kind, obj.name, err)
		}
		if n == 0 {
			return fmt.Errorf("journal schema incomplete: %s %s missing", obj.kind, obj.name)
		}
	}
	return nil
}

func (s *Service) Close() error {
	if s.DB == nil {
		return nil
	}
	s.logger.Info("Closing event journal")
	return s.DB.Close()
}

// Health pings the database with a short deadline.
func (s *Service) Health() error {
	if s.DB == nil {
		return errors.New("event journal is not open")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.DB.PingContext(ctx)
}
