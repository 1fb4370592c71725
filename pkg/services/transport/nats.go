// Package transport implements connection.Transport on top of a NATS
// client. Client-side reconnects are disabled: when a session drops the
// Connection Manager decides when and how to dial again.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"drone-overwatch/pkg/services/connection"
)

type Config struct {
	URL         string
	Name        string
	DialTimeout time.Duration
	Token       string
}

func DefaultConfig() Config {
	return Config{
		URL:         nats.DefaultURL,
		Name:        "overwatch",
		DialTimeout: 5 * time.Second,
	}
}

type NATS struct {
	config Config
	logger *slog.Logger
}

var _ connection.Transport = (*NATS)(nil)

func NewNATS(cfg Config, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &NATS{
		config: cfg,
		logger: logger.With("component", "nats-transport"),
	}
}

func (t *NATS) Dial(ctx context.Context, onClose func(error)) (connection.Session, error) {
	s := &session{logger: t.logger}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", t.config.Name, uuid.NewString())),
		nats.Timeout(t.config.DialTimeout),
		nats.NoReconnect(),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Warn("NATS async error", "subject", subject, "error", err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			s.closedByBroker(nc.LastError(), onClose)
		}),
	}
	if t.config.Token != "" {
		opts = append(opts, nats.Token(t.config.Token))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(t.config.URL, opts...)
		ch <- result{nc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", t.config.URL, r.err)
		}
		s.nc = r.nc
		return s, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				s.closing.Store(true)
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type session struct {
	nc      *nats.Conn
	logger  *slog.Logger
	closing atomic.Bool
	once    sync.Once
}

func (s *session) closedByBroker(err error, onClose func(error)) {
	if s.closing.Load() {
		return
	}
	s.once.Do(func() {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		s.logger.Warn("NATS connection closed", "error", err)
		if onClose != nil {
			onClose(err)
		}
	})
}

func (s *session) Subscribe(topic string, handler func(data []byte)) (connection.Subscription, error) {
	sub, err := s.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return sub, nil
}

func (s *session) Publish(topic string, data []byte) error {
	if err := s.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (s *session) Close() error {
	s.closing.Store(true)
	s.nc.Close()
	return nil
}
