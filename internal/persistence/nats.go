package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/spec-kit/support-realtime/internal/config"
)

// NATS wraps the event bus connection. Conn is nil when NATS_URL is unset.
type NATS struct {
	Conn *nats.Conn
}

// NewNATS connects to the event bus. The client keeps reconnecting in the
// background after the first successful connect.
func NewNATS(cfg config.NATSConfig, logger *zap.Logger) (*NATS, error) {
	if cfg.URL == "" {
		logger.Warn("NATS_URL not provided; domain events stay in process")
		return &NATS{}, nil
	}

	opts := []nats.Option{
		nats.Name("support-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", zap.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return &NATS{Conn: nc}, nil
}

// Enabled reports whether a connection was established.
func (n *NATS) Enabled() bool {
	return n != nil && n.Conn != nil
}

// Ping round-trips to the server.
func (n *NATS) Ping(ctx context.Context) error {
	if !n.Enabled() {
		return errors.New("nats not configured")
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return n.Conn.FlushTimeout(timeout)
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() {
	if n.Enabled() {
		_ = n.Conn.Drain()
	}
}
