package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

const (
	// defaultConnectTimeout is the maximum time to wait for the initial
	// connection.
	defaultConnectTimeout = 5 * time.Second

	// defaultDrainTimeout bounds Close.
	defaultDrainTimeout = 5 * time.Second
)

// Logger interface for optional logging support.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client wraps a NATS connection.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	conn *natsgo.Conn
	cfg  config.NATSConfig

	logger   Logger
	loggerMu sync.RWMutex
}

// Connect establishes a connection to the NATS server at url. An empty url
// uses cfg.URL. Reconnection is handled by the NATS library.
func Connect(cfg config.NATSConfig, url string) (*Client, error) {
	if url == "" {
		url = cfg.URL
	}
	c := &Client{cfg: cfg}

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.Timeout(defaultConnectTimeout),
		natsgo.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if l := c.getLogger(); l != nil {
				l.Warn("NATS disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			if l := c.getLogger(); l != nil {
				l.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			if l := c.getLogger(); l != nil {
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				l.Error("NATS async error", "subject", subject, "error", err)
			}
		}),
	}

	conn, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.conn = conn
	return c, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *natsgo.Conn {
	return c.conn
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}

	deadline := time.Now().Add(defaultDrainTimeout)
	for !c.conn.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.conn.Close()
	return nil
}

// HealthCheck verifies the connection is alive by flushing a round trip to
// the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats health check: %w", err)
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// SetLogger sets a logger for connection events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
