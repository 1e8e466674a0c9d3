package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client writes session and device metrics to one InfluxDB bucket. Writes
// are batched and never block the caller; they are dropped once the client
// is closed. Safe for concurrent use.
type Client struct {
	sdk    influxdb2.Client
	points pointWriter
	open   atomic.Bool

	errMu   sync.Mutex
	onError func(error)
}

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// sdkOptions maps the influxdb config section onto client options.
// Non-positive batch settings fall back to library-friendly defaults.
func sdkOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) //nolint:gosec // positive
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) //nolint:gosec // positive
}

// Connect pings the server and opens a batching writer on cfg.Bucket.
// ErrDisabled is returned when cfg.Enabled is false so callers can treat
// metrics as optional.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sdk := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, sdkOptions(cfg))
	if err := ping(context.Background(), sdk); err != nil {
		sdk.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	writer := sdk.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{sdk: sdk, points: writer}
	c.open.Store(true)

	go func() {
		for err := range writer.Errors() {
			c.reportError(err)
		}
	}()
	return c, nil
}

func ping(ctx context.Context, sdk influxdb2.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := sdk.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}

func (c *Client) reportError(err error) {
	c.errMu.Lock()
	callback := c.onError
	c.errMu.Unlock()
	if callback != nil {
		callback(err)
	}
}

// SetOnError sets the callback for failed batch writes, which are only
// ever reported asynchronously.
func (c *Client) SetOnError(callback func(err error)) {
	c.errMu.Lock()
	c.onError = callback
	c.errMu.Unlock()
}

// IsConnected reports whether the client is still accepting points.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := ping(ctx, c.sdk); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are sent. It does nothing after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.points.Flush()
	}
}

// Close flushes buffered points and releases the connection. It is safe on
// a nil client and may be called more than once.
func (c *Client) Close() error {
	if c == nil || !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.points.Flush()
	if c.sdk != nil {
		c.sdk.Close()
	}
	return nil
}
