package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

// Client is a broker connection shared by every MQTT user in a process.
// It keeps a retained presence Status on its status topic, reconnects on
// its own and restores subscriptions after a reconnect. Safe for
// concurrent use.
type Client struct {
	paho        pahomqtt.Client
	cfg         config.MQTTConfig
	statusTopic string

	mu            sync.RWMutex
	connected     bool
	subscriptions map[string]subscription
	onConnect     func()
	onDisconnect  func(error)
	logger        Logger
}

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one message. A returned error is logged; it does
// not affect acknowledgement. Handlers may run concurrently.
type MessageHandler func(topic string, payload []byte) error

// Option customises a Client before it connects.
type Option func(*Client)

// WithStatusTopic replaces the default status topic (microscope/system/status).
// Device hosts use Topics.HostStatus so the service sees them drop off.
func WithStatusTopic(topic string) Option {
	return func(c *Client) { c.statusTopic = topic }
}

// Connect dials the broker, waits up to connectTimeout for the session and
// announces the client online.
func Connect(cfg config.MQTTConfig, options ...Option) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		statusTopic:   Topics{}.SystemStatus(),
		subscriptions: make(map[string]subscription),
	}
	for _, opt := range options {
		opt(c)
	}

	opts := clientOptions(cfg, c.statusTopic)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connectedHandler() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lostHandler(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("MQTT reconnecting", "client_id", cfg.Broker.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := wait(c.paho.Connect(), connectTimeout); err != nil {
		// Stop the background retry loop started by SetConnectRetry.
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrConnectionFailed, cfg.Broker.Host, cfg.Broker.Port, err)
	}

	// The connect handler runs on its own goroutine and may not have run
	// yet; callers subscribe straight after Connect returns.
	c.setConnected(true)
	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// connectedHandler runs after the initial connect and every reconnect.
func (c *Client) connectedHandler() {
	c.mu.Lock()
	c.connected = true
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, s := range c.subscriptions {
		subs[topic] = s
	}
	callback := c.onConnect
	c.mu.Unlock()

	for topic, s := range subs {
		if err := wait(c.paho.Subscribe(topic, s.qos, c.dispatch(s.handler)), operationTimeout); err != nil {
			c.warn("MQTT resubscribe failed", "topic", topic, "error", err)
		}
	}

	online := newStatus(StatusOnline, c.cfg.Broker.ClientID, "")
	c.paho.Publish(c.statusTopic, c.qos(), true, online.Encode())

	if callback != nil {
		callback()
	}
}

func (c *Client) lostHandler(err error) {
	c.mu.Lock()
	c.connected = false
	callback := c.onDisconnect
	c.mu.Unlock()

	if callback != nil {
		callback(err)
	}
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS) //nolint:gosec // validated 0..2
}

// Close publishes an offline status and disconnects. Calling Close on a
// client that never connected is a no-op.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		offline := newStatus(StatusOffline, c.cfg.Broker.ClientID, ReasonShutdown)
		if err := wait(c.paho.Publish(c.statusTopic, c.qos(), true, offline.Encode()), operationTimeout); err != nil {
			c.warn("MQTT offline status not published", "error", err)
		}
	}
	c.paho.Disconnect(quiesceMillis)
	c.setConnected(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after the initial connect and every
// reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) warn(msg string, args ...any) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		l.Warn(msg, args...)
	}
}

// dispatch adapts handler to paho, recovering panics so one bad message
// cannot take down the connection goroutine.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.mu.RLock()
				l := c.logger
				c.mu.RUnlock()
				if l != nil {
					l.Error("MQTT handler panic", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
