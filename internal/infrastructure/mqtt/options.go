package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

const (
	connectTimeout   = 10 * time.Second
	operationTimeout = 5 * time.Second
	keepAlive        = 30 * time.Second

	// quiesceMillis lets in-flight publishes drain on Close.
	quiesceMillis = 250

	maxQoS = 2
)

// clientOptions maps the mqtt config section onto paho options. The will
// marks statusTopic offline when the connection drops without Close.
//
// Handlers run concurrently (order does not matter) so a device host can
// serve a long Wait while other requests arrive.
func clientOptions(cfg config.MQTTConfig, statusTopic string) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}

	will := newStatus(StatusOffline, cfg.Broker.ClientID, ReasonConnectionLost)
	opts.SetBinaryWill(statusTopic, will.Encode(), 1, true)
	return opts
}

// wait blocks until t completes or d elapses.
func wait(t pahomqtt.Token, d time.Duration) error {
	if !t.WaitTimeout(d) {
		return fmt.Errorf("%w after %v", errTimeout, d)
	}
	return t.Error()
}

func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
