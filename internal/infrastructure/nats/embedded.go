package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

// serverReadyTimeout bounds the wait for the embedded server.
const serverReadyTimeout = 5 * time.Second

// Embedded is an in-process NATS server.
type Embedded struct {
	srv *server.Server
}

// RunEmbedded starts a NATS server inside the process. Port -1 picks a
// free port.
func RunEmbedded(cfg config.NATSEmbeddedConfig) (*Embedded, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		Host:   host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServerStart, err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(serverReadyTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("%w: not ready after %v", ErrServerStart, serverReadyTimeout)
	}
	return &Embedded{srv: srv}, nil
}

// ClientURL returns the URL clients connect to.
func (e *Embedded) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	if e == nil || e.srv == nil {
		return
	}
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
