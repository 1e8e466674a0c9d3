package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/microscope-core/internal/auth"
	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/infrastructure/database"
	"github.com/nerrad567/microscope-core/internal/infrastructure/logging"
	"github.com/nerrad567/microscope-core/internal/registry"
	"github.com/nerrad567/microscope-core/internal/session"
)

// drainTimeout bounds how long Close waits for in-flight requests.
const drainTimeout = 10 * time.Second

// HealthChecker is implemented by the database, MQTT, NATS and InfluxDB
// clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps wires the server. Logger, Registry, Users and Security.JWT.Secret
// are required.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry *registry.Registry
	Users    *auth.Users

	Sessions       *session.Coordinator
	SessionHistory session.Repository
	History        device.TransitionLog

	// Checks are reported by /health, keyed by component name.
	Checks map[string]HealthChecker
	// DB contributes pool statistics to /metrics.
	DB *database.DB

	// Hub lets session events be published before Start. New creates one
	// when nil.
	Hub     *Hub
	Version string
}

// Server serves the REST API and the WebSocket hub.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	registry  *registry.Registry
	users     *auth.Users
	sessions  *session.Coordinator
	sessRepo  session.Repository
	history   device.TransitionLog
	checks    map[string]HealthChecker
	db        *database.DB
	version   string
	startTime time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc
}

// New validates deps. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Registry == nil:
		return nil, errors.New("api: device registry is required")
	case deps.Users == nil:
		return nil, errors.New("api: user store is required")
	case deps.Security.JWT.Secret == "":
		return nil, errors.New("api: jwt secret is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		users:     deps.Users,
		sessions:  deps.Sessions,
		sessRepo:  deps.SessionHistory,
		history:   deps.History,
		checks:    deps.Checks,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       deps.Hub,
		tickets:   newTicketStore(),
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener, so an address in use is reported here, then
// serves in the background until Close.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", addr, err)
	}

	s.startBackground(ctx)
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       seconds(s.cfg.Timeouts.Idle),
	}

	tls := s.cfg.TLS
	s.logger.Info("API server listening", "address", ln.Addr().String(), "tls", tls.Enabled)
	go func() {
		var err error
		if tls.Enabled {
			err = s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// startBackground runs the hub and ticket expiry under a context Close
// cancels, and forwards device transitions to WebSocket clients.
func (s *Server) startBackground(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(ctx)
	go s.tickets.cleanLoop(ctx)

	s.registry.OnTransition(func(t device.Transition) {
		s.hub.Broadcast(ChannelDeviceTransition, t)
	})
}

// Close stops background work and drains in-flight requests for up to
// drainTimeout.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// HealthCheck fails until Start has succeeded.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api: not started")
	}
	return nil
}
