// Microscope Core - instrument control service
//
// This is the main entry point of the microscope service. It composes local
// drivers and devices exported by remote device hosts into one instrument,
// coordinates triggered acquisitions across them and serves the REST and
// WebSocket API.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nerrad567/microscope-core/internal/api"
	"github.com/nerrad567/microscope-core/internal/auth"
	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
	"github.com/nerrad567/microscope-core/internal/drivers/sim"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/infrastructure/database"
	"github.com/nerrad567/microscope-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/microscope-core/internal/infrastructure/logging"
	"github.com/nerrad567/microscope-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/microscope-core/internal/infrastructure/nats"
	"github.com/nerrad567/microscope-core/internal/registry"
	"github.com/nerrad567/microscope-core/internal/remote"
	"github.com/nerrad567/microscope-core/internal/session"
	"github.com/nerrad567/microscope-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/microscope.yaml"

const (
	// shutdownTimeout bounds the orderly shutdown of every device.
	shutdownTimeout = 30 * time.Second

	// pruneInterval is how often old device transitions are removed.
	pruneInterval = time.Hour
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM so deferred cleanup runs.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default(logging.ServiceCore)
	log.Info("starting microscope core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "instrument", cfg.Instrument.ID)

	log = logging.New(cfg.Logging, logging.ServiceCore, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	history := device.NewSQLiteTransitionLog(db.DB)
	sessionRepo := session.NewSQLiteRepository(db.DB)
	if cfg.Database.HistoryRetention > 0 {
		go pruneHistory(ctx, history, cfg.Database.HistoryRetention, log)
	}

	checks := map[string]api.HealthChecker{"database": db}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	transports := make(map[string]remote.Transport)

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		checks["mqtt"] = mqttClient

		if cfg.UsesTransport(config.TransportMQTT) {
			t, tErr := remote.NewMQTTTransport(mqttClient, cfg.MQTT.Broker.ClientID, byte(cfg.MQTT.QoS))
			if tErr != nil {
				return fmt.Errorf("starting MQTT transport: %w", tErr)
			}
			defer t.Close() //nolint:errcheck // broker connection is closed right after
			transports[config.TransportMQTT] = t
		}
	}

	natsClient, embedded, err := connectNATS(cfg, log)
	if err != nil {
		return err
	}
	if embedded != nil {
		defer func() {
			log.Info("stopping embedded NATS server")
			embedded.Shutdown()
		}()
	}
	if natsClient != nil {
		defer func() {
			log.Info("disconnecting from NATS")
			if closeErr := natsClient.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		checks["nats"] = natsClient
		transports[config.TransportNATS] = remote.NewNATSTransport(natsClient.Conn())
	}

	// Session events go to WebSocket clients and, when connected, to MQTT.
	hub := api.NewHub(cfg.WebSocket, log)
	publisher := fanout{hub}
	if mqttClient != nil {
		publisher = append(publisher, &mqttPublisher{client: mqttClient, qos: byte(cfg.MQTT.QoS), log: log})

		watch := hostWatcher(hub, log.Component("hosts"))
		if err := mqttClient.Subscribe(mqtt.Topics{}.AllHostStatus(), byte(cfg.MQTT.QoS), watch); err != nil {
			log.Warn("host presence unavailable", "error", err)
		}
	}

	deps := session.Deps{
		Repository: sessionRepo,
		Publisher:  publisher,
		Logger:     log.Component("session"),
	}
	if influxClient != nil {
		deps.Metrics = influxClient
	}
	coordinator := session.NewCoordinator(session.Config{
		ArmTimeout:        cfg.Session.ArmTimeout,
		CompletionTimeout: cfg.Session.CompletionTimeout,
		AbortTimeout:      cfg.Session.AbortTimeout,
	}, deps)

	catalog := drivers.NewCatalog()
	if err := sim.Register(catalog); err != nil {
		return fmt.Errorf("registering drivers: %w", err)
	}

	reg, err := registry.Build(cfg, registry.Topology{
		Catalog:    catalog,
		Transports: transports,
		ProxyOptions: []remote.ProxyOption{
			remote.WithCallTimeout(cfg.Remote.CallTimeout),
			remote.WithCacheTTL(cfg.Remote.CacheTTL),
			remote.WithRetry(remote.RetryPolicy{
				MaxTries:        uint(cfg.Remote.Retry.MaxTries), //nolint:gosec // validated non-negative
				InitialInterval: cfg.Remote.Retry.InitialInterval,
				MaxInterval:     cfg.Remote.Retry.MaxInterval,
			}),
		},
		Runner: coordinator,
		Logger: log.Component("registry"),
	})
	if err != nil {
		return fmt.Errorf("building topology: %w", err)
	}
	defer reg.Close()

	reg.OnTransition(transitionSink(ctx, history, influxClient, mqttClient, log))

	if err := reg.InitializeAll(ctx); err != nil {
		// Devices that failed stay registered as unavailable and can be
		// re-initialised through the API.
		log.Warn("some devices failed to initialise", "error", err)
	}
	log.Info("topology initialised", "devices", len(reg.Names()))

	users, err := auth.NewUsers(cfg.Security.Users)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	srv, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Security:       cfg.Security,
		Logger:         log,
		Registry:       reg,
		Users:          users,
		Sessions:       coordinator,
		SessionHistory: sessionRepo,
		History:        history,
		Checks:         checks,
		DB:             db,
		Hub:            hub,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// ctx is already cancelled; devices get a fresh deadline to park.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, a := range coordinator.Active() {
		if abortErr := coordinator.Abort(shutdownCtx, a.ID); abortErr != nil && !errors.Is(abortErr, session.ErrSessionNotFound) {
			log.Warn("aborting session", "session", a.ID, "error", abortErr)
		}
	}
	if shutdownErr := reg.ShutdownAll(shutdownCtx); shutdownErr != nil {
		log.Warn("device shutdown incomplete", "error", shutdownErr)
	}

	log.Info("microscope core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MICROSCOPE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MICROSCOPE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// hashPassword reads a password from the first line of r and writes its
// Argon2id hash for security.users[].password_hash.
func hashPassword(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		return fmt.Errorf("no password given on stdin")
	}
	password := strings.TrimRight(sc.Text(), "\r")
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// connectMQTT connects to the broker when MQTT is enabled or a device is
// reached through it. It returns a nil client otherwise.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled && !cfg.UsesTransport(config.TransportMQTT) {
		log.Info("MQTT disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// connectNATS connects to NATS when it is enabled or a device is reached
// through it, starting the embedded server first if configured.
func connectNATS(cfg *config.Config, log *logging.Logger) (*nats.Client, *nats.Embedded, error) {
	if !cfg.NATS.Enabled && !cfg.UsesTransport(config.TransportNATS) {
		log.Info("NATS disabled")
		return nil, nil, nil
	}

	var (
		embedded *nats.Embedded
		url      string
		err      error
	)
	if cfg.NATS.Embedded.Enabled {
		embedded, err = nats.RunEmbedded(cfg.NATS.Embedded)
		if err != nil {
			return nil, nil, fmt.Errorf("starting embedded NATS: %w", err)
		}
		url = embedded.ClientURL()
		log.Info("embedded NATS server started", "url", url)
	}

	client, err := nats.Connect(cfg.NATS, url)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	client.SetLogger(log.Component("nats"))
	log.Info("NATS connected", "url", client.Conn().ConnectedUrl())
	return client, embedded, nil
}

// pruneHistory removes device transitions older than retention until ctx
// is cancelled.
func pruneHistory(ctx context.Context, history device.TransitionLog, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := history.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning device history", "error", err)
		case n > 0:
			log.Info("pruned device history", "removed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
