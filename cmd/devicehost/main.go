// Device host - exports locally attached hardware to the microscope service
//
// A device host owns the drivers for the hardware cabled to its machine and
// answers device calls from the microscope service over MQTT and/or NATS.
// The last flushed settings of every device are kept in a local bbolt file
// and restored when the device is next initialised.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
	"github.com/nerrad567/microscope-core/internal/drivers/sim"
	"github.com/nerrad567/microscope-core/internal/hoststore"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/infrastructure/logging"
	"github.com/nerrad567/microscope-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/microscope-core/internal/infrastructure/nats"
	"github.com/nerrad567/microscope-core/internal/remote"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/devicehost.yaml"

	// shutdownTimeout bounds parking every device on exit.
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "devicehost",
		Usage:   "Export local microscope hardware to the microscope service",
		Version: fmt.Sprintf("%s (%s, %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the device host configuration",
				Value:   defaultConfigPath,
				EnvVars: []string{"MICROSCOPE_HOST_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve device calls until interrupted (default)",
				Action: serve,
			},
			{
				Name:  "settings",
				Usage: "Inspect persisted device settings",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print the stored settings of every device, or of the named devices",
						Action: showSettings,
					},
					{
						Name:      "forget",
						Usage:     "Delete the stored settings of the named devices",
						ArgsUsage: "DEVICE...",
						Action:    forgetSettings,
					},
				},
			},
		},
	}
}

// loadConfig reads the host configuration named by the --config flag.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.LoadHost(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if c.Bool("debug") {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func openStore(path string) (*hoststore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return hoststore.Open(path)
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, logging.ServiceHost, version).With("host", cfg.Host.Name)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, log)
}

// run exports the configured devices until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.Info("starting device host", "version", version, "commit", commit)

	store, err := openStore(cfg.Host.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing settings store", "error", closeErr)
		}
	}()

	catalog := drivers.NewCatalog()
	if err := sim.Register(catalog); err != nil {
		return fmt.Errorf("registering drivers: %w", err)
	}

	machines, err := buildDevices(cfg.Devices, catalog, store, log)
	if err != nil {
		return err
	}
	forgetStale(store, machines, log)

	exp := remote.NewExporter(cfg.Host.Name,
		remote.WithExporterLogger(log.Component("exporter")),
		remote.WithMaxCallDuration(cfg.Host.MaxCallDuration),
		remote.WithReplayLimit(cfg.Host.ReplayLimit),
	)
	for _, m := range machines {
		exp.Add(m)
	}
	log.Info("devices exported", "devices", exp.Devices())

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, mqtt.WithStatusTopic(mqtt.Topics{}.HostStatus(cfg.Host.Name)))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		client.SetLogger(log.Component("mqtt"))

		srv, err := remote.ServeMQTT(ctx, client, exp, byte(cfg.MQTT.QoS), log.Component("mqtt"))
		if err != nil {
			return fmt.Errorf("serving MQTT: %w", err)
		}
		defer srv.Close() //nolint:errcheck // shutdown path
		log.Info("serving over MQTT", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
	}

	if cfg.NATS.Enabled {
		url := ""
		if cfg.NATS.Embedded.Enabled {
			embedded, err := nats.RunEmbedded(cfg.NATS.Embedded)
			if err != nil {
				return fmt.Errorf("starting embedded NATS: %w", err)
			}
			defer embedded.Shutdown()
			url = embedded.ClientURL()
			log.Info("embedded NATS server started", "url", url)
		}

		client, err := nats.Connect(cfg.NATS, url)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		client.SetLogger(log.Component("nats"))

		srv, err := remote.ServeNATS(ctx, client.Conn(), exp, log.Component("nats"))
		if err != nil {
			return fmt.Errorf("serving NATS: %w", err)
		}
		defer srv.Close() //nolint:errcheck // shutdown path
		log.Info("serving over NATS", "url", client.Conn().ConnectedUrl())
	}

	<-ctx.Done()
	log.Info("shutdown signal received, parking devices")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownDevices(shutdownCtx, machines, log)

	log.Info("device host stopped")
	return nil
}

// buildDevices creates one state machine per configured device. Controller
// drivers also export each sub-device as "name.sub".
func buildDevices(devices []config.DeviceConfig, catalog *drivers.Catalog, store device.SettingsStore, log *logging.Logger) ([]*device.Machine, error) {
	opts := []device.Option{
		device.WithLogger(log.Component("device")),
		device.WithSettingsStore(store),
	}

	var machines []*device.Machine
	for _, dc := range devices {
		drv, err := catalog.New(dc.Driver, drivers.Params(dc.Params))
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		machines = append(machines, device.NewMachine(dc.Name, drv, opts...))

		ctrl, ok := drv.(device.Controller)
		if !ok {
			continue
		}
		subs := ctrl.Devices()
		for _, sub := range slices.Sorted(maps.Keys(subs)) {
			machines = append(machines, device.NewMachine(dc.Name+"."+sub, subs[sub], opts...))
		}
	}
	return machines, nil
}

// forgetStale drops stored settings of devices that are no longer
// configured, so a renamed device does not inherit an old snapshot.
func forgetStale(store *hoststore.Store, machines []*device.Machine, log *logging.Logger) {
	stored, err := store.Devices()
	if err != nil {
		log.Warn("listing stored settings", "error", err)
		return
	}
	for _, id := range stored {
		if slices.ContainsFunc(machines, func(m *device.Machine) bool { return m.ID() == id }) {
			continue
		}
		if err := store.Delete(id); err != nil {
			log.Warn("forgetting stored settings", "device", id, "error", err)
			continue
		}
		log.Info("forgot settings of unconfigured device", "device", id)
	}
}

// shutdownDevices parks every device in reverse order. Sub-devices go
// before their controller.
func shutdownDevices(ctx context.Context, machines []*device.Machine, log *logging.Logger) {
	for _, m := range slices.Backward(machines) {
		if m.State() == device.StateUninitialized {
			continue
		}
		if err := m.Shutdown(ctx); err != nil && !errors.Is(err, device.ErrNotInitialized) {
			log.Warn("device shutdown failed", "device", m.ID(), "error", err)
		}
	}
}

func showSettings(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Host.StorePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // read-only use

	return writeSettings(c.App.Writer, store, c.Args().Slice())
}

// writeSettings prints the stored settings of ids, or of every stored
// device when ids is empty, as YAML.
func writeSettings(w io.Writer, store *hoststore.Store, ids []string) error {
	if len(ids) == 0 {
		var err error
		if ids, err = store.Devices(); err != nil {
			return fmt.Errorf("listing stored settings: %w", err)
		}
	}

	out := make(map[string]map[string]any, len(ids))
	for _, id := range ids {
		values, err := store.Load(id)
		if err != nil {
			return err
		}
		plain := make(map[string]any, len(values))
		for name, v := range values {
			plain[name] = v.Interface()
		}
		out[id] = plain
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close() //nolint:errcheck // flushed by Encode
	return enc.Encode(out)
}

func forgetSettings(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one device name is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.Host.StorePath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // shutdown path

	for _, id := range c.Args().Slice() {
		if err := store.Delete(id); err != nil {
			return fmt.Errorf("forgetting %s: %w", id, err)
		}
		fmt.Fprintf(c.App.Writer, "forgot %s\n", id)
	}
	return nil
}
