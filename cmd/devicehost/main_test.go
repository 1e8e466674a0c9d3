package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
	"github.com/nerrad567/microscope-core/internal/drivers/sim"
	"github.com/nerrad567/microscope-core/internal/hoststore"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/infrastructure/logging"
	"github.com/nerrad567/microscope-core/internal/infrastructure/nats"
	"github.com/nerrad567/microscope-core/internal/remote"
)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, logging.ServiceHost, "test")
}

func testCatalog(t *testing.T) *drivers.Catalog {
	t.Helper()
	c := drivers.NewCatalog()
	require.NoError(t, sim.Register(c))
	return c
}

func openTestStore(t *testing.T) *hoststore.Store {
	t.Helper()
	s, err := hoststore.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBuildDevices_ExportsControllerSubDevices(t *testing.T) {
	machines, err := buildDevices([]config.DeviceConfig{
		{Name: "camera", Driver: sim.CameraDriver},
		{Name: "stand", Driver: sim.ControllerDriver},
	}, testCatalog(t), openTestStore(t), quietLogger())
	require.NoError(t, err)

	var ids []string
	for _, m := range machines {
		ids = append(ids, m.ID())
	}
	assert.Equal(t, []string{"camera", "stand", "stand.led", "stand.stage"}, ids)
}

func TestBuildDevices_UnknownDriver(t *testing.T) {
	_, err := buildDevices([]config.DeviceConfig{
		{Name: "camera", Driver: "sim.nonexistent"},
	}, testCatalog(t), openTestStore(t), quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera")
}

func TestForgetStale(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save("camera", map[string]device.Value{"gain": device.Int(3)}))
	require.NoError(t, store.Save("retired", map[string]device.Value{"gain": device.Int(9)}))

	machines, err := buildDevices([]config.DeviceConfig{
		{Name: "camera", Driver: sim.CameraDriver},
	}, testCatalog(t), store, quietLogger())
	require.NoError(t, err)

	forgetStale(store, machines, quietLogger())

	ids, err := store.Devices()
	require.NoError(t, err)
	assert.Equal(t, []string{"camera"}, ids)
}

func TestWriteSettings(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Save("camera", map[string]device.Value{
		"exposure": device.Float(0.25),
		"binning":  device.Enum("2x2"),
	}))

	var buf bytes.Buffer
	require.NoError(t, writeSettings(&buf, store, nil))

	var got map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 0.25, got["camera"]["exposure"])
	assert.Equal(t, "2x2", got["camera"]["binning"])
}

func writeHostConfig(t *testing.T, storePath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devicehost.yaml")
	content := fmt.Sprintf(`
host:
  name: bench
  store_path: %q
nats:
  enabled: true
  url: nats://127.0.0.1:4222
devices:
  - name: camera
    driver: sim.camera
`, storePath)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestApp_SettingsCommands(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "data", "settings.db")
	store, err := openStore(storePath)
	require.NoError(t, err)
	require.NoError(t, store.Save("camera", map[string]device.Value{"gain": device.Int(7)}))
	require.NoError(t, store.Close())

	cfgPath := writeHostConfig(t, storePath)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"devicehost", "--config", cfgPath, "settings", "show", "camera"}))
	assert.Contains(t, out.String(), "gain: 7")

	out.Reset()
	require.NoError(t, app.Run([]string{"devicehost", "--config", cfgPath, "settings", "forget", "camera"}))
	assert.Contains(t, out.String(), "forgot camera")

	out.Reset()
	require.NoError(t, app.Run([]string{"devicehost", "--config", cfgPath, "settings", "show"}))
	assert.NotContains(t, out.String(), "gain")
}

func TestApp_ForgetRequiresDevice(t *testing.T) {
	cfgPath := writeHostConfig(t, filepath.Join(t.TempDir(), "settings.db"))

	app := newApp()
	app.Writer = io.Discard
	assert.Error(t, app.Run([]string{"devicehost", "--config", cfgPath, "settings", "forget"}))
}

func TestApp_InvalidConfig(t *testing.T) {
	app := newApp()
	app.Writer = io.Discard
	err := app.Run([]string{"devicehost", "--config", "/nonexistent/devicehost.yaml", "settings", "show"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

// TestRun_ServesOverNATS exports a simulated camera and drives it through
// a proxy, as the microscope service would.
func TestRun_ServesOverNATS(t *testing.T) {
	broker, err := nats.RunEmbedded(config.NATSEmbeddedConfig{Port: -1})
	require.NoError(t, err)
	defer broker.Shutdown()

	storePath := filepath.Join(t.TempDir(), "settings.db")
	cfg := &config.Config{
		NATS: config.NATSConfig{
			Enabled:       true,
			URL:           broker.ClientURL(),
			Name:          "devicehost-test",
			ReconnectWait: 1,
			MaxReconnects: -1,
		},
		Host: config.HostConfig{
			Name:            "bench",
			StorePath:       storePath,
			MaxCallDuration: time.Minute,
			ReplayLimit:     16,
		},
		Devices: []config.DeviceConfig{{Name: "camera", Driver: sim.CameraDriver}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, quietLogger()) }()

	core, err := nats.Connect(config.NATSConfig{Name: "core-test", MaxReconnects: -1}, broker.ClientURL())
	require.NoError(t, err)
	defer core.Close()

	proxy := remote.NewProxy("camera", remote.Address{Host: "bench", Device: "camera"},
		remote.NewNATSTransport(core.Conn()), remote.WithCallTimeout(time.Second))

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer callCancel()
	require.Eventually(t, func() bool {
		return proxy.Initialize(callCtx) == nil
	}, 5*time.Second, 50*time.Millisecond, "host never answered")

	desc, err := proxy.Describe(callCtx)
	require.NoError(t, err)
	assert.Equal(t, device.ClassCamera, desc.Class)

	require.NoError(t, proxy.SetSetting(callCtx, "exposure", device.Float(0.05)))
	require.NoError(t, proxy.Flush(callCtx))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	store, err := hoststore.Open(storePath)
	require.NoError(t, err)
	defer store.Close()
	saved, err := store.Load("camera")
	require.NoError(t, err)
	assert.Equal(t, 0.05, saved["exposure"].AsFloat())
}
