package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/microscope-core/internal/api"
	"github.com/nerrad567/microscope-core/internal/auth"
	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/infrastructure/database"
	"github.com/nerrad567/microscope-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/microscope-core/migrations"
)

const testSecret = "test-secret-for-development-only-0123456789"

// writeConfig writes content to a temporary file and points
// MICROSCOPE_CONFIG at it for the duration of the test.
func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "microscope.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("MICROSCOPE_CONFIG", path)
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfigPath verifies run fails with non-existent config.
func TestRun_InvalidConfigPath(t *testing.T) {
	t.Setenv("MICROSCOPE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_MissingJWTSecret verifies run refuses to start without a secret.
func TestRun_MissingJWTSecret(t *testing.T) {
	writeConfig(t, `
instrument:
  id: test-scope
database:
  path: "`+filepath.Join(t.TempDir(), "test.db")+`"
`)
	t.Setenv("MICROSCOPE_JWT_SECRET", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without a JWT secret")
	}
}

// TestRun_UnknownDriver verifies topology errors stop startup.
func TestRun_UnknownDriver(t *testing.T) {
	writeConfig(t, fmt.Sprintf(`
instrument:
  id: test-scope
database:
  path: %q
api:
  host: 127.0.0.1
  port: %d
security:
  jwt:
    secret: %q
devices:
  - name: camera
    driver: sim.nonexistent
`, filepath.Join(t.TempDir(), "test.db"), freePort(t), testSecret))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with an unknown driver")
	}
	if !strings.Contains(err.Error(), "building topology") {
		t.Errorf("error = %v, want topology failure", err)
	}
}

// TestRun_SuccessfulStartupAndShutdown starts the service with simulated
// devices, exercises the API and shuts down on cancellation.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	hash, err := auth.HashPassword("operator-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	port := freePort(t)
	writeConfig(t, fmt.Sprintf(`
instrument:
  id: test-scope
database:
  path: %q
api:
  host: 127.0.0.1
  port: %d
logging:
  level: warn
  format: text
security:
  jwt:
    secret: %q
  users:
    - username: operator
      password_hash: %q
      role: operator
devices:
  - name: camera
    driver: sim.camera
  - name: light
    driver: sim.light
dependencies:
  - "camera.exposure <= light.pulse_width"
`, filepath.Join(t.TempDir(), "test.db"), port, testSecret, hash))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d/api/v1", port)
	waitHealthy(t, base, done)

	body, _ := json.Marshal(map[string]string{"username": "operator", "password": "operator-password"})
	resp, err := http.Post(base+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var login struct {
		AccessToken string `json:"access_token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, err = %v", resp.StatusCode, err)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/devices", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	var list struct {
		Count int `json:"count"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 2 {
		t.Errorf("device count = %d, want 2", list.Count)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

func waitHealthy(t *testing.T, base string, done <-chan error) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-done:
			t.Fatalf("run() exited early: %v", err)
		default:
		}
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("service did not become healthy")
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("MICROSCOPE_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("MICROSCOPE_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

type recordingPublisher struct {
	channels []string
}

func (p *recordingPublisher) Broadcast(channel string, _ any) {
	p.channels = append(p.channels, channel)
}

func TestFanout_Broadcast(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{}
	fanout{a, b}.Broadcast("session.started", nil)

	if len(a.channels) != 1 || len(b.channels) != 1 {
		t.Errorf("broadcasts = %d, %d, want 1, 1", len(a.channels), len(b.channels))
	}
}

type fakeMQTT struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return f.err
}

type nopWarn struct{}

func (nopWarn) Warn(string, ...any) {}
func (nopWarn) Info(string, ...any) {}

func TestMQTTPublisher_Broadcast(t *testing.T) {
	client := &fakeMQTT{}
	p := &mqttPublisher{client: client, qos: 1, log: nopWarn{}}

	p.Broadcast("session.finished", map[string]any{"id": "abc"})

	if len(client.topics) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.topics))
	}
	if want := "microscope/core/session/finished"; client.topics[0] != want {
		t.Errorf("topic = %q, want %q", client.topics[0], want)
	}
	var got map[string]any
	if err := json.Unmarshal(client.payloads[0], &got); err != nil || got["id"] != "abc" {
		t.Errorf("payload = %s, err = %v", client.payloads[0], err)
	}
}

func TestMQTTPublisher_UnencodablePayload(t *testing.T) {
	client := &fakeMQTT{}
	p := &mqttPublisher{client: client, log: nopWarn{}}

	p.Broadcast("session.started", make(chan int))

	if len(client.topics) != 0 {
		t.Errorf("published %d messages, want 0", len(client.topics))
	}
}

type capturingPublisher struct {
	channel string
	payload any
}

func (p *capturingPublisher) Broadcast(channel string, payload any) {
	p.channel, p.payload = channel, payload
}

func TestHostWatcher(t *testing.T) {
	pub := &capturingPublisher{}
	watch := hostWatcher(pub, nopWarn{})

	// The will carries no host name; it is taken from the topic.
	will := mqtt.Status{State: mqtt.StatusOffline, ClientID: "bench-1", Reason: mqtt.ReasonConnectionLost}
	if err := watch(mqtt.Topics{}.HostStatus("bench-1"), will.Encode()); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if pub.channel != api.ChannelHostStatus {
		t.Fatalf("channel = %q, want %q", pub.channel, api.ChannelHostStatus)
	}
	got := pub.payload.(mqtt.Status)
	if got.Host != "bench-1" || got.Online() {
		t.Errorf("status = %+v, want bench-1 offline", got)
	}
}

func TestHostWatcher_IgnoresOtherPayloads(t *testing.T) {
	pub := &capturingPublisher{}
	watch := hostWatcher(pub, nopWarn{})

	if err := watch(mqtt.Topics{}.HostStatus("bench-1"), nil); err != nil {
		t.Errorf("cleared topic: %v", err)
	}
	if err := watch(mqtt.Topics{}.SystemStatus(), []byte(`{"status":"online"}`)); err != nil {
		t.Errorf("system status: %v", err)
	}
	if err := watch(mqtt.Topics{}.HostStatus("bench-1"), []byte("garbage")); !errors.Is(err, mqtt.ErrInvalidStatus) {
		t.Errorf("garbage payload: err = %v, want ErrInvalidStatus", err)
	}
	if pub.channel != "" {
		t.Errorf("broadcast on %q, want nothing", pub.channel)
	}
}

func TestTransitionSink_RecordsHistory(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	history := device.NewSQLiteTransitionLog(db.DB)

	sink := transitionSink(context.Background(), history, nil, nil, nopWarn{})
	sink(device.Transition{
		Device: "camera",
		From:   device.StateUninitialized,
		To:     device.StateIdle,
		At:     time.Now(),
	})

	got, err := history.List(context.Background(), "camera", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].To != device.StateIdle {
		t.Errorf("history = %+v, want one transition to idle", got)
	}
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	if err := hashPassword(strings.NewReader("correct horse\n"), &out); err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	ok, err := auth.VerifyPassword("correct horse", hash)
	if err != nil || !ok {
		t.Errorf("VerifyPassword(%q) = %v, %v, want true", hash, ok, err)
	}
}

func TestHashPassword_Empty(t *testing.T) {
	tests := []string{"", "\n"}
	for _, in := range tests {
		if err := hashPassword(strings.NewReader(in), io.Discard); err == nil {
			t.Errorf("hashPassword(%q) should fail", in)
		}
	}
}
