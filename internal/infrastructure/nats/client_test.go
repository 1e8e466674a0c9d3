package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
)

func testConfig() config.NATSConfig {
	return config.NATSConfig{
		Enabled:       true,
		Name:          "microscope-test",
		ReconnectWait: 1,
		MaxReconnects: 0,
	}
}

func runServer(t *testing.T) *Embedded {
	t.Helper()
	srv, err := RunEmbedded(config.NATSEmbeddedConfig{Port: -1})
	if err != nil {
		t.Fatalf("RunEmbedded() error = %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestConnectEmbedded(t *testing.T) {
	srv := runServer(t)

	client, err := Connect(testConfig(), srv.ClientURL())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	_, err := Connect(testConfig(), "nats://127.0.0.1:19997")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseThenHealthCheck(t *testing.T) {
	srv := runServer(t)
	client, err := Connect(testConfig(), srv.ClientURL())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	var client *Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestRequestReplyThroughEmbedded(t *testing.T) {
	srv := runServer(t)
	client, err := Connect(testConfig(), srv.ClientURL())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	subject := Subjects{}.RPC("bench-1")
	sub, err := client.Conn().QueueSubscribe(subject, QueueGroup, func(msg *natsgo.Msg) {
		_ = msg.Respond(append([]byte("echo:"), msg.Data...))
	})
	if err != nil {
		t.Fatalf("QueueSubscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Conn().RequestWithContext(ctx, subject, []byte("ping"))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(reply.Data) != "echo:ping" {
		t.Errorf("reply = %q, want %q", reply.Data, "echo:ping")
	}
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"RPC", Subjects{}.RPC("bench-2"), "microscope.rpc.bench-2"},
		{"Transition", Subjects{}.Transition("bench-2", "camera"), "microscope.events.bench-2.camera"},
		{"HostTransitions", Subjects{}.HostTransitions("bench-2"), "microscope.events.bench-2.*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}
