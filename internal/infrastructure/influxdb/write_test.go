package influxdb

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/microscope-core/internal/device"
)

type recordingWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *recordingWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	w.points = append(w.points, p)
	w.mu.Unlock()
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func newRecordingClient() (*Client, *recordingWriter) {
	w := &recordingWriter{}
	c := &Client{points: w}
	c.open.Store(true)
	return c, w
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestRecordArmLatency(t *testing.T) {
	c, w := newRecordingClient()

	c.RecordArmLatency("sess-1", "camera", 1500*time.Microsecond)

	if len(w.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != MeasurementArmLatency {
		t.Errorf("measurement = %q", p.Name())
	}
	if got := tags(p); got["session"] != "sess-1" || got["device"] != "camera" {
		t.Errorf("tags = %v", got)
	}
	if got := fields(p)["latency_ms"]; got != 1.5 {
		t.Errorf("latency_ms = %v, want 1.5", got)
	}
}

func TestRecordSessionResult(t *testing.T) {
	c, w := newRecordingClient()

	c.RecordSessionResult("sess-2", false, 3, 2*time.Second)

	if len(w.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(w.points))
	}
	f := fields(w.points[0])
	if f["success"] != false || f["participants"] != int64(3) || f["duration_ms"] != 2000.0 {
		t.Errorf("fields = %v", f)
	}
}

func TestRecordTransition(t *testing.T) {
	c, w := newRecordingClient()
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	c.RecordTransition(device.Transition{Device: "light", From: device.StateArmed, To: device.StateFaulted, Reason: "lamp over temperature", At: at})
	c.RecordTransition(device.Transition{Device: "light", From: device.StateFaulted, To: device.StateUninitialized})

	if len(w.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(w.points))
	}
	first := w.points[0]
	if got := tags(first); got["from"] != "armed" || got["to"] != "faulted" {
		t.Errorf("tags = %v", got)
	}
	if fields(first)["reason"] != "lamp over temperature" {
		t.Errorf("fields = %v", fields(first))
	}
	if !first.Time().Equal(at) {
		t.Errorf("time = %v, want %v", first.Time(), at)
	}
	if _, ok := fields(w.points[1])["reason"]; ok {
		t.Error("reason field written for a transition without a reason")
	}
	if w.points[1].Time().IsZero() {
		t.Error("zero transition time not replaced")
	}
}

func TestWritesDroppedWhenDisconnected(t *testing.T) {
	c, w := newRecordingClient()
	c.open.Store(false)

	c.RecordArmLatency("sess-1", "camera", time.Millisecond)
	c.WritePoint("stage_position", nil, map[string]any{"x_um": 1.0})
	c.Flush()

	if len(w.points) != 0 || w.flushes != 0 {
		t.Errorf("points = %d, flushes = %d; want none", len(w.points), w.flushes)
	}
}

func TestCloseFlushes(t *testing.T) {
	c, w := newRecordingClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}
