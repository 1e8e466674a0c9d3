package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/microscope-core/internal/device"
)

// Measurement names.
const (
	MeasurementArmLatency    = "session_arm_latency"
	MeasurementSessionResult = "session_result"
	MeasurementTransition    = "device_transition"
)

// RecordArmLatency records how long one participant took to arm.
//
//	session_arm_latency,session=<id>,device=camera latency_ms=12.5
func (c *Client) RecordArmLatency(sessionID, deviceID string, latency time.Duration) {
	c.WritePoint(MeasurementArmLatency,
		map[string]string{
			"session": sessionID,
			"device":  deviceID,
		},
		map[string]any{
			"latency_ms": milliseconds(latency),
		},
	)
}

// RecordSessionResult records the outcome of a finished session.
func (c *Client) RecordSessionResult(sessionID string, success bool, participants int, duration time.Duration) {
	c.WritePoint(MeasurementSessionResult,
		map[string]string{
			"session": sessionID,
		},
		map[string]any{
			"success":      success,
			"participants": int64(participants),
			"duration_ms":  milliseconds(duration),
		},
	)
}

// RecordTransition records a device lifecycle transition. Faulted
// transitions carry the reason so fault rates can be charted per device.
func (c *Client) RecordTransition(t device.Transition) {
	fields := map[string]any{"count": int64(1)}
	if t.Reason != "" {
		fields["reason"] = t.Reason
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	c.WritePointWithTime(MeasurementTransition,
		map[string]string{
			"device": t.Device,
			"from":   string(t.From),
			"to":     string(t.To),
		},
		fields,
		at,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Example:
//
//	client.WritePoint("stage_position",
//	    map[string]string{"device": "stage"},
//	    map[string]any{"x_um": 1520.0, "y_um": -40.5})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
// Points written after Close are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.points.WritePoint(point)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
