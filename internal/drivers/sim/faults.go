package sim

import (
	"time"

	"github.com/nerrad567/microscope-core/internal/drivers"
)

// Faults injects failures into a simulated driver.
type Faults struct {
	// FailOpen makes Open report a hardware fault.
	FailOpen bool `json:"fail_open,omitempty"`

	// FailArm makes Arm reject every trigger configuration.
	FailArm bool `json:"fail_arm,omitempty"`

	// HangArm makes Arm block until its context ends.
	HangArm bool `json:"hang_arm,omitempty"`

	// FaultOnWrite names a setting whose writes report a hardware fault.
	FaultOnWrite string `json:"fault_on_write,omitempty"`

	// FrameLatency delays every trigger event.
	FrameLatency time.Duration `json:"frame_latency,omitempty"`
}

func parseFaults(p drivers.Params) (Faults, error) {
	var f Faults
	var err error
	if f.FailOpen, err = p.Bool("fail_open", false); err != nil {
		return f, err
	}
	if f.FailArm, err = p.Bool("fail_arm", false); err != nil {
		return f, err
	}
	if f.HangArm, err = p.Bool("hang_arm", false); err != nil {
		return f, err
	}
	if f.FaultOnWrite, err = p.String("fault_on_write", ""); err != nil {
		return f, err
	}
	if f.FrameLatency, err = p.Duration("frame_latency", 0); err != nil {
		return f, err
	}
	return f, nil
}
