// Package device defines the capability contract every microscope device
// satisfies and the state machine that enforces it.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                        device.Machine                         │
//	│                                                               │
//	│  SetSettings ─▶ validate all ─▶ stage (dirty)                 │
//	│  Flush       ─▶ Driver.Write, name order ─▶ clean             │
//	│  PrepareTrigger ─▶ Driver.Arm ─▶ Armed ─▶ acquisition loop    │
//	│  Abort       ─▶ cancel loop ─▶ Driver.Disarm ─▶ Idle          │
//	└──────────────────────────────┬───────────────────────────────┘
//	                               │
//	                               ▼
//	                      device.Driver (hardware)
//
// # Lifecycle
//
//	Uninitialized ─▶ Idle ◀─▶ Configuring
//	                  │
//	                  ▼
//	                Armed ─▶ Triggered ─▶ Idle
//
// Any state may move to Faulted on a hardware fault. Faulted only leaves
// through Shutdown, which returns the device to Uninitialized.
//
// While Armed or Triggered configuration is frozen: only settings declared
// hot-swappable may change, and those are written through at once.
//
// # Errors
//
// Every error wraps one of the sentinels in errors.go. KindOf maps an error
// to its stable wire name.
package device
