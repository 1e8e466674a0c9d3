package nats

import "fmt"

// Subject prefixes.
const (
	// SubjectPrefixRPC is the base for device host request subjects.
	SubjectPrefixRPC = "microscope.rpc"

	// SubjectPrefixEvents is the base for device host event subjects.
	SubjectPrefixEvents = "microscope.events"

	// QueueGroup is the queue group device hosts subscribe with, so that
	// redundant exporters for one host share the request load.
	QueueGroup = "microscope-exporter"
)

// Subjects provides builders for NATS subjects.
type Subjects struct{}

// RPC returns the request subject of a device host.
//
// Example: microscope.rpc.bench-2
func (Subjects) RPC(host string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefixRPC, host)
}

// Transition returns the subject a host publishes one device's lifecycle
// transitions on.
//
// Example: microscope.events.bench-2.camera
func (Subjects) Transition(host, deviceID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefixEvents, host, deviceID)
}

// HostTransitions returns a wildcard for every device transition of a host.
//
// Example: microscope.events.bench-2.*
func (Subjects) HostTransitions(host string) string {
	return fmt.Sprintf("%s.%s.*", SubjectPrefixEvents, host)
}
