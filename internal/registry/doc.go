// Package registry holds the devices of one instrument under stable names
// and applies changes that span several of them.
//
// Local drivers and remote proxies are registered side by side; callers
// address both the same way. A device that fails to initialise or faults
// is marked unavailable without affecting the others, and Reinitialize
// brings it back.
//
// Dependencies constrain settings across devices:
//
//	camera.exposure <= light.pulse_width
//
// Set and Apply evaluate every dependency touching the changed settings
// against the prospective values before any device is written.
//
// Build creates a registry from the devices and dependencies sections of
// the configuration.
package registry
