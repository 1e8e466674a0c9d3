package nats

import "errors"

// Domain-specific errors for NATS operations.
var (
	// ErrNotConnected is returned when the connection is closed or
	// reconnecting.
	ErrNotConnected = errors.New("nats: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("nats: connection failed")

	// ErrServerStart is returned when the embedded server does not become
	// ready.
	ErrServerStart = errors.New("nats: embedded server failed to start")
)
