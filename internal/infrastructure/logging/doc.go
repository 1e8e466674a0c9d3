// Package logging provides structured logging for the microscope service
// and the device host.
//
// It wraps log/slog. Every entry carries the service ("microscope" or
// "devicehost") and version fields; components add their own with
// Component.
//
// Logging is configured via the logging section of the configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, logging.ServiceCore, version)
//	logger.Component("registry").Info("devices initialised", "available", 4)
//
// Never log secrets, tokens or passwords.
package logging
