// Package api implements the HTTP REST API and WebSocket server for the
// microscope service.
//
// This package provides:
//   - REST endpoints for devices, settings, lifecycle and transition history
//   - Coordinated session runs, history and abort
//   - Cross-device dependency management
//   - A WebSocket hub broadcasting device transitions and session events
//   - JWT authentication with role permissions and ticket-based WebSocket auth
//
// # Errors
//
// Device errors map onto HTTP statuses by class: invalid values are 400,
// unsupported operations 422, busy devices and dependency violations 409,
// unreachable or unavailable devices 503 and failed sessions 502. Every
// error body carries the stable error kind so clients need not parse
// messages.
//
// # Security
//
// Accounts come from configuration with Argon2id password hashes. Viewers
// read, operators also configure and run sessions, admins also manage
// lifecycle and topology. WebSocket connections use single-use tickets to
// keep tokens out of URLs.
package api
