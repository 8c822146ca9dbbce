// Package server implements the core chat relay: the TCP listener, the
// per-connection session state machine, room and username registries,
// broadcast fan-out, per-user rate limiting, and the WebSocket gateway.
//
// The implementation is organized into specialized files for configuration,
// the envelope codec, registries, sessions, and transports to keep the
// codebase maintainable and testable as the project grows.
package server
