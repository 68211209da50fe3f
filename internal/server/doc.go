// Package server implements the WebSocket relay: every message a client sends
// is fanned out to all currently connected clients.
//
// The implementation is organized into specialized files for configuration,
// the connection registry, the relay, connections, the listener that upgrades
// HTTP requests, and the HTTP handlers and server helpers around them.
package server
