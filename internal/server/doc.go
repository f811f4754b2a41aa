// Package server implements the HTTP and WebSocket transport for the chat hub.
//
// The implementation is organized into specialized files for configuration,
// clients, routing, origin checks and HTTP handlers. All chat state lives in
// the chat package; this package only moves frames between sockets and the
// hub.
package server
