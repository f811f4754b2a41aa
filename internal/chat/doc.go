// Package chat implements the in-memory core of the chat hub: the connection
// registry, the session index, the per-zone history store and the Hub that
// routes inbound frames between them.
//
// The package owns no network I/O. Transports register a Sender for every
// accepted connection and feed raw frames to Hub.HandleFrame.
package chat
