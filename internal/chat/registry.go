package chat

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// Sender is the outbound half of a transport connection. Send must not block:
// a full buffer or a closed connection is reported as an error and treated by
// the hub as a terminal delivery failure. Close may be called more than once.
type Sender interface {
	Send(frame []byte) error
	Close()
}

// Connection is the metadata the registry keeps for one transport-level
// connection. Values returned by the registry are copies; the identity fields
// are only mutated through the registry.
type Connection struct {
	ID            string
	RemoteAddr    string
	UserID        string
	UserName      string
	Entity        string
	Authenticated bool
	ConnectedAt   time.Time

	sender Sender
}

// Sender returns the handle used to push frames to this connection.
func (c Connection) Sender() Sender {
	return c.sender
}

// Identity is the user identity attached to a connection on authentication.
type Identity struct {
	UserID   string
	UserName string
	Entity   string
}

// Registry tracks every live connection. It keeps the session index in step
// with authentication state: a connection id is bound in the index exactly
// while it is registered and authenticated.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	sessions *SessionIndex
	closed   bool
}

// NewRegistry creates a registry that maintains the given session index.
func NewRegistry(sessions *SessionIndex) *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		sessions: sessions,
	}
}

// Register inserts an unauthenticated connection. Once the registry has been
// drained it rejects every registration with ErrHubClosed.
func (r *Registry) Register(id string, sender Sender, remoteAddr string, connectedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrHubClosed
	}
	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &Connection{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: connectedAt,
		sender:      sender,
	}
	return nil
}

// Unregister removes the connection and unbinds it from its user's session.
// Removing an unknown id is a no-op and reports false.
func (r *Registry) Unregister(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(r.conns, id)
	if conn.UserID != "" {
		r.sessions.Unbind(conn.UserID, id)
	}
	return *conn, true
}

// Get returns a copy of the connection.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Authenticate attaches identity to the connection in place and binds the
// session. When a connection re-authenticates as another user, the previous
// session binding is dropped first.
func (r *Registry) Authenticate(id string, identity Identity) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	if conn.UserID != "" && conn.UserID != identity.UserID {
		r.sessions.Unbind(conn.UserID, id)
	}
	conn.UserID = identity.UserID
	conn.UserName = identity.UserName
	conn.Entity = identity.Entity
	conn.Authenticated = true
	r.sessions.Bind(identity.UserID, id)
	return *conn, true
}

// Authenticated returns a snapshot of every authenticated connection.
func (r *Registry) Authenticated() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Authenticated {
			out = append(out, *conn)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Drain closes the registry to new connections, removes every connection,
// unbinding all sessions, and returns what was removed so the caller can
// close the handles.
func (r *Registry) Drain() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	drained := lo.MapToSlice(r.conns, func(_ string, conn *Connection) Connection {
		return *conn
	})
	for id, conn := range r.conns {
		if conn.UserID != "" {
			r.sessions.Unbind(conn.UserID, id)
		}
	}
	r.conns = make(map[string]*Connection)
	return drained
}
