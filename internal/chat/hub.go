package chat

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	welcomeMessage      = "Connected to WebSocket server"
	authSucceeded       = "Authentication successful"
	authFailed          = "Authentication failed"
	errNotAuthenticated = "Not authenticated"
	errInvalidJSON      = "Invalid JSON format"
)

var validate = validator.New()

// BroadcastRequest is a message to fan out. UserName must be set and Message
// must be present, although an empty message text is still broadcast. A
// request failing either check is dropped without side effects.
type BroadcastRequest struct {
	UserID   string
	UserName string  `validate:"required"`
	Entity   string
	Message  *string `validate:"required"`
	Zone     string
}

// Stats is a point-in-time view of the hub's state.
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Sessions      int `json:"sessions"`
	Zones         int `json:"zones"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock overrides the time source used for record and pong timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// WithIDGenerator overrides how connection ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(h *Hub) {
		h.newID = newID
	}
}

// WithHistoryLimit sets the number of records retained per zone.
func WithHistoryLimit(limit int) Option {
	return func(h *Hub) {
		h.history = NewHistoryStore(limit)
	}
}

// Hub routes inbound frames between the registry, the session index and the
// history store, and fans outbound frames out to connection handles.
type Hub struct {
	logger   zerolog.Logger
	sessions *SessionIndex
	registry *Registry
	history  *HistoryStore
	now      func() time.Time
	newID    func() string
	closed   atomic.Bool

	// fanout orders history replay against live broadcasts, so a newly
	// authenticated connection sees every record exactly once and after its
	// chat_history frames.
	fanout sync.Mutex
}

// NewHub creates a hub with empty state.
func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	sessions := NewSessionIndex()
	h := &Hub{
		logger:   logger.With().Str("component", "hub").Logger(),
		sessions: sessions,
		registry: NewRegistry(sessions),
		history:  NewHistoryStore(HistoryLimit),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a freshly accepted connection, sends it the welcome frame
// and returns its generated id.
func (h *Hub) Connect(sender Sender, remoteAddr string) (string, error) {
	id := h.newID()
	if err := h.registry.Register(id, sender, remoteAddr, h.now()); err != nil {
		return "", errors.Wrapf(err, "register %s", id)
	}
	h.logger.Info().Str("conn_id", id).Str("remote_addr", remoteAddr).Msg("Client registered")

	welcome := ConnectionEstablished{
		Type:     TypeConnectionEstablished,
		ClientID: id,
		Message:  welcomeMessage,
	}
	if err := h.sendTo(id, welcome); err != nil {
		return "", errors.Wrapf(err, "welcome %s", id)
	}
	return id, nil
}

// Disconnect tears the connection down: it is removed from the registry and
// its session, and its handle is closed. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	conn, ok := h.registry.Unregister(id)
	if !ok {
		return
	}
	if sender := conn.Sender(); sender != nil {
		sender.Close()
	}
	h.logger.Info().Str("conn_id", id).Str("user_id", conn.UserID).Msg("Client unregistered")
}

// Connection returns a copy of the registered connection.
func (h *Hub) Connection(id string) (Connection, bool) {
	return h.registry.Get(id)
}

// ConnectionsFor returns the ids of every live connection of userID.
func (h *Hub) ConnectionsFor(userID string) []string {
	return h.sessions.ConnectionsFor(userID)
}

// Authenticate attaches the identity to the connection and replays the whole
// history to it, one chat_history frame per zone. Every successful call
// replays again, including re-authentication of the same connection.
func (h *Hub) Authenticate(id string, req Authenticate) bool {
	if err := validate.Struct(req); err != nil {
		h.logger.Debug().Err(err).Str("conn_id", id).Msg("Rejected authentication")
		return false
	}

	h.fanout.Lock()
	defer h.fanout.Unlock()

	conn, ok := h.registry.Authenticate(id, Identity{
		UserID:   req.UserID,
		UserName: req.UserName,
		Entity:   req.Entity,
	})
	if !ok {
		return false
	}

	history := h.history.Snapshot()
	for _, zone := range sortedKeys(history) {
		payload, err := json.Marshal(newChatHistory(zone, history[zone]))
		if err != nil {
			h.logger.Error().Err(err).Str("zone", zone).Msg("Error encoding history")
			continue
		}
		if err := conn.Sender().Send(payload); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", id).Msg("History delivery failed")
			h.Disconnect(id)
			return false
		}
	}

	h.logger.Info().
		Str("conn_id", id).
		Str("user_id", req.UserID).
		Str("user_name", req.UserName).
		Msg("User authenticated")
	return true
}

// Broadcast stores the message in its zone's history and delivers it to every
// authenticated connection. Connections whose send fails are collected during
// the loop and torn down once it has finished.
func (h *Hub) Broadcast(req BroadcastRequest) bool {
	if err := validate.Struct(req); err != nil {
		h.logger.Error().Err(err).Msg("Invalid broadcast")
		return false
	}

	zone := lo.Ternary(req.Zone == "", DefaultZone, req.Zone)

	h.fanout.Lock()
	record := ChatRecord{
		UserID:    req.UserID,
		UserName:  req.UserName,
		Entity:    req.Entity,
		Message:   *req.Message,
		Timestamp: h.now(),
	}
	payload, err := json.Marshal(newChatMessageFrame(record))
	if err != nil {
		h.fanout.Unlock()
		h.logger.Error().Err(err).Msg("Error encoding broadcast")
		return false
	}
	h.history.Append(zone, record)

	recipients := h.registry.Authenticated()
	h.logger.Info().
		Str("user_name", req.UserName).
		Str("zone", zone).
		Int("recipients", len(recipients)).
		Msg("Broadcasting message")

	var failed []string
	for _, conn := range recipients {
		if err := conn.Sender().Send(payload); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("Broadcast delivery failed")
			failed = append(failed, conn.ID)
		}
	}
	h.fanout.Unlock()

	for _, id := range failed {
		h.Disconnect(id)
	}
	return true
}

// SendToUser delivers frame to every connection of userID. A failing
// connection is torn down immediately without stopping delivery to the
// others. It reports whether at least one delivery succeeded.
func (h *Hub) SendToUser(userID string, frame any) bool {
	ids := h.sessions.ConnectionsFor(userID)
	if len(ids) == 0 {
		return false
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Error encoding direct message")
		return false
	}

	sent := 0
	for _, id := range ids {
		conn, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		if err := conn.Sender().Send(payload); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", id).Msg("Direct delivery failed")
			h.Disconnect(id)
			continue
		}
		sent++
	}
	return sent > 0
}

// HandleFrame decodes one inbound frame from connection id and dispatches it.
// It returns once every resulting frame has been queued.
func (h *Hub) HandleFrame(id string, raw []byte) {
	msg, err := DecodeInbound(raw)
	if err != nil {
		h.logger.Warn().Err(err).Str("conn_id", id).Msg("Invalid JSON from client")
		if _, isAuth := msg.(Authenticate); isAuth {
			h.reply(id, AuthResponse{Type: TypeAuthResponse, Success: false, Message: authFailed})
			return
		}
		h.reply(id, newErrorFrame(errInvalidJSON))
		return
	}

	switch m := msg.(type) {
	case Authenticate:
		success := h.Authenticate(id, m)
		h.reply(id, AuthResponse{
			Type:    TypeAuthResponse,
			Success: success,
			Message: lo.Ternary(success, authSucceeded, authFailed),
		})
	case ChatMessage:
		conn, ok := h.registry.Get(id)
		if !ok || !conn.Authenticated {
			h.reply(id, newErrorFrame(errNotAuthenticated))
			return
		}
		h.Broadcast(BroadcastRequest{
			UserID:   conn.UserID,
			UserName: conn.UserName,
			Entity:   conn.Entity,
			Message:  &m.Message,
			Zone:     m.Zone,
		})
	case Ping:
		h.reply(id, Pong{Type: TypePong, Timestamp: h.now()})
	default:
		h.logger.Warn().Str("conn_id", id).Str("type", msg.Type()).Msg("Unknown message type")
	}
}

// Stats reports current counts.
func (h *Hub) Stats() Stats {
	return Stats{
		Connections:   h.registry.Len(),
		Authenticated: len(h.registry.Authenticated()),
		Sessions:      h.sessions.Len(),
		Zones:         len(h.history.Zones()),
	}
}

// History returns a copy of every zone's retained records.
func (h *Hub) History() map[string][]ChatRecord {
	return h.history.Snapshot()
}

// Close refuses new connections and closes every registered handle. The
// registry rejects registrations from the moment it is drained, so a Connect
// racing with Close either fails or has its handle closed here.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	conns := h.registry.Drain()
	for _, conn := range conns {
		if sender := conn.Sender(); sender != nil {
			sender.Close()
		}
	}
	h.logger.Info().Int("connections", len(conns)).Msg("Hub closed")
}

// reply sends frame to a single connection if it is still registered.
func (h *Hub) reply(id string, frame any) {
	if err := h.sendTo(id, frame); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		h.logger.Debug().Err(err).Str("conn_id", id).Msg("Reply delivery failed")
	}
}

// sendTo encodes and queues frame for connection id. A failed send tears the
// connection down.
func (h *Hub) sendTo(id string, frame any) error {
	conn, ok := h.registry.Get(id)
	if !ok {
		return ErrConnectionNotFound
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	if err := conn.Sender().Send(payload); err != nil {
		h.Disconnect(id)
		return err
	}
	return nil
}

func sortedKeys(history map[string][]ChatRecord) []string {
	keys := lo.Keys(history)
	sort.Strings(keys)
	return keys
}
