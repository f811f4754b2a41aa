package chat

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Frame types exchanged on the wire.
const (
	TypeAuthenticate          = "authenticate"
	TypeChatMessage           = "chat_message"
	TypePing                  = "ping"
	TypeConnectionEstablished = "connection_established"
	TypeAuthResponse          = "auth_response"
	TypeChatHistory           = "chat_history"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Inbound is a decoded client frame. The concrete type is one of
// Authenticate, ChatMessage, Ping or Unknown.
type Inbound interface {
	Type() string
}

// Authenticate asks the hub to attach a user identity to the connection.
type Authenticate struct {
	UserID   string `json:"user_id" validate:"required"`
	UserName string `json:"user_name" validate:"required"`
	Entity   string `json:"entity"`
}

func (Authenticate) Type() string { return TypeAuthenticate }

// ChatMessage is a message to broadcast. Identity comes from the connection,
// so any identity fields a client sends alongside are never decoded.
type ChatMessage struct {
	Message string `json:"message"`
	Zone    string `json:"zone"`
}

func (ChatMessage) Type() string { return TypeChatMessage }

// Ping is an application-level health check.
type Ping struct{}

func (Ping) Type() string { return TypePing }

// Unknown carries a frame whose type the hub does not handle.
type Unknown struct {
	Kind string
}

func (u Unknown) Type() string { return u.Kind }

type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound parses a raw text frame. Anything that is not a JSON object,
// or whose fields have the wrong shape, yields ErrInvalidFrame. A malformed
// authenticate frame still comes back as an empty Authenticate alongside the
// error so the caller can answer it with a failed auth_response.
func DecodeInbound(raw []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidFrame
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, errors.Wrap(ErrInvalidFrame, err.Error())
	}

	switch env.Type {
	case TypeAuthenticate:
		var msg Authenticate
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return Authenticate{}, errors.Wrap(ErrInvalidFrame, err.Error())
		}
		return msg, nil
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, errors.Wrap(ErrInvalidFrame, err.Error())
		}
		return msg, nil
	case TypePing:
		return Ping{}, nil
	default:
		return Unknown{Kind: env.Type}, nil
	}
}

// ConnectionEstablished is the first frame a client receives.
type ConnectionEstablished struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

// AuthResponse reports the outcome of an authenticate frame.
type AuthResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ChatMessageFrame is a broadcast record on the wire. History replays carry
// the very same frames.
type ChatMessageFrame struct {
	Type string `json:"type"`
	ChatRecord
}

// ChatHistory replays one zone's retained messages, oldest first.
type ChatHistory struct {
	Type     string             `json:"type"`
	Zone     string             `json:"zone"`
	Messages []ChatMessageFrame `json:"messages"`
}

// Pong answers a ping.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorFrame reports a protocol or authorization error to one client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newChatMessageFrame(record ChatRecord) ChatMessageFrame {
	return ChatMessageFrame{Type: TypeChatMessage, ChatRecord: record}
}

func newChatHistory(zone string, records []ChatRecord) ChatHistory {
	frames := make([]ChatMessageFrame, len(records))
	for i, record := range records {
		frames[i] = newChatMessageFrame(record)
	}
	return ChatHistory{Type: TypeChatHistory, Zone: zone, Messages: frames}
}

func newErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}
