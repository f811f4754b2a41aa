package chat

import "github.com/pkg/errors"

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrInvalidFrame        = errors.New("invalid frame")
	ErrSendBufferFull      = errors.New("send buffer full")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrHubClosed           = errors.New("hub closed")
)
