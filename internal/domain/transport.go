package domain

import (
	"context"
	"encoding/json"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Transport opens authenticated push channels to the service.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is a single open push channel. Receive blocks until a frame arrives or
// the connection fails; Send may be called concurrently with Receive.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Receive() (Frame, error)
	Close() error
}

// ConnectionState is owned by the connection manager.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)
