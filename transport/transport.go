package transport

import (
	"context"
	"errors"
	"time"

	"github.com/codeboltai/agentswarmprotocol-sub005/protocol"
	"github.com/codeboltai/agentswarmprotocol-sub005/registry"
)

// Common errors.
var (
	ErrClosed            = errors.New("transport closed")
	ErrSendTimeout       = errors.New("send timeout")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Handler receives connection lifecycle events and decoded messages. The
// router implements it.
//
// HandleMessage is called from the connection's read loop, so messages from
// one connection arrive in the order they were sent.
type Handler interface {
	// HandleConnect announces a new connection. For clients, id and name come
	// from the connection URL. A non-nil error closes the connection.
	HandleConnect(ctx context.Context, connectionID string, role registry.Role, id, name string) error

	// HandleMessage receives a frame whose envelope and content both decoded.
	HandleMessage(ctx context.Context, connectionID string, msg *protocol.Message, payload protocol.Payload)

	// HandleDecodeError receives frames that could not be decoded.
	HandleDecodeError(ctx context.Context, connectionID string, err error)

	// HandleDisconnect is called once after the connection closes.
	HandleDisconnect(ctx context.Context, connectionID string)
}

// Config holds transport configuration.
type Config struct {
	// SendBufferSize is the per-connection outbound queue length.
	// Default: 100
	SendBufferSize int

	// WriteTimeout bounds each frame write and how long Send waits for room
	// in a full queue.
	WriteTimeout time.Duration

	// ReadTimeout closes connections that send nothing, pongs included, for
	// this long (0 = no timeout).
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration

	// RateLimit is the number of frames a connection may send per
	// RateWindow (0 = unlimited).
	RateLimit  int
	RateWindow time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBufferSize: 100,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
		RateWindow:     time.Second,
	}
}
