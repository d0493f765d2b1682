// Package transport carries protocol envelopes over a reliable, ordered,
// message-oriented duplex channel
package transport

import (
	"context"
	"errors"

	"github.com/Guizzs26/go-sync-engine/internal/protocol"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrUnreachable   = errors.New("remote endpoint unreachable")
	ErrListenerClose = errors.New("listener closed")
)

// Conn is one side of a session channel. Send and Receive may be used from
// different goroutines, but each by a single goroutine at a time
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Receive(ctx context.Context) (protocol.Envelope, error)
	// ClientID identifies the client end of the channel
	ClientID() string
	Close() error
}

// Listener accepts client channels on the server
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer opens the client end of a channel
type Dialer interface {
	Dial(ctx context.Context, clientID string) (Conn, error)
}
