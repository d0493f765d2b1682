package broker

import (
	"context"
	"sync"
	"time"

	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/internal/transport"
)

const inboxSize = 256

// amqpConn is one end of a session multiplexed over the sync exchange.
// Frames published by the other end are pushed into inbox by a dispatcher
type amqpConn struct {
	client   *RabbitMQClient
	sendKey  string
	session  string
	clientID string
	inbox    chan protocol.Envelope
	closed   chan struct{}
	once     sync.Once
	onClose  func()
}

func newAMQPConn(client *RabbitMQClient, sendKey, session, clientID string, onClose func()) *amqpConn {
	return &amqpConn{
		client:   client,
		sendKey:  sendKey,
		session:  session,
		clientID: clientID,
		inbox:    make(chan protocol.Envelope, inboxSize),
		closed:   make(chan struct{}),
		onClose:  onClose,
	}
}

func (c *amqpConn) ClientID() string { return c.clientID }

func (c *amqpConn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	case <-c.client.Lost():
		return transport.ErrConnClosed
	default:
	}
	if err := c.client.Publish(ctx, c.sendKey, c.session, env); err != nil {
		if !c.client.IsHealthy() {
			return transport.ErrConnClosed
		}
		return err
	}
	return nil
}

func (c *amqpConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	case <-c.closed:
		return protocol.Envelope{}, transport.ErrConnClosed
	case <-c.client.Lost():
		return protocol.Envelope{}, transport.ErrConnClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// deliver blocks until the frame is queued or the conn goes away
func (c *amqpConn) deliver(ctx context.Context, env protocol.Envelope) bool {
	select {
	case c.inbox <- env:
		return true
	case <-c.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close ends the session and tells the other end about it
func (c *amqpConn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *amqpConn) shutdown(notify bool) {
	c.once.Do(func() {
		close(c.closed)
		if notify && c.client.IsHealthy() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := c.client.PublishClose(ctx, c.sendKey, c.session); err != nil {
				c.client.logger.Debug("session close not delivered", "session", c.session, "error", err)
			}
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}
