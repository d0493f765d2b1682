package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-sync-engine/internal/transport"
)

// RabbitMQDialer opens client sessions over the sync exchange. Every Dial
// uses its own broker connection so losing it ends exactly one session
type RabbitMQDialer struct {
	url    string
	codec  *FrameCodec
	logger *slog.Logger
}

func NewRabbitMQDialer(url string, codec *FrameCodec, logger *slog.Logger) *RabbitMQDialer {
	return &RabbitMQDialer{url: url, codec: codec, logger: logger}
}

func (d *RabbitMQDialer) Dial(ctx context.Context, clientID string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := NewRabbitMQClient(d.url, d.codec, d.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}

	ch, err := client.Channel()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	// Exclusive and auto-deleted: the queue lives exactly as long as the session
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, downKey(clientID), Exchange, false, nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	session := uuid.NewString()
	conn := newAMQPConn(client, upKey(clientID), session, clientID, func() { client.Close() })
	go d.pump(conn, msgs)

	d.logger.Debug("Session channel opened", "client_id", clientID, "session", session)
	return conn, nil
}

// pump feeds the conn with frames of its own session. Frames left over
// from older sessions of the same client are dropped
func (d *RabbitMQDialer) pump(conn *amqpConn, msgs <-chan amqp.Delivery) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-conn.closed:
		case <-conn.client.Lost():
		}
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.shutdown(false)
			return
		case m, ok := <-msgs:
			if !ok {
				conn.shutdown(false)
				return
			}
			if sessionOf(m) != conn.session {
				m.Ack(false)
				continue
			}
			if isClose(m) {
				m.Ack(false)
				conn.shutdown(false)
				return
			}
			env, err := d.codec.Decode(m.Body, m.ContentEncoding)
			if err != nil {
				d.logger.Error("Failed to decode frame", "session", conn.session, "error", err)
				m.Nack(false, false)
				continue
			}
			if conn.deliver(ctx, env) {
				m.Ack(false)
			}
		}
	}
}
