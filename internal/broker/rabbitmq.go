package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-sync-engine/internal/protocol"
	"github.com/Guizzs26/go-sync-engine/pkg/metrics"
)

const (
	// Exchange carries every session frame. Client frames are routed with
	// sync.up.<client>, server frames with sync.down.<client>
	Exchange = "sync.topic"

	headerSession = "x-sync-session"
	headerControl = "x-sync-control"
	controlClose  = "close"

	confirmTimeout = 10 * time.Second
)

var (
	ErrBrokerDown = errors.New("broker connection is closed")
	ErrNacked     = errors.New("frame rejected by broker")
)

func upKey(clientID string) string   { return "sync.up." + clientID }
func downKey(clientID string) string { return "sync.down." + clientID }

// RabbitMQClient owns one AMQP connection and the confirm-mode channel used
// to publish frames. Consumers open their own channels on the same connection
type RabbitMQClient struct {
	conn    *amqp.Connection
	pub     *amqp.Channel
	codec   *FrameCodec
	logger  *slog.Logger
	healthy atomic.Bool

	lost      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// NewRabbitMQClient dials the broker, declares the session exchange and puts
// the publishing channel in confirm mode
func NewRabbitMQClient(url string, codec *FrameCodec, l *slog.Logger) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	pub, err := setupPublisher(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := &RabbitMQClient{
		conn:   conn,
		pub:    pub,
		codec:  codec,
		logger: l,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	r.healthy.Store(true)
	metrics.HealthStatus.Set(1)

	go r.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), pub.NotifyClose(make(chan *amqp.Error, 1)))

	l.Info("Connected to RabbitMQ", "exchange", Exchange)
	return r, nil
}

func setupPublisher(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

// watch flips the client to unhealthy the first time the connection or the
// publishing channel goes away
func (r *RabbitMQClient) watch(connClosed, chanClosed <-chan *amqp.Error) {
	defer close(r.lost)

	var cause *amqp.Error
	what := "connection"
	select {
	case cause = <-connClosed:
	case cause = <-chanClosed:
		what = "channel"
	case <-r.stop:
		return
	}

	r.healthy.Store(false)
	metrics.HealthStatus.Set(0)
	r.logger.Warn("RabbitMQ link lost", "scope", what, "error", cause)
}

// Channel opens an extra channel for consuming
func (r *RabbitMQClient) Channel() (*amqp.Channel, error) {
	return r.conn.Channel()
}

// Lost is closed once the connection or channel went away
func (r *RabbitMQClient) Lost() <-chan struct{} {
	return r.lost
}

// Publish encodes env and waits for the broker to confirm it
func (r *RabbitMQClient) Publish(ctx context.Context, routingKey, session string, env protocol.Envelope) error {
	body, encoding, err := r.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Type, err)
	}
	return r.publish(ctx, routingKey, amqp.Publishing{
		Headers:         amqp.Table{headerSession: session},
		ContentType:     "application/json",
		ContentEncoding: encoding,
		MessageId:       env.MessageID,
		Timestamp:       env.Timestamp,
		Body:            body,
	})
}

// PublishClose tells the other end that the session is over
func (r *RabbitMQClient) PublishClose(ctx context.Context, routingKey, session string) error {
	return r.publish(ctx, routingKey, amqp.Publishing{
		Headers: amqp.Table{headerSession: session, headerControl: controlClose},
	})
}

func (r *RabbitMQClient) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if !r.IsHealthy() {
		return ErrBrokerDown
	}

	confirm, err := r.pub.PublishWithDeferredConfirmWithContext(ctx, Exchange, routingKey, false, false, msg)
	if err != nil {
		r.logger.Error("Publish to exchange failed", "routing_key", routingKey, "error", err)
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-confirm.Done():
		if !confirm.Acked() {
			return fmt.Errorf("%w: routing key %s", ErrNacked, routingKey)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publisher confirm for %s not received within %s", routingKey, confirmTimeout)
	}
}

// Close releases the channel and the connection. Safe to call more than once
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Closing RabbitMQ client")
		close(r.stop)
		r.pub.Close()
		r.conn.Close()
	})
	return nil
}

func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}

func sessionOf(d amqp.Delivery) string {
	s, _ := d.Headers[headerSession].(string)
	return s
}

func isClose(d amqp.Delivery) bool {
	c, _ := d.Headers[headerControl].(string)
	return c == controlClose
}
