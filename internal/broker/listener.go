package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-sync-engine/internal/transport"
)

// ServerQueue collects the frames of every client session
const ServerQueue = "sync.server"

// RabbitMQListener accepts client sessions from the sync exchange. Sessions
// are identified by the session header; the first frame of an unseen
// session opens a new server conn
type RabbitMQListener struct {
	client   *RabbitMQClient
	channel  *amqp.Channel
	logger   *slog.Logger
	accepts  chan transport.Conn
	mu       sync.Mutex
	sessions map[string]*amqpConn
	ended    *cache.Cache
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewRabbitMQListener binds the server queue and starts dispatching frames
func NewRabbitMQListener(url string, codec *FrameCodec, logger *slog.Logger) (*RabbitMQListener, error) {
	client, err := NewRabbitMQClient(url, codec, logger)
	if err != nil {
		return nil, err
	}

	ch, err := client.Channel()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	// Frames of one session must be handled in order
	if err := ch.Qos(1, 0, false); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	// Durable so frames published during a restart are not lost
	q, err := ch.QueueDeclare(ServerQueue, true, false, false, false, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "sync.up.#", Exchange, false, nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &RabbitMQListener{
		client:   client,
		channel:  ch,
		logger:   logger,
		accepts:  make(chan transport.Conn, 16),
		sessions: make(map[string]*amqpConn),
		ended:    cache.New(10*time.Minute, time.Minute),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go l.dispatch(ctx, msgs)

	logger.Info("Listener is online and waiting for sessions", "queue", q.Name)
	return l, nil
}

func (l *RabbitMQListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.accepts:
		return c, nil
	case <-l.done:
		return nil, transport.ErrListenerClose
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *RabbitMQListener) dispatch(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				l.logger.Warn("Listener delivery channel closed")
				l.closeSessions()
				return
			}
			l.route(ctx, d)
		}
	}
}

func (l *RabbitMQListener) route(ctx context.Context, d amqp.Delivery) {
	session := sessionOf(d)
	clientID := strings.TrimPrefix(d.RoutingKey, "sync.up.")
	if session == "" || clientID == "" || clientID == d.RoutingKey {
		l.logger.Warn("Dropping frame without session", "routing_key", d.RoutingKey)
		d.Nack(false, false)
		return
	}

	if isClose(d) {
		l.end(session, false)
		d.Ack(false)
		return
	}

	if _, gone := l.ended.Get(session); gone {
		d.Ack(false)
		return
	}

	env, err := l.client.codec.Decode(d.Body, d.ContentEncoding)
	if err != nil {
		l.logger.Error("Failed to decode frame", "session", session, "error", err)
		d.Nack(false, false) // Drop malformed frames
		return
	}

	conn, fresh := l.session(session, clientID)
	if fresh {
		select {
		case l.accepts <- conn:
		case <-ctx.Done():
			return
		}
	}
	conn.deliver(ctx, env)

	// Manual Ack: only once the frame is queued for its session
	if err := d.Ack(false); err != nil {
		l.logger.Error("Failed to Ack frame", "session", session, "error", err)
	}
}

func (l *RabbitMQListener) session(id, clientID string) (*amqpConn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.sessions[id]; ok {
		return c, false
	}
	c := newAMQPConn(l.client, downKey(clientID), id, clientID, func() { l.forget(id) })
	l.sessions[id] = c
	return c, true
}

func (l *RabbitMQListener) end(id string, notify bool) {
	l.mu.Lock()
	c, ok := l.sessions[id]
	l.mu.Unlock()
	if ok {
		c.shutdown(notify)
	}
	l.forget(id)
}

func (l *RabbitMQListener) forget(id string) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
	l.ended.SetDefault(id, struct{}{})
}

func (l *RabbitMQListener) closeSessions() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		l.end(id, false)
	}
}

// Sessions returns the number of live sessions
func (l *RabbitMQListener) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Close gracefully terminates the listener and every session it opened
func (l *RabbitMQListener) Close() error {
	l.logger.Info("Shutting down RabbitMQ listener")
	l.cancel()
	l.closeSessions()
	l.channel.Close()
	return l.client.Close()
}
