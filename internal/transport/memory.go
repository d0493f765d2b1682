package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/Guizzs26/go-sync-engine/internal/protocol"
)

// Interceptor sees every envelope before delivery and returns what actually
// gets delivered: nothing to drop it, several copies to duplicate it
type Interceptor func(toServer bool, env protocol.Envelope) []protocol.Envelope

// Network is an in-process transport. Frames go through the protocol codec
// so both ends see exactly what a byte-oriented transport would deliver
type Network struct {
	mu        sync.Mutex
	listener  *memListener
	down      bool
	conns     map[*pipe]struct{}
	intercept Interceptor
	buffer    int
}

func NewNetwork() *Network {
	return &Network{conns: make(map[*pipe]struct{}), buffer: 256}
}

// Listen registers the single server endpoint of the network
func (n *Network) Listen() (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil {
		return nil, fmt.Errorf("network already has a listener")
	}
	n.listener = &memListener{
		net:     n,
		accepts: make(chan Conn, 16),
		closed:  make(chan struct{}),
	}
	return n.listener, nil
}

func (n *Network) Dial(ctx context.Context, clientID string) (Conn, error) {
	n.mu.Lock()
	l := n.listener
	if n.down || l == nil {
		n.mu.Unlock()
		return nil, ErrUnreachable
	}
	p := &pipe{
		net:      n,
		clientID: clientID,
		toServer: make(chan []byte, n.buffer),
		toClient: make(chan []byte, n.buffer),
		closed:   make(chan struct{}),
	}
	n.conns[p] = struct{}{}
	n.mu.Unlock()

	select {
	case l.accepts <- &memConn{pipe: p, server: true}:
	case <-l.closed:
		p.close()
		return nil, ErrUnreachable
	case <-ctx.Done():
		p.close()
		return nil, ctx.Err()
	}
	return &memConn{pipe: p}, nil
}

// Partition drops every open channel and refuses new ones until Heal
func (n *Network) Partition() {
	n.mu.Lock()
	n.down = true
	pipes := make([]*pipe, 0, len(n.conns))
	for p := range n.conns {
		pipes = append(pipes, p)
	}
	n.mu.Unlock()

	for _, p := range pipes {
		p.close()
	}
}

func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = false
}

func (n *Network) SetInterceptor(fn Interceptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intercept = fn
}

// Open returns the number of channels currently open
func (n *Network) Open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *Network) interceptor() Interceptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.intercept
}

func (n *Network) forget(p *pipe) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, p)
}

type pipe struct {
	net      *Network
	clientID string
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() {
		close(p.closed)
		p.net.forget(p)
	})
}

type memConn struct {
	*pipe
	server bool
}

func (c *memConn) ClientID() string { return c.clientID }

func (c *memConn) Send(ctx context.Context, env protocol.Envelope) error {
	out := []protocol.Envelope{env}
	if fn := c.net.interceptor(); fn != nil {
		out = fn(!c.server, env)
	}

	ch := c.toServer
	if c.server {
		ch = c.toClient
	}
	for _, e := range out {
		frame, err := protocol.Encode(e)
		if err != nil {
			return err
		}
		select {
		case <-c.closed:
			return ErrConnClosed
		default:
		}
		select {
		case ch <- frame:
		case <-c.closed:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *memConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	ch := c.toClient
	if c.server {
		ch = c.toServer
	}
	select {
	case frame := <-ch:
		return protocol.Decode(frame)
	case <-c.closed:
		return protocol.Envelope{}, ErrConnClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *memConn) Close() error {
	c.close()
	return nil
}

type memListener struct {
	net     *Network
	accepts chan Conn
	closed  chan struct{}
	once    sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepts:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClose
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		l.net.listener = nil
		l.net.mu.Unlock()
	})
	return nil
}
