package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/consultscribe/pkg/protocol"
)

var (
	// ErrConnClosed is returned by [Conn.Next] after the connection is closed
	// and its queue drained.
	ErrConnClosed = errors.New("realtime: connection closed")

	// ErrConnLagged is returned by [Conn.Next] once a connection that lost a
	// frame to overflow has drained its queue. The peer must rejoin to
	// receive a fresh history snapshot.
	ErrConnLagged = errors.New("realtime: connection lagged behind, rejoin required")
)

// Conn is one viewer or producer connection. Events reach it through a
// bounded outbound queue: the session actor never blocks on a slow reader,
// and when the queue is full the oldest queued frame is dropped. A
// connection that dropped a frame is lagged: it delivers what is still
// queued and then ends with [ErrConnLagged].
//
// All methods are safe for concurrent use.
type Conn struct {
	id       string
	capacity int
	onDrop   func(*Conn, protocol.Frame)

	mu        sync.Mutex
	queue     []protocol.Frame
	ready     chan struct{} // signalled when queue becomes non-empty
	closed    bool
	lagged    bool
	sessionID string
	role      protocol.Role
	dropped   int64
}

func newConn(capacity int, onDrop func(*Conn, protocol.Frame)) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		capacity: capacity,
		onDrop:   onDrop,
		ready:    make(chan struct{}, 1),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Session returns the joined session id and role, or "" when not joined.
func (c *Conn) Session() (string, protocol.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.role
}

// Dropped returns how many frames were discarded because the queue was full.
func (c *Conn) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Enqueue adds f to the outbound queue without blocking. It reports false
// if the connection is closed.
func (c *Conn) Enqueue(f protocol.Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	var old protocol.Frame
	dropped := false
	if len(c.queue) >= c.capacity {
		old = c.queue[0]
		c.queue = c.queue[1:]
		c.dropped++
		c.lagged = true
		dropped = true
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}

	if dropped {
		slog.Warn("outbound queue full, dropped oldest frame",
			"conn_id", c.id,
			"frame_type", old.Type,
			"capacity", c.capacity,
		)
		if c.onDrop != nil {
			c.onDrop(c, old)
		}
	}
	return true
}

// Next blocks until a frame is queued and returns it. After [Conn.Close] it
// keeps returning queued frames, then [ErrConnClosed]. A lagged connection
// returns [ErrConnLagged] once its queue is empty.
func (c *Conn) Next(ctx context.Context) (protocol.Frame, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			f := c.queue[0]
			c.queue[0] = protocol.Frame{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return f, nil
		}
		closed, lagged := c.closed, c.lagged
		c.mu.Unlock()
		switch {
		case lagged:
			return protocol.Frame{}, ErrConnLagged
		case closed:
			return protocol.Frame{}, ErrConnClosed
		}

		select {
		case <-c.ready:
		case <-ctx.Done():
			return protocol.Frame{}, ctx.Err()
		}
	}
}

// Lagged reports whether the connection dropped a frame.
func (c *Conn) Lagged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lagged
}

// Pending returns the number of queued frames.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops accepting frames. Frames already queued can still be read.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Conn) setSession(sessionID string, role protocol.Role) {
	c.mu.Lock()
	c.sessionID, c.role = sessionID, role
	c.mu.Unlock()
}
