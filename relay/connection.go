// Package relay implements one relay endpoint's connection state machine:
// connect, send, receive, and reconnect-with-backoff. Inbound frames are
// decoded by the wire package and routed to a caller-supplied FrameHandler
// (normally a per-relay subscription manager), so this package never needs
// to know about subscriptions or grouping.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nostr-dev-kit/ndk-go/nerrors"
	"github.com/nostr-dev-kit/ndk-go/retry"
	"github.com/nostr-dev-kit/ndk-go/wire"
)

// State is a connection's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// FrameHandler receives decoded inbound frames and connection lifecycle
// transitions for one Connection. Implementations (normally a per-relay
// subscription manager) must not block the receive loop.
type FrameHandler interface {
	HandleFrame(c *Connection, msg *wire.RelayMessage)
	DidConnect(c *Connection)
	DidDisconnect(c *Connection, cause error)
}

// Counters holds the observability fields described in §4.4.
type Counters struct {
	Sent        uint64
	Received    uint64
	ConnectedAt time.Time
}

// Connection is one WebSocket endpoint's state machine.
type Connection struct {
	URL     string // normalized
	handler FrameHandler
	retry   *retry.Policy
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	sendCh  chan outboundFrame
	closeCh chan struct{}

	countersMu sync.Mutex
	counters   Counters

	closing bool // true once Close() has been called; suppresses reconnection
}

type outboundFrame struct {
	data []byte
	done chan error
}

// New builds a Connection for url. url is normalized before dialing.
func New(rawURL string, handler FrameHandler, policy *retry.Policy, logger *slog.Logger) (*Connection, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		URL:     normalized,
		handler: handler,
		retry:   policy,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		state:   Disconnected,
	}, nil
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters returns a snapshot of the connection's send/receive counters.
func (c *Connection) Counters() Counters {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	return c.counters
}

// Connect dials the relay once. On success the connection becomes Connected,
// a send-queue goroutine and a receive-loop goroutine are started, the retry
// budget is reset, and DidConnect fires exactly once. On failure the
// connection returns to Disconnected, a reconnect is scheduled via the retry
// policy, and the supervisor keeps retrying in the background until Close is
// called or a connection succeeds.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()
	return c.connectOnce(ctx)
}

func (c *Connection) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.logger.Debug("relay connect failed", "url", c.URL, "err", err)
		c.notifyDisconnected(err)
		c.scheduleReconnect(context.Background())
		return nerrors.Wrap(nerrors.Network, nerrors.CodeConnectionFailed, err).With("relay", c.URL)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.sendCh = make(chan outboundFrame, 64)
	c.closeCh = make(chan struct{})
	closeCh := c.closeCh
	sendCh := c.sendCh
	c.mu.Unlock()

	c.countersMu.Lock()
	c.counters.ConnectedAt = time.Now()
	c.countersMu.Unlock()

	c.retry.Reset()

	go c.sendLoop(conn, sendCh, closeCh)
	go c.receiveLoop(ctx, conn, closeCh)

	c.notifyConnected()
	return nil
}

func (c *Connection) notifyConnected() {
	if c.handler != nil {
		c.handler.DidConnect(c)
	}
}

func (c *Connection) notifyDisconnected(cause error) {
	if c.handler != nil {
		c.handler.DidDisconnect(c, cause)
	}
}

// Send enqueues text for the single-writer send goroutine. It is only valid
// when the connection is Connected; otherwise it fails with
// Network.NotConnected (reported as nerrors.Network/connection_lost).
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return nerrors.New(nerrors.Network, nerrors.CodeConnectionLost).With("relay", c.URL).With("reason", "not connected")
	}
	sendCh := c.sendCh
	c.mu.Unlock()

	done := make(chan error, 1)
	select {
	case sendCh <- outboundFrame{data: data, done: done}:
	default:
		return nerrors.New(nerrors.Network, nerrors.CodeTimeout).With("relay", c.URL).With("reason", "send queue full")
	}
	return <-done
}

func (c *Connection) sendLoop(conn *websocket.Conn, sendCh chan outboundFrame, closeCh chan struct{}) {
	for {
		select {
		case <-closeCh:
			return
		case frame := <-sendCh:
			err := conn.WriteMessage(websocket.TextMessage, frame.data)
			if err == nil {
				c.countersMu.Lock()
				c.counters.Sent++
				c.countersMu.Unlock()
			}
			frame.done <- err
			if err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

func (c *Connection) receiveLoop(ctx context.Context, conn *websocket.Conn, closeCh chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closeCh:
				return
			default:
			}
			c.teardown(err)
			return
		}

		c.countersMu.Lock()
		c.counters.Received++
		c.countersMu.Unlock()

		msg, perr := wire.Decode(data)
		if perr != nil {
			c.logger.Debug("dropping malformed frame", "url", c.URL, "err", perr)
			continue
		}
		if c.handler != nil {
			c.handler.HandleFrame(c, msg)
		}
	}
}

// teardown tears the socket down exactly once per transition and, unless
// Close() was called, schedules a reconnect.
func (c *Connection) teardown(cause error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	conn := c.conn
	closeCh := c.closeCh
	closing := c.closing
	c.mu.Unlock()

	if closeCh != nil {
		select {
		case <-closeCh:
		default:
			close(closeCh)
		}
	}
	if conn != nil {
		_ = conn.Close()
	}

	c.notifyDisconnected(cause)

	if !closing {
		c.scheduleReconnect(context.Background())
	}
}

func (c *Connection) scheduleReconnect(ctx context.Context) {
	delay, ok := c.retry.NextDelay()
	if !ok {
		c.logger.Warn("giving up reconnecting", "url", c.URL)
		return
	}
	c.mu.Lock()
	c.state = Reconnecting
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		_ = c.connectOnce(ctx)
	}()
}

// Close disconnects intentionally: no reconnect is scheduled afterward.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closing = true
	if c.state != Connected {
		c.state = Disconnected
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnecting
	conn := c.conn
	closeCh := c.closeCh
	c.mu.Unlock()

	if closeCh != nil {
		select {
		case <-closeCh:
		default:
			close(closeCh)
		}
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()

	c.notifyDisconnected(nil)
	return err
}
