// Package iterator implements the consumer-facing subscription handle (C12):
// a lazy, cancellable event sequence plus a tagged-union update channel,
// both backed by plain buffered channels per spec §9's channel-per-
// subscription model. No example repo in the corpus uses a finalizer to
// release resources, so closing is explicit (Close) and refcounted via
// sync.Once, mirroring vcavallo-nostr-hypermedia/relay_pool.go's
// Subscription.closeOnce.
package iterator

import (
	"log/slog"
	"sync"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// UpdateKind tags an Update's payload.
type UpdateKind int

const (
	UpdateEvent UpdateKind = iota
	UpdateEose
	UpdateError
)

// Update is the tagged-union value delivered on the Updates() channel.
type Update struct {
	Kind  UpdateKind
	Event *nevent.Event
	Err   error
}

const defaultBufferSize = 64

// Stream is one consumer's handle onto a logical subscription's events.
// Multiple handles may be acquired for the same subscription (via Acquire);
// the subscription closes automatically once every handle has been
// released.
type Stream struct {
	logger *slog.Logger

	events  chan *nevent.Event
	updates chan Update
	eoseCh  chan struct{}
	eoseOne sync.Once

	mu        sync.Mutex // guards isClosed; held across every send to rule out send-on-closed-channel races with Close
	isClosed  bool
	closeOnce sync.Once
	closeFn   func()
	closed    chan struct{}

	refMu sync.Mutex
	refs  int
}

// New builds a Stream backed by bounded channels. closeFn is invoked exactly
// once, when the last handle releases (or Close is called directly on the
// root handle), and is where the owner (ndk.Client) should tear down the
// underlying logical subscription.
func New(closeFn func(), logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		logger:  logger,
		events:  make(chan *nevent.Event, defaultBufferSize),
		updates: make(chan Update, defaultBufferSize),
		eoseCh:  make(chan struct{}),
		closed:  make(chan struct{}),
		closeFn: closeFn,
		refs:    1,
	}
	return s
}

// Acquire increments the handle refcount and returns the same Stream; the
// caller must Close() it independently. Dropping all handles (every Acquire
// balanced by a Close) triggers the one real teardown.
func (s *Stream) Acquire() *Stream {
	s.refMu.Lock()
	s.refs++
	s.refMu.Unlock()
	return s
}

// Events returns the lazy event sequence. Iterating drains the internal
// buffer: this is a single-consumer channel, not a replayable sequence.
func (s *Stream) Events() <-chan *nevent.Event { return s.events }

// Updates returns the tagged-union {Event, Eose, Error} sequence.
func (s *Stream) Updates() <-chan Update { return s.updates }

// Deliver pushes evt to both the event sequence and the update sequence.
// Delivery is non-blocking: per spec §5's "bounded buffer, drop-oldest on
// overflow" contract, a full buffer drops its oldest entry to make room
// rather than blocking the relay's receive loop.
func (s *Stream) Deliver(evt *nevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	dropOldest(s.events, evt, s.logger)
	select {
	case s.updates <- Update{Kind: UpdateEvent, Event: evt}:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- Update{Kind: UpdateEvent, Event: evt}:
		default:
		}
	}
}

func dropOldest(ch chan *nevent.Event, evt *nevent.Event, logger *slog.Logger) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
		logger.Debug("iterator: dropping oldest buffered event to make room")
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}

// DeliverEose signals end-of-stored-events exactly once: it resolves every
// outstanding WaitEose call and appends an Eose update.
func (s *Stream) DeliverEose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	s.eoseOne.Do(func() { close(s.eoseCh) })
	select {
	case s.updates <- Update{Kind: UpdateEose}:
	default:
	}
}

// DeliverError appends a non-recoverable-failure update.
func (s *Stream) DeliverError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return
	}
	select {
	case s.updates <- Update{Kind: UpdateError, Err: err}:
	default:
	}
}

// WaitEose blocks until DeliverEose fires (or the stream is closed),
// resolving exactly once per spec §4.12.
func (s *Stream) WaitEose() {
	select {
	case <-s.eoseCh:
	case <-s.closed:
	}
}

// Close releases one handle. When the last handle is released, both
// channels are closed, any further Deliver* calls become no-ops, and the
// owner's closeFn runs exactly once.
func (s *Stream) Close() {
	s.refMu.Lock()
	s.refs--
	remaining := s.refs
	s.refMu.Unlock()
	if remaining > 0 {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.isClosed = true
		close(s.closed)
		close(s.events)
		close(s.updates)
		s.mu.Unlock()
		s.eoseOne.Do(func() { close(s.eoseCh) })
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}
