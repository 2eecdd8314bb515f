// Package publish implements the publish engine (C11): sign if needed, route
// the event to its target relay set via the outbox selector (C8), await each
// relay's OK frame, classify and escalate per NIP-20's machine-readable
// prefixes, and persist whatever doesn't reach quorum through the cache
// adapter so it survives for later retry (property #8).
package publish

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter"
	"github.com/nostr-dev-kit/ndk-go/nerrors"
	"github.com/nostr-dev-kit/ndk-go/nevent"
	"github.com/nostr-dev-kit/ndk-go/outbox"
	"github.com/nostr-dev-kit/ndk-go/retry"
	"github.com/nostr-dev-kit/ndk-go/signer"
	"github.com/nostr-dev-kit/ndk-go/wire"
)

// ConnectionSender is the narrow seam the engine needs onto a live relay
// connection: enough to publish an EVENT frame without depending on the
// connection pool's dialing/reconnect concerns.
type ConnectionSender interface {
	Send(data []byte) error
}

// ConnectionProvider resolves (dialing if necessary) the connection for a
// relay URL. ndk.Client's connection pool implements this.
type ConnectionProvider interface {
	Connection(ctx context.Context, relayURL string) (ConnectionSender, error)
}

// Config tunes the engine's retry/escalation behavior.
type Config struct {
	MinSuccessfulRelays int                 // overall status is Succeeded once this many relays accept
	MaxPoWDifficulty    int                 // 0 disables automatic PoW mining
	PerRelayTimeout     time.Duration       // bound on awaiting one relay's OK frame
	RetryParams         retry.Params        // backoff curve for rate-limited responses
	Select              outbox.SelectConfig // bounds the target relay set computed per publish
}

// DefaultConfig mirrors the 30s per-attempt ceiling used throughout the
// corpus for relay round trips. Select has a zero MinRelayCount: by default
// Publish targets exactly the outbox-derived relay set with no fallback
// padding, since that padding is meant for callers whose tracker coverage is
// known to be thin, not the common case of a well-populated tracker.
func DefaultConfig() Config {
	return Config{
		MinSuccessfulRelays: 1,
		MaxPoWDifficulty:    0,
		PerRelayTimeout:     30 * time.Second,
		RetryParams:         retry.DefaultParams(),
		Select:              outbox.SelectConfig{},
	}
}

// RelayStatus is the terminal per-relay outcome of one publish call.
type RelayStatus = cacheadapter.RelayStatus

// Result is what Publish returns: the per-relay outcome map plus rollups.
type Result struct {
	EventID       string
	Statuses      map[string]RelayStatus
	SuccessCount  int
	FailureCount  int
	PoWDifficulty int // highest PoW difficulty across statuses (mined for an accepting relay, or still required by a NeedsPoW one), 0 if none
}

// Engine is the publish orchestrator (C11).
type Engine struct {
	signer   signer.Signer
	selector *outbox.Selector
	adapter  cacheadapter.Adapter
	conns    ConnectionProvider
	cfg      Config

	mu       sync.Mutex
	cancels  map[string][]cancelEntry // event id -> in-flight attempt cancels
	cancelID int

	ackMu sync.Mutex
	acks  map[ackKey]*pendingAck
}

type cancelEntry struct {
	id     int
	cancel context.CancelFunc
}

// NewEngine builds an Engine. adapter may be nil only if the caller never
// expects durability for events that miss quorum (not recommended).
func NewEngine(s signer.Signer, selector *outbox.Selector, adapter cacheadapter.Adapter, conns ConnectionProvider, cfg Config) *Engine {
	return &Engine{
		signer:   s,
		selector: selector,
		adapter:  adapter,
		conns:    conns,
		cfg:      cfg,
		cancels:  make(map[string][]cancelEntry),
		acks:     make(map[ackKey]*pendingAck),
	}
}

// pendingAck is where a relay's in-flight publish attempt waits for its OK.
type pendingAck struct {
	ch chan *wire.OKMessage
}

// ackKey identifies one awaited OK within an Engine's acks map by (relay URL,
// event id), so NotifyOK can route without the connection layer knowing about
// publishing.
type ackKey struct {
	relay   string
	eventID string
}

// NotifyOK is called by whatever receives relay->client OK frames (normally
// ndk.Client, forwarding from relaysub.Manager's Sink.HandleOK) to wake up
// the attempt awaiting it. A notification with no waiter is dropped.
func (e *Engine) NotifyOK(relayURL string, ok *wire.OKMessage) {
	e.ackMu.Lock()
	p, found := e.acks[ackKey{relay: relayURL, eventID: ok.EventID}]
	e.ackMu.Unlock()
	if !found {
		return
	}
	select {
	case p.ch <- ok:
	default:
	}
}

// TargetOverride, when non-empty, replaces the selector-computed relay set.
type PublishOptions struct {
	TargetOverride []string
}

// Publish signs evt if unsigned, computes its target relay set, and fans the
// publish out to every target concurrently, classifying and escalating each
// relay's OK response independently. Events that do not reach
// MinSuccessfulRelays are handed to the cache adapter as unpublished.
func (e *Engine) Publish(ctx context.Context, evt *nevent.Event, opts PublishOptions) (*Result, error) {
	if evt.Sig == "" {
		if err := e.sign(ctx, evt); err != nil {
			return nil, err
		}
	}
	if evt.ID == "" {
		if err := evt.Finalize(); err != nil {
			return nil, nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidEventID, err)
		}
	}

	targets := opts.TargetOverride
	if len(targets) == 0 {
		targets = e.selector.SelectForPublishing(evt, e.cfg.Select).Relays
	}

	attemptCtx, cancelAll := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelID++
	entryID := e.cancelID
	e.cancels[evt.ID] = append(e.cancels[evt.ID], cancelEntry{id: entryID, cancel: cancelAll})
	e.mu.Unlock()
	defer e.releaseCancel(evt.ID, entryID)

	var wg sync.WaitGroup
	resultsCh := make(chan struct {
		relay  string
		status RelayStatus
	}, len(targets))

	for _, relayURL := range targets {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			status := e.publishToRelay(attemptCtx, evt, relayURL)
			resultsCh <- struct {
				relay  string
				status RelayStatus
			}{relayURL, status}
		}(relayURL)
	}

	wg.Wait()
	close(resultsCh)

	res := &Result{EventID: evt.ID, Statuses: make(map[string]RelayStatus, len(targets))}
	for r := range resultsCh {
		res.Statuses[r.relay] = r.status
		switch r.status.Status {
		case cacheadapter.StatusSucceeded:
			res.SuccessCount++
		default:
			res.FailureCount++
		}
		if r.status.Difficulty > res.PoWDifficulty {
			res.PoWDifficulty = r.status.Difficulty
		}
	}

	if res.SuccessCount < e.cfg.MinSuccessfulRelays && e.adapter != nil {
		if err := e.adapter.StoreUnpublished(ctx, evt, targets); err == nil {
			for relayURL, status := range res.Statuses {
				_ = e.adapter.UpdateUnpublishedStatus(ctx, evt.ID, relayURL, status)
			}
		}
	} else if e.adapter != nil {
		_ = e.adapter.MarkPublished(ctx, evt.ID)
	}

	return res, nil
}

// Cancel aborts every in-flight attempt for eventID; attempts already
// terminal are unaffected.
func (e *Engine) Cancel(eventID string) {
	e.mu.Lock()
	cancels := e.cancels[eventID]
	delete(e.cancels, eventID)
	e.mu.Unlock()
	for _, c := range cancels {
		c.cancel()
	}
}

func (e *Engine) releaseCancel(eventID string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var remaining []cancelEntry
	for _, c := range e.cancels[eventID] {
		if c.id != id {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(e.cancels, eventID)
	} else {
		e.cancels[eventID] = remaining
	}
}

func (e *Engine) sign(ctx context.Context, evt *nevent.Event) error {
	if e.signer == nil {
		return nerrors.New(nerrors.Crypto, nerrors.CodeSigningFailed).With("reason", "no signer configured")
	}
	pub, err := e.signer.PubKey(ctx)
	if err != nil {
		return nerrors.Wrap(nerrors.Crypto, nerrors.CodeSigningFailed, err)
	}
	evt.PubKey = pub
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	digest, err := evt.ComputeIDBytes()
	if err != nil {
		return nerrors.Wrap(nerrors.Validation, nerrors.CodeInvalidEventID, err)
	}
	sig, err := e.signer.Sign(ctx, digest[:])
	if err != nil {
		return nerrors.Wrap(nerrors.Crypto, nerrors.CodeSigningFailed, err)
	}
	evt.ID = hex.EncodeToString(digest[:])
	evt.Sig = sig
	return nil
}

// publishToRelay drives one relay's attempt to terminal status: send, await
// OK, classify, and escalate (PoW re-mine, rate-limit backoff) within the
// policy's bounds.
func (e *Engine) publishToRelay(ctx context.Context, evt *nevent.Event, relayURL string) RelayStatus {
	conn, err := e.conns.Connection(ctx, relayURL)
	if err != nil {
		return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusFailed, Reason: err.Error()}
	}

	policy := retry.New(e.cfg.RetryParams)
	minedDifficulty := 0

	for {
		ok, err := e.sendAndAwait(ctx, conn, evt, relayURL)
		if err != nil {
			return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusFailed, Reason: err.Error()}
		}

		if ok.Accepted {
			return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusSucceeded, Difficulty: minedDifficulty}
		}

		switch ok.Prefix {
		case wire.PrefixPow:
			difficulty := parseDifficulty(ok.Message)
			if difficulty <= 0 || e.cfg.MaxPoWDifficulty <= 0 || difficulty > e.cfg.MaxPoWDifficulty {
				return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusNeedsPoW, Reason: ok.Message, Difficulty: difficulty}
			}
			if _, mined := minePoW(evt, difficulty, 1<<24); !mined {
				return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusNeedsPoW, Reason: ok.Message, Difficulty: difficulty}
			}
			digest, derr := evt.ComputeIDBytes()
			if derr != nil {
				return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusFailed, Reason: derr.Error()}
			}
			sig, serr := e.signer.Sign(ctx, digest[:])
			if serr != nil {
				return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusFailed, Reason: serr.Error()}
			}
			evt.ID = hex.EncodeToString(digest[:])
			evt.Sig = sig
			minedDifficulty = difficulty
			continue

		case wire.PrefixRateLimited:
			delay, retryable := policy.NextDelay()
			if !retryable {
				return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusRateLimited, Reason: ok.Message}
			}
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusCancelled, Reason: ctx.Err().Error()}
			}

		case wire.PrefixAuthRequired:
			return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusFailed, Reason: ok.Message}

		default:
			return RelayStatus{Relay: relayURL, Status: cacheadapter.StatusFailed, Reason: ok.Message}
		}
	}
}

func (e *Engine) sendAndAwait(ctx context.Context, conn ConnectionSender, evt *nevent.Event, relayURL string) (*wire.OKMessage, error) {
	data, err := wire.EncodeEvent(evt)
	if err != nil {
		return nil, nerrors.Wrap(nerrors.Protocol, nerrors.CodeInvalidMessage, err)
	}

	p := &pendingAck{ch: make(chan *wire.OKMessage, 1)}
	key := ackKey{relay: relayURL, eventID: evt.ID}
	e.ackMu.Lock()
	e.acks[key] = p
	e.ackMu.Unlock()
	defer func() {
		e.ackMu.Lock()
		delete(e.acks, key)
		e.ackMu.Unlock()
	}()

	if err := conn.Send(data); err != nil {
		return nil, nerrors.Wrap(nerrors.Network, nerrors.CodeConnectionLost, err).With("relay", relayURL)
	}

	timeout := e.cfg.PerRelayTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-p.ch:
		return ok, nil
	case <-timer.C:
		return nil, nerrors.New(nerrors.Network, nerrors.CodeTimeout).With("relay", relayURL).With("event_id", evt.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parseDifficulty extracts the integer difficulty from a "pow: difficulty 8
// required" style message. Returns 0 if no integer token is present.
func parseDifficulty(msg string) int {
	for _, tok := range strings.Fields(msg) {
		if n, err := strconv.Atoi(strings.Trim(tok, ".,:")); err == nil {
			return n
		}
	}
	return 0
}
