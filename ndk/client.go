// Package ndk implements the global subscription manager (C10): the
// top-level orchestrator that owns every logical subscription, fans fetches
// out across relays via the outbox router and the per-relay subscription
// manager, deduplicates inbound events, tracks EOSE quorum per subscription,
// and exposes a publish path through the publish engine. This is the
// client-facing entry point of the module, modeled on
// asmogo-nws/protocol/pool.go's SimplePool.
package ndk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter"
	"github.com/nostr-dev-kit/ndk-go/dedup"
	"github.com/nostr-dev-kit/ndk-go/iterator"
	"github.com/nostr-dev-kit/ndk-go/nerrors"
	"github.com/nostr-dev-kit/ndk-go/nevent"
	"github.com/nostr-dev-kit/ndk-go/outbox"
	"github.com/nostr-dev-kit/ndk-go/publish"
	"github.com/nostr-dev-kit/ndk-go/relay"
	"github.com/nostr-dev-kit/ndk-go/relaysub"
	"github.com/nostr-dev-kit/ndk-go/retry"
	"github.com/nostr-dev-kit/ndk-go/signer"
	"github.com/nostr-dev-kit/ndk-go/wire"
)

// relayState bundles one relay's live connection, its subscription manager,
// and the debounce timer that implements the grouping-delay batch window.
type relayState struct {
	mgr *relaysub.Manager

	flushMu    sync.Mutex
	flushTimer *time.Timer
}

// subState is everything the client tracks for one logical subscription.
type subState struct {
	sub    *nevent.Subscription
	stream *iterator.Stream

	mu          sync.Mutex
	targetRelays map[string]struct{}
	eoseFrom     map[string]struct{}
	createdAt    time.Time
	lastEventAt  time.Time
	eventCount   int
	eoseEmitted  bool
}

// Client is the global subscription manager (C10).
type Client struct {
	cfg    Config
	logger *slog.Logger

	cache    cacheadapter.Adapter
	dedup    *dedup.Deduplicator
	tracker  *outbox.Tracker
	selector *outbox.Selector
	publish  *publish.Engine

	relays *xsync.MapOf[string, *relayState]
	subs   *xsync.MapOf[string, *subState]
}

// New builds a Client. signer may be nil if the caller never intends to
// publish (Publish will then fail with crypto.signing_failed on first use).
func New(cache cacheadapter.Adapter, s signer.Signer, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	tracker := outbox.NewTracker(cfg.Blacklist)
	sel := outbox.NewSelector(tracker, outbox.NewRanker(tracker, cfg.rankWeights()))

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		cache:    cache,
		dedup:    dedup.New(cfg.dedupConfig()),
		tracker:  tracker,
		selector: sel,
		relays:   xsync.NewMapOf[string, *relayState](),
		subs:     xsync.NewMapOf[string, *subState](),
	}
	tracker.SetFetcher(c)
	c.publish = publish.NewEngine(s, sel, cache, c, cfg.Publish)
	return c
}

// Tracker exposes the outbox relay-list tracker, e.g. so callers can Track
// relay hints learned out-of-band (a freshly received kind-10002 event).
func (c *Client) Tracker() *outbox.Tracker { return c.tracker }

// Dedup exposes the deduplicator's stats for observability.
func (c *Client) Dedup() *dedup.Deduplicator { return c.dedup }

// EnsureRelay returns the relayState for rawURL, dialing a fresh connection
// if one doesn't already exist. Concurrent calls for the same relay race
// harmlessly onto xsync.MapOf's LoadOrStore semantics: at most one wins.
func (c *Client) EnsureRelay(ctx context.Context, rawURL string) (*relayState, error) {
	normalized, err := relay.Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	if rs, ok := c.relays.Load(normalized); ok {
		return rs, nil
	}

	mgr, err := relaysub.Open(normalized, c, retry.New(c.cfg.RelayRetry), c.logger)
	if err != nil {
		return nil, err
	}
	rs := &relayState{mgr: mgr}
	actual, loaded := c.relays.LoadOrStore(normalized, rs)
	if loaded {
		return actual, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := mgr.Connection().Connect(connectCtx); err != nil {
		c.logger.Debug("initial relay connect failed, will retry in background", "url", normalized, "err", err)
	}
	return rs, nil
}

// Connection implements publish.ConnectionProvider.
func (c *Client) Connection(ctx context.Context, relayURL string) (publish.ConnectionSender, error) {
	rs, err := c.EnsureRelay(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	return rs.mgr.Connection(), nil
}

// Publish signs evt if unsigned and routes it through the publish engine.
func (c *Client) Publish(ctx context.Context, evt *nevent.Event, opts publish.PublishOptions) (*publish.Result, error) {
	return c.publish.Publish(ctx, evt, opts)
}

// CancelPublish aborts every in-flight publish attempt for eventID.
func (c *Client) CancelPublish(eventID string) {
	c.publish.Cancel(eventID)
}

// Subscribe opens a logical subscription: it validates filters, consults the
// cache per cfg.Strategy, and (unless CacheOnly) fans the subscription out
// across the relay set the outbox selector computes, batching short bursts
// of target-relay REQs within the grouping-delay window before flushing.
func (c *Client) Subscribe(ctx context.Context, filters []nevent.Filter, cfg nevent.Config) (*iterator.Stream, error) {
	sub, err := nevent.New(uuid.New().String(), filters, cfg)
	if err != nil {
		return nil, err
	}

	st := &subState{
		sub:          sub,
		targetRelays: make(map[string]struct{}),
		eoseFrom:     make(map[string]struct{}),
		createdAt:    time.Now(),
	}
	stream := iterator.New(func() { c.unsubscribeInternal(sub.ID) }, c.logger)
	st.stream = stream
	c.subs.Store(sub.ID, st)

	switch cfg.Strategy {
	case nevent.CacheOnly:
		c.runCachePass(ctx, st)
		c.finishSubscription(st)
		return stream, nil
	case nevent.CacheFirst:
		c.runCachePass(ctx, st)
	case nevent.Parallel:
		go c.runCachePass(ctx, st)
	}

	targets := cfg.RelayPinSet
	if len(targets) == 0 {
		targets = c.selectTargetsForFilters(filters)
	}
	if len(targets) == 0 {
		targets = outbox.DefaultFallbackRelays
	}

	st.mu.Lock()
	for _, url := range targets {
		st.targetRelays[url] = struct{}{}
	}
	st.mu.Unlock()

	for _, url := range targets {
		rs, err := c.EnsureRelay(ctx, url)
		if err != nil {
			c.logger.Debug("skipping unreachable relay for subscription", "url", url, "err", err)
			continue
		}
		rs.mgr.Subscribe(sub.ID, filters, cfg.CloseOnEOSE)
		c.scheduleFlush(rs)
	}

	return stream, nil
}

// scheduleFlush debounces Flush for one relay within the grouping-delay
// window, so a burst of Subscribe calls that land within the same window
// still had a chance to merge before any REQ hits the wire.
func (c *Client) scheduleFlush(rs *relayState) {
	rs.flushMu.Lock()
	defer rs.flushMu.Unlock()
	if rs.flushTimer != nil {
		return
	}
	rs.flushTimer = time.AfterFunc(c.cfg.GroupingDelay, func() {
		rs.mgr.Flush()
		rs.flushMu.Lock()
		rs.flushTimer = nil
		rs.flushMu.Unlock()
	})
}

// runCachePass queries the cache adapter for every filter and delivers
// matches straight to st's stream. An event returned by more than one filter
// is delivered once; the deduplicator is not consulted.
func (c *Client) runCachePass(ctx context.Context, st *subState) {
	if c.cache == nil {
		return
	}
	seen := make(map[string]struct{})
	for _, f := range st.sub.Filters {
		events, err := c.cache.Query(ctx, f)
		if err != nil {
			continue
		}
		for _, evt := range events {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			c.deliverToSubscription(st, evt)
		}
	}
}

// Unsubscribe tears down a logical subscription: every relay group it
// belongs to is left (and closed if it was the last member), and its stream
// is closed.
func (c *Client) Unsubscribe(logicalID string) {
	st, ok := c.subs.Load(logicalID)
	if !ok {
		return
	}
	st.stream.Close()
}

func (c *Client) unsubscribeInternal(logicalID string) {
	st, ok := c.subs.LoadAndDelete(logicalID)
	if !ok {
		return
	}
	st.mu.Lock()
	relayURLs := make([]string, 0, len(st.targetRelays))
	for url := range st.targetRelays {
		relayURLs = append(relayURLs, url)
	}
	st.mu.Unlock()

	for _, url := range relayURLs {
		if rs, ok := c.relays.Load(url); ok {
			rs.mgr.Unsubscribe(logicalID)
		}
	}
}

func (c *Client) finishSubscription(st *subState) {
	st.mu.Lock()
	already := st.eoseEmitted
	st.eoseEmitted = true
	st.mu.Unlock()
	if !already {
		st.stream.DeliverEose()
	}
}

// ---- relaysub.Sink ----

var _ relaysub.Sink = (*Client)(nil)

// HandleEvent implements the routing algorithm of spec §4.10: dedup once per
// inbound (event, relay) delivery, then fan the single resulting decision out
// to every subscription this relay push was grouped for.
func (c *Client) HandleEvent(relayURL string, members []string, evt *nevent.Event) {
	if !c.dedup.Process(evt.ID, relayURL) {
		return
	}
	for _, logicalID := range members {
		st, ok := c.subs.Load(logicalID)
		if !ok {
			continue
		}
		if !st.sub.MatchesAny(evt) {
			continue
		}
		c.deliverToSubscription(st, evt)
	}
}

func (c *Client) deliverToSubscription(st *subState, evt *nevent.Event) {
	st.mu.Lock()
	st.lastEventAt = time.Now()
	st.eventCount++
	limitHit := st.sub.Config.EventLimit > 0 && st.eventCount >= st.sub.Config.EventLimit
	st.mu.Unlock()

	st.stream.Deliver(evt)
	if c.cache != nil {
		_ = c.cache.Save(context.Background(), evt)
	}
	if limitHit {
		c.Unsubscribe(st.sub.ID)
	}
}

// HandleEose accumulates per-relay EOSE for every member subscription and
// emits the consumer-facing EOSE once quorum is reached: eose_timeout_ratio
// of target relays have reported EOSE, the last event (if any) was at least
// 20ms ago, and the subscription itself is at least 100ms old.
func (c *Client) HandleEose(relayURL string, members []string) {
	for _, logicalID := range members {
		st, ok := c.subs.Load(logicalID)
		if !ok {
			continue
		}
		c.maybeEmitEose(st, relayURL)
	}
}

func (c *Client) maybeEmitEose(st *subState, relayURL string) {
	st.mu.Lock()
	if st.eoseEmitted {
		st.mu.Unlock()
		return
	}
	st.eoseFrom[relayURL] = struct{}{}
	targetCount := len(st.targetRelays)
	eoseCount := len(st.eoseFrom)
	lastEventAt := st.lastEventAt
	createdAt := st.createdAt
	st.mu.Unlock()

	if targetCount == 0 {
		return
	}
	ratio := float64(eoseCount) / float64(targetCount)
	if ratio < c.cfg.EoseTimeoutRatio {
		return
	}
	if !lastEventAt.IsZero() && time.Since(lastEventAt) < 20*time.Millisecond {
		return
	}
	if time.Since(createdAt) < 100*time.Millisecond {
		return
	}

	st.mu.Lock()
	already := st.eoseEmitted
	st.eoseEmitted = true
	st.mu.Unlock()
	if !already {
		st.stream.DeliverEose()
	}
}

// HandleOK forwards publish acknowledgements to the publish engine.
func (c *Client) HandleOK(relayURL string, ok *wire.OKMessage) {
	c.publish.NotifyOK(relayURL, ok)
}

// HandleNotice logs human-readable relay messages; the core has no other use for them.
func (c *Client) HandleNotice(relayURL string, notice *wire.NoticeMessage) {
	c.logger.Debug("relay notice", "url", relayURL, "message", notice.Message)
}

// HandleCount is a no-op: COUNT requests are not issued by this client yet.
func (c *Client) HandleCount(relayURL string, count *wire.CountMessage) {}

// HandleAuth is a no-op: NIP-42 challenge/response is out of core scope.
func (c *Client) HandleAuth(relayURL string, auth *wire.AuthMessage) {}

// ConnectionUp updates outbox relay-health telemetry on a successful connect.
func (c *Client) ConnectionUp(relayURL string) {
	c.tracker.UpdateRelayMetadata(relayURL, outbox.RelayMetadata{LastConnectedAt: time.Now()})
}

// ConnectionDown records one failure in the outbox relay-health telemetry on
// disconnect. Subscriptions' EOSE tracking is left unchanged: the relay still
// counts among their target relays.
func (c *Client) ConnectionDown(relayURL string, cause error) {
	c.tracker.UpdateRelayMetadata(relayURL, outbox.RelayMetadata{FailureCount: 1})
}

// ---- outbox.EventFetcher ----

var _ outbox.EventFetcher = (*Client)(nil)

// FetchReplaceableEvent opens a short-lived Parallel subscription
// for the latest kind event by pubkey and returns the newest result, backing
// outbox.Tracker.EnsureRelays's NIP-65/contact-list discovery.
func (c *Client) FetchReplaceableEvent(ctx context.Context, pubkey string, kind int) (*nevent.Event, error) {
	limit := 1
	filter := nevent.Filter{Authors: []string{pubkey}, Kinds: []int{kind}, Limit: &limit}
	stream, err := c.Subscribe(ctx, []nevent.Filter{filter}, nevent.Config{
		Strategy:    nevent.Parallel,
		CloseOnEOSE: true,
		EventLimit:  1,
		Timeout:     10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	deadline := 10 * time.Second
	if cfgDeadline, ok := ctx.Deadline(); ok {
		if d := time.Until(cfgDeadline); d > 0 && d < deadline {
			deadline = d
		}
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var best *nevent.Event
	for {
		select {
		case evt, ok := <-stream.Events():
			if !ok {
				return best, nil
			}
			if best == nil || evt.CreatedAt > best.CreatedAt {
				best = evt
			}
		case <-stream.Updates():
			// drained alongside Events(); the tagged-union channel carries the
			// same Eose/Error signal Events() alone wouldn't surface.
		case <-ctx.Done():
			return best, nerrors.Wrap(nerrors.Network, nerrors.CodeTimeout, ctx.Err())
		case <-timer.C:
			return best, nil
		}
	}
}

// selectTargetsForFilters unions each filter's select_for_fetching relay
// set, since the outbox selector works one filter at a time but Subscribe
// takes a batch.
func (c *Client) selectTargetsForFilters(filters []nevent.Filter) []string {
	cfg := c.cfg.selectConfig()
	seen := make(map[string]struct{})
	var out []string
	for _, f := range filters {
		for _, url := range c.selector.SelectForFetching(f, cfg).Relays {
			if _, ok := seen[url]; !ok {
				seen[url] = struct{}{}
				out = append(out, url)
			}
		}
	}
	return out
}

func authorsOf(filters []nevent.Filter) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range filters {
		for _, a := range f.Authors {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}
