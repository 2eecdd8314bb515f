// Package relaysub implements the per-relay subscription manager (C9): it
// groups logical subscriptions that share a grouping fingerprint into a
// single merged wire REQ, fans EOSE out to every member, replays Running
// subscriptions across a reconnect, and implements relay.FrameHandler so one
// Manager can sit directly behind one relay.Connection.
package relaysub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nostr-dev-kit/ndk-go/nevent"
	"github.com/nostr-dev-kit/ndk-go/relay"
	"github.com/nostr-dev-kit/ndk-go/retry"
	"github.com/nostr-dev-kit/ndk-go/wire"
)

// Status is a RelaySubscription's lifecycle state.
type Status int

const (
	Initial Status = iota
	Pending
	WaitingForConnection
	Running
	EoseSeen
	Closed
)

func (s Status) String() string {
	switch s {
	case Initial:
		return "initial"
	case Pending:
		return "pending"
	case WaitingForConnection:
		return "waiting_for_connection"
	case Running:
		return "running"
	case EoseSeen:
		return "eose_seen"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// RelaySubscription is one merged wire REQ shared by one or more logical
// subscriptions. Invariant: MergedFilters is always the current merge of the
// members' filters.
type RelaySubscription struct {
	WireID        string
	Members       []string
	MergedFilters []nevent.Filter
	CloseOnEOSE   bool
	Status        Status
}

// Sink receives events routed to this manager's groups, fanned out to the
// set of logical subscription ids that should see them. Implementations
// (normally ndk.Client) are responsible for per-subscription filter
// re-matching, dedup, and delivery into consumer iterators.
type Sink interface {
	HandleEvent(relayURL string, members []string, evt *nevent.Event)
	HandleEose(relayURL string, members []string)
	HandleOK(relayURL string, ok *wire.OKMessage)
	HandleNotice(relayURL string, notice *wire.NoticeMessage)
	HandleCount(relayURL string, count *wire.CountMessage)
	HandleAuth(relayURL string, auth *wire.AuthMessage)
	ConnectionUp(relayURL string)
	ConnectionDown(relayURL string, cause error)
}

// member tracks one logical subscription's own filters and close-on-eose
// setting, independent of the group it currently belongs to, so the group's
// merge can be recomputed from scratch when membership changes.
type member struct {
	filters     []nevent.Filter
	closeOnEOSE bool
	wireID      string
}

// Manager owns every RelaySubscription for one relay connection.
type Manager struct {
	mu      sync.Mutex
	conn    *relay.Connection
	sink    Sink
	groups  map[string]*RelaySubscription // wireID -> group
	members map[string]*member            // logical subscription id -> member
}

// NewManager builds a Manager that sends through conn and delivers to sink.
// The Manager should be installed as conn's FrameHandler (it implements
// relay.FrameHandler).
func NewManager(conn *relay.Connection, sink Sink) *Manager {
	return &Manager{
		conn:    conn,
		sink:    sink,
		groups:  make(map[string]*RelaySubscription),
		members: make(map[string]*member),
	}
}

// Open builds a Manager and the relay.Connection it drives in one step,
// wiring the Manager as the connection's FrameHandler. relay.Connection
// requires its handler at construction time, so this constructor exists
// precisely to avoid a two-phase "build manager, then build connection,
// then patch the manager's conn pointer" dance at every call site.
func Open(rawURL string, sink Sink, policy *retry.Policy, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		sink:    sink,
		groups:  make(map[string]*RelaySubscription),
		members: make(map[string]*member),
	}
	conn, err := relay.New(rawURL, m, policy, logger)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return m, nil
}

// Connection returns the relay.Connection this Manager drives.
func (m *Manager) Connection() *relay.Connection {
	return m.conn
}

// groupFingerprint is the grouping key for a logical subscription's whole
// filter set: filters must match pairwise, in order, to be candidates, which
// in practice means "same number of filters, each with the same per-filter
// fingerprint at the same position."
func groupFingerprint(filters []nevent.Filter, closeOnEOSE bool) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		fp := nevent.FingerprintOf(f, closeOnEOSE)
		parts[i] = fp.Kinds + "#" + fp.TagKeys + "#" +
			boolChar(fp.HasAuthors) + boolChar(fp.HasLimit) + boolChar(fp.HasTimeConstrain) + boolChar(fp.CloseOnEOSE)
	}
	return lo.Reduce(parts, func(acc string, p string, _ int) string {
		if acc == "" {
			return p
		}
		return acc + "|" + p
	}, "")
}

func boolChar(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// mergeAll merges a list of per-member filter sets position-wise, returning
// (merged, ok). ok is false if any position fails to merge (e.g. a limit
// collision, or since > until after merging).
func mergeAll(filterSets [][]nevent.Filter) ([]nevent.Filter, bool) {
	if len(filterSets) == 0 {
		return nil, false
	}
	merged := append([]nevent.Filter(nil), filterSets[0]...)
	for _, set := range filterSets[1:] {
		if len(set) != len(merged) {
			return nil, false
		}
		for i := range merged {
			if !merged[i].Mergeable(set[i]) {
				return nil, false
			}
			merged[i] = merged[i].Merge(set[i])
		}
	}
	return merged, true
}

// Subscribe registers a new logical subscription. It merges into an existing
// Initial or Pending group with a matching fingerprint when possible,
// otherwise opens a fresh group in the Initial status (not yet sent — the
// caller is expected to batch short bursts of Subscribe calls within its own
// grouping-delay window, then call Flush). Returns the wire id of the group
// the subscription ended up in.
func (m *Manager) Subscribe(logicalID string, filters []nevent.Filter, closeOnEOSE bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := groupFingerprint(filters, closeOnEOSE)
	mem := &member{filters: append([]nevent.Filter(nil), filters...), closeOnEOSE: closeOnEOSE}
	m.members[logicalID] = mem

	for _, g := range m.groups {
		if g.Status != Initial && g.Status != Pending {
			continue
		}
		if g.CloseOnEOSE != closeOnEOSE {
			continue
		}
		if groupFingerprint(g.MergedFilters, g.CloseOnEOSE) != fp {
			continue
		}
		merged, ok := mergeAll([][]nevent.Filter{g.MergedFilters, filters})
		if !ok {
			continue
		}
		g.Members = append(g.Members, logicalID)
		g.MergedFilters = merged
		mem.wireID = g.WireID
		if g.Status == Pending {
			m.resend(g)
		}
		return g.WireID
	}

	wireID := uuid.New().String()
	g := &RelaySubscription{
		WireID:        wireID,
		Members:       []string{logicalID},
		MergedFilters: append([]nevent.Filter(nil), filters...),
		CloseOnEOSE:   closeOnEOSE,
		Status:        Initial,
	}
	m.groups[wireID] = g
	mem.wireID = wireID
	return wireID
}

// Flush sends a REQ for every group still in the Initial status, moving them
// to Pending. Callers (ndk.Client) invoke this once their own grouping-delay
// window has elapsed, so concurrent Subscribe calls within that window still
// had a chance to merge before any wire traffic was sent.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Status == Initial {
			m.send(g)
		}
	}
}

func (m *Manager) send(g *RelaySubscription) {
	data, err := wire.EncodeReq(wire.ReqMessage{SubID: g.WireID, Filters: g.MergedFilters})
	if err != nil {
		return
	}
	g.Status = Pending
	_ = m.conn.Send(data)
}

func (m *Manager) resend(g *RelaySubscription) {
	closeData, err := wire.EncodeClose(wire.CloseMessage{SubID: g.WireID})
	if err == nil {
		_ = m.conn.Send(closeData)
	}
	m.send(g)
}

// UpdateFilters replaces logicalID's own filters and recomputes its group's
// merge from every remaining member. A group already sent (Pending, Running,
// or EoseSeen) is updated in place via CLOSE then REQ, since the merge's
// since/until tightening can affect what the stream contains.
func (m *Manager) UpdateFilters(logicalID string, filters []nevent.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[logicalID]
	if !ok {
		return
	}
	mem.filters = append([]nevent.Filter(nil), filters...)
	g, ok := m.groups[mem.wireID]
	if !ok {
		return
	}
	merged := m.recomputeMerge(g)
	g.MergedFilters = merged
	if g.Status == Pending || g.Status == Running || g.Status == EoseSeen {
		m.resend(g)
	}
}

func (m *Manager) recomputeMerge(g *RelaySubscription) []nevent.Filter {
	sets := make([][]nevent.Filter, 0, len(g.Members))
	for _, id := range g.Members {
		if mem, ok := m.members[id]; ok {
			sets = append(sets, mem.filters)
		}
	}
	merged, ok := mergeAll(sets)
	if !ok && len(sets) > 0 {
		return sets[0]
	}
	return merged
}

// Unsubscribe removes logicalID from its group. If the group becomes empty
// it is closed and dropped; otherwise the merge is recomputed from the
// remaining members and, if the group was already sent, re-issued via
// CLOSE+REQ.
func (m *Manager) Unsubscribe(logicalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[logicalID]
	if !ok {
		return
	}
	delete(m.members, logicalID)
	g, ok := m.groups[mem.wireID]
	if !ok {
		return
	}
	g.Members = lo.Without(g.Members, logicalID)
	if len(g.Members) == 0 {
		m.closeGroup(g)
		return
	}
	g.MergedFilters = m.recomputeMerge(g)
	if g.Status == Pending || g.Status == Running || g.Status == EoseSeen {
		m.resend(g)
	}
}

func (m *Manager) closeGroup(g *RelaySubscription) {
	if g.Status != Closed {
		data, err := wire.EncodeClose(wire.CloseMessage{SubID: g.WireID})
		if err == nil {
			_ = m.conn.Send(data)
		}
	}
	g.Status = Closed
	delete(m.groups, g.WireID)
}

// HandleFrame implements relay.FrameHandler.
func (m *Manager) HandleFrame(c *relay.Connection, msg *wire.RelayMessage) {
	switch msg.Type {
	case wire.TypeEvent:
		m.handleEvent(c, msg.Event)
	case wire.TypeEose:
		m.handleEose(c, msg.Eose)
	case wire.TypeOK:
		m.sink.HandleOK(c.URL, msg.OK)
	case wire.TypeNotice:
		m.sink.HandleNotice(c.URL, msg.Notice)
	case wire.TypeCount:
		m.sink.HandleCount(c.URL, msg.Count)
	case wire.TypeAuth:
		m.sink.HandleAuth(c.URL, msg.Auth)
	}
}

func (m *Manager) handleEvent(c *relay.Connection, em *wire.EventMessage) {
	if em == nil || em.SubID == "" {
		return
	}
	m.mu.Lock()
	g, ok := m.groups[em.SubID]
	if ok && g.Status == Pending {
		g.Status = Running
	}
	var members []string
	if ok {
		members = append([]string(nil), g.Members...)
	}
	m.mu.Unlock()
	if ok {
		m.sink.HandleEvent(c.URL, members, em.Event)
	}
}

func (m *Manager) handleEose(c *relay.Connection, eose *wire.EoseMessage) {
	if eose == nil {
		return
	}
	m.mu.Lock()
	g, ok := m.groups[eose.SubID]
	if !ok {
		m.mu.Unlock()
		return
	}
	g.Status = EoseSeen
	members := append([]string(nil), g.Members...)
	closeOnEOSE := g.CloseOnEOSE
	m.mu.Unlock()

	m.sink.HandleEose(c.URL, members)

	if closeOnEOSE {
		m.mu.Lock()
		m.closeGroup(g)
		m.mu.Unlock()
	}
}

// DidConnect implements relay.FrameHandler: every group waiting on this
// connection is re-sent in a single pass. Closed-after-EOSE groups were
// already removed from this map when their EOSE arrived, so they are never
// replayed.
func (m *Manager) DidConnect(c *relay.Connection) {
	m.mu.Lock()
	for _, g := range m.groups {
		if g.Status == WaitingForConnection {
			m.send(g)
		}
	}
	m.mu.Unlock()
	m.sink.ConnectionUp(c.URL)
}

// DidDisconnect implements relay.FrameHandler: every group that was actively
// in flight (Pending, Running, or EoseSeen-but-still-open) transitions to
// WaitingForConnection so DidConnect replays it. Already-Closed groups are
// not touched.
func (m *Manager) DidDisconnect(c *relay.Connection, cause error) {
	m.mu.Lock()
	for _, g := range m.groups {
		switch g.Status {
		case Pending, Running, EoseSeen:
			g.Status = WaitingForConnection
		}
	}
	m.mu.Unlock()
	m.sink.ConnectionDown(c.URL, cause)
}

// Snapshot returns a shallow copy of the groups currently tracked, keyed by
// wire id, for diagnostics and tests.
func (m *Manager) Snapshot() map[string]RelaySubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]RelaySubscription, len(m.groups))
	for k, g := range m.groups {
		out[k] = *g
	}
	return out
}
