// Package outbox implements the NIP-65 outbox model: per-author relay-list
// tracking (C6), health/coverage/latency ranking (C7), and relay-set
// selection for publish/fetch (C8).
package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// Source identifies where a RelayInfo entry's data came from.
type Source int

const (
	SourceNip65 Source = iota
	SourceContactList
	SourceManual
)

// RelayInfo is the per-author outbox cache entry.
type RelayInfo struct {
	PubKey      string
	ReadRelays  []string
	WriteRelays []string
	Source      Source
	CachedAt    time.Time
}

// Kind selects which projection of a RelayInfo get_relays returns.
type Kind int

const (
	Read Kind = iota
	Write
	Both
)

// RelayMetadata is health telemetry for one relay URL.
type RelayMetadata struct {
	Score           float64
	LastConnectedAt time.Time
	LastSampleAt    time.Time
	AvgResponseTime time.Duration
	FailureCount    int
	AuthRequired    bool
	PaymentRequired bool
}

// EventFetcher resolves the NIP-65 (kind-10002) and contact-list (kind-3)
// events the tracker needs for a background fetch. It is a thin seam onto
// whatever fetch path ndk.Client already owns (cache + relay fan-out);
// outbox never dials a relay itself.
type EventFetcher interface {
	FetchReplaceableEvent(ctx context.Context, pubkey string, kind int) (*nevent.Event, error)
}

// Tracker owns per-author outbox entries and relay health telemetry. Both
// maps are xsync.MapOf, the same concurrent-map choice asmogo-nws/protocol/
// pool.go makes for its relay/subscription bookkeeping: entries and metadata
// are read on every ranking pass and written from background fetches and
// connection telemetry concurrently, so a single RWMutex would serialize
// reads against a comparatively rare writer far more than necessary.
type Tracker struct {
	entries  *xsync.MapOf[string, *RelayInfo]
	metadata *xsync.MapOf[string, *RelayMetadata]

	blacklist map[string]struct{} // built once at construction, never mutated after

	fetcherMu sync.RWMutex
	fetcher   EventFetcher

	// inflight coalesces concurrent EnsureRelays misses for the same pubkey
	// onto a single fetch, mirroring exit/mutex.go's MutexMap idiom
	// generalized from per-key locking to per-key one-shot coalescing.
	inflight *xsync.MapOf[string, *sync.WaitGroup]
}

// NewTracker builds a Tracker with the given blacklist of relay URLs that
// must never appear in a tracked entry.
func NewTracker(blacklist []string) *Tracker {
	bl := make(map[string]struct{}, len(blacklist))
	for _, u := range blacklist {
		bl[u] = struct{}{}
	}
	return &Tracker{
		entries:   xsync.NewMapOf[string, *RelayInfo](),
		metadata:  xsync.NewMapOf[string, *RelayMetadata](),
		blacklist: bl,
		inflight:  xsync.NewMapOf[string, *sync.WaitGroup](),
	}
}

// SetFetcher installs the collaborator used for background NIP-65/contact-list lookups.
func (t *Tracker) SetFetcher(f EventFetcher) {
	t.fetcherMu.Lock()
	defer t.fetcherMu.Unlock()
	t.fetcher = f
}

// Allowed filters urls against the tracker's blacklist, for callers (like the
// publish target-set builder) assembling candidate lists from sources that
// bypass Track.
func (t *Tracker) Allowed(urls []string) []string {
	return t.filterBlacklisted(urls)
}

func (t *Tracker) filterBlacklisted(urls []string) []string {
	if len(t.blacklist) == 0 {
		return append([]string(nil), urls...)
	}
	return lo.Filter(urls, func(u string, _ int) bool {
		_, blocked := t.blacklist[u]
		return !blocked
	})
}

// Track inserts or updates pubkey's relay lists, filtering blacklisted URLs.
func (t *Tracker) Track(pubkey string, readRelays, writeRelays []string, source Source) *RelayInfo {
	info := &RelayInfo{
		PubKey:      pubkey,
		ReadRelays:  t.filterBlacklisted(readRelays),
		WriteRelays: t.filterBlacklisted(writeRelays),
		Source:      source,
		CachedAt:    time.Now(),
	}
	t.entries.Store(pubkey, info)
	return info
}

// GetRelays returns a projection of the cached entry for pubkey, or
// (nil, false) if nothing is cached yet.
func (t *Tracker) GetRelays(pubkey string, kind Kind) ([]string, bool) {
	info, ok := t.entries.Load(pubkey)
	if !ok {
		return nil, false
	}
	switch kind {
	case Read:
		return info.ReadRelays, true
	case Write:
		return info.WriteRelays, true
	default:
		return lo.Uniq(append(append([]string(nil), info.ReadRelays...), info.WriteRelays...)), true
	}
}

// Entry returns the full cached RelayInfo for pubkey, if present.
func (t *Tracker) Entry(pubkey string) (*RelayInfo, bool) {
	return t.entries.Load(pubkey)
}

// KindRelayListMetadata and KindContactList are the replaceable event kinds
// EnsureRelays fetches, and the kind SelectForPublishing checks to apply the
// kind-10002 "also include the author's read relays" union term.
const KindRelayListMetadata = 10002
const KindContactList = 3

// EnsureRelays returns the cached entry for pubkey, fetching it in the
// background on a miss: NIP-65 (kind-10002) first, falling back to the
// contact list (kind-3) relay hints on its absence. Concurrent calls for the
// same pubkey coalesce onto a single in-flight fetch via an atomic
// LoadOrStore on the inflight map: only the caller that actually stores the
// WaitGroup performs the fetch, every other caller waits on it.
func (t *Tracker) EnsureRelays(ctx context.Context, pubkey string) (*RelayInfo, error) {
	if info, ok := t.Entry(pubkey); ok {
		return info, nil
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	actual, loaded := t.inflight.LoadOrStore(pubkey, wg)
	if loaded {
		actual.Wait()
		info, _ := t.Entry(pubkey)
		return info, nil
	}

	defer func() {
		t.inflight.Delete(pubkey)
		wg.Done()
	}()

	t.fetcherMu.RLock()
	fetcher := t.fetcher
	t.fetcherMu.RUnlock()
	if fetcher == nil {
		return nil, nil
	}

	if evt, err := fetcher.FetchReplaceableEvent(ctx, pubkey, KindRelayListMetadata); err == nil && evt != nil {
		read, write := parseRelayListTags(evt.Tags)
		return t.Track(pubkey, read, write, SourceNip65), nil
	}

	if evt, err := fetcher.FetchReplaceableEvent(ctx, pubkey, KindContactList); err == nil && evt != nil {
		read, write := parseContactListContent(evt.Content)
		return t.Track(pubkey, read, write, SourceContactList), nil
	}

	return nil, nil
}

// parseRelayListTags reads NIP-65 "r" tags: ["r", url] or ["r", url, "read"|"write"].
func parseRelayListTags(tags nevent.Tags) (read, write []string) {
	for _, tag := range tags {
		if tag.Name() != "r" || len(tag) < 2 {
			continue
		}
		url := tag[1]
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			read = append(read, url)
		case "write":
			write = append(write, url)
		default:
			read = append(read, url)
			write = append(write, url)
		}
	}
	return read, write
}

// parseContactListContent reads the legacy NIP-02 relay-hint JSON object
// sometimes present in a kind-3 event's content:
// {"wss://relay": {"read": true, "write": true}, ...}.
func parseContactListContent(content string) (read, write []string) {
	hints, err := decodeRelayHints(content)
	if err != nil {
		return nil, nil
	}
	for url, rw := range hints {
		if rw.Read {
			read = append(read, url)
		}
		if rw.Write {
			write = append(write, url)
		}
	}
	return read, write
}

// UpdateRelayMetadata merges new telemetry for url into the shared metadata
// table consulted by the ranker. Since metadata is keyed by URL rather than
// duplicated per entry, every cached RelayInfo referencing url observes the
// update the next time it is ranked. The merge uses Compute so a concurrent
// UpdateRelayMetadata for the same url can never read-modify-write a stale
// copy of existing telemetry.
func (t *Tracker) UpdateRelayMetadata(url string, update RelayMetadata) {
	t.metadata.Compute(url, func(existing *RelayMetadata, loaded bool) (*RelayMetadata, bool) {
		if !loaded {
			cp := update
			return &cp, false
		}
		merged := *existing
		if update.LastConnectedAt.After(merged.LastConnectedAt) {
			merged.LastConnectedAt = update.LastConnectedAt
		}
		if update.LastSampleAt.After(merged.LastSampleAt) {
			merged.LastSampleAt = update.LastSampleAt
		}
		merged.AvgResponseTime = update.AvgResponseTime
		merged.FailureCount += update.FailureCount
		merged.AuthRequired = update.AuthRequired
		merged.PaymentRequired = update.PaymentRequired
		merged.Score = update.Score
		return &merged, false
	})
}

// Metadata returns a copy of the telemetry known for url, or the zero value.
func (t *Tracker) Metadata(url string) RelayMetadata {
	if m, ok := t.metadata.Load(url); ok {
		return *m
	}
	return RelayMetadata{}
}

// CoverageFraction returns the fraction of authors (by pubkey) whose cached
// read-or-write relay set includes url. Used by the ranker's coverage term.
func (t *Tracker) CoverageFraction(url string, authors []string) float64 {
	if len(authors) == 0 {
		return 0
	}
	covered := 0
	for _, a := range authors {
		info, ok := t.entries.Load(a)
		if !ok {
			continue
		}
		if lo.Contains(info.ReadRelays, url) || lo.Contains(info.WriteRelays, url) {
			covered++
		}
	}
	return float64(covered) / float64(len(authors))
}

type relayHint struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

func decodeRelayHints(content string) (map[string]relayHint, error) {
	if content == "" {
		return nil, nil
	}
	var hints map[string]relayHint
	if err := json.Unmarshal([]byte(content), &hints); err != nil {
		return nil, err
	}
	return hints, nil
}

// sortedKeys is a small helper kept local to outbox for deterministic iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
