// Package dedup implements the global + optional per-relay event-id LRU that
// decides "new vs. duplicate" for inbound events, guaranteeing at-most-once
// delivery of each event id to consumers.
package dedup

import (
	"time"

	"go.uber.org/atomic"

	"github.com/nostr-dev-kit/ndk-go/xlru"
)

// Config selects the LRU's capacity, TTL, and whether per-relay tracking is
// layered on top of the global check.
type Config struct {
	Capacity  int
	TTL       time.Duration
	PerRelay  bool
}

// Default is 10k entries, 1h TTL, global-only tracking.
func Default() Config { return Config{Capacity: 10_000, TTL: time.Hour, PerRelay: false} }

// HighVolume is 50k entries, 30m TTL, with per-relay tracking enabled.
func HighVolume() Config { return Config{Capacity: 50_000, TTL: 30 * time.Minute, PerRelay: true} }

// LowMemory is 1k entries, 10m TTL, global-only tracking.
func LowMemory() Config { return Config{Capacity: 1_000, TTL: 10 * time.Minute, PerRelay: false} }

// Stats are monotonic observability counters. Evictions is not tracked here
// directly: it is read from the underlying LRUs' own eviction callbacks in
// Snapshot, since eviction is driven by their capacity/TTL policy, not by
// any Deduplicator method.
type Stats struct {
	TotalChecks atomic.Uint64
	Duplicates  atomic.Uint64
	Unique      atomic.Uint64
	Hits        atomic.Uint64
	Misses      atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats suitable for logging/export.
type Snapshot struct {
	TotalChecks, Duplicates, Unique, Hits, Misses, Evictions uint64
}

// Deduplicator decides whether an inbound event id has already been seen.
type Deduplicator struct {
	cfg      Config
	global   *xlru.Cache[string, struct{}]
	perRelay *xlru.Cache[string, struct{}] // keyed by relay|eventID
	stats    Stats
}

// New builds a Deduplicator from cfg.
func New(cfg Config) *Deduplicator {
	d := &Deduplicator{cfg: cfg, global: xlru.New[string, struct{}](cfg.Capacity, cfg.TTL)}
	if cfg.PerRelay {
		d.perRelay = xlru.New[string, struct{}](cfg.Capacity, cfg.TTL)
	}
	return d
}

func relayKey(relay, eventID string) string { return relay + "|" + eventID }

// IsDuplicate reports whether eventID has already been marked seen, checking
// the global LRU and, if per-relay tracking is enabled and relay is
// non-empty, the per-relay LRU as well.
func (d *Deduplicator) IsDuplicate(eventID, relay string) bool {
	_, seen := d.global.Get(eventID)
	if seen {
		return true
	}
	if d.cfg.PerRelay && relay != "" {
		_, seen = d.perRelay.Get(relayKey(relay, eventID))
	}
	return seen
}

// MarkSeen records eventID as seen in the global LRU and, if enabled, the
// per-relay LRU.
func (d *Deduplicator) MarkSeen(eventID, relay string) {
	d.global.SetDefault(eventID, struct{}{})
	if d.cfg.PerRelay && relay != "" {
		d.perRelay.SetDefault(relayKey(relay, eventID), struct{}{})
	}
}

// Process is the composite is_duplicate+mark_seen operation: it returns
// false if eventID is a duplicate, else marks it seen and returns true.
// The global check-and-mark is a single atomic GetOrSet, so any interleaving
// of Process calls for the same event id across n relays yields exactly one
// true result and n-1 false results (property #2).
func (d *Deduplicator) Process(eventID, relay string) bool {
	d.stats.TotalChecks.Inc()

	_, alreadyGlobal := d.global.GetOrSet(eventID, struct{}{}, 0)
	if alreadyGlobal {
		d.stats.Duplicates.Inc()
		d.stats.Hits.Inc()
		if d.cfg.PerRelay && relay != "" {
			d.perRelay.SetDefault(relayKey(relay, eventID), struct{}{})
		}
		return false
	}

	d.stats.Unique.Inc()
	d.stats.Misses.Inc()
	if d.cfg.PerRelay && relay != "" {
		d.perRelay.SetDefault(relayKey(relay, eventID), struct{}{})
	}
	return true
}

// Snapshot returns a copy of the current statistics.
func (d *Deduplicator) Snapshot() Snapshot {
	evictions := d.global.EvictionCount()
	if d.perRelay != nil {
		evictions += d.perRelay.EvictionCount()
	}
	return Snapshot{
		TotalChecks: d.stats.TotalChecks.Load(),
		Duplicates:  d.stats.Duplicates.Load(),
		Unique:      d.stats.Unique.Load(),
		Hits:        d.stats.Hits.Load(),
		Misses:      d.stats.Misses.Load(),
		Evictions:   evictions,
	}
}

// CleanupExpired sweeps expired entries out of the underlying LRUs.
func (d *Deduplicator) CleanupExpired() {
	d.global.CleanupExpired()
	if d.perRelay != nil {
		d.perRelay.CleanupExpired()
	}
}
