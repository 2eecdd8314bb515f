// Package cacheadapter defines the Adapter interface the core consumes for
// event storage and unpublished-event persistence, plus the reference
// in-memory implementation under cacheadapter/memory.
package cacheadapter

import (
	"context"
	"time"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// UnpublishedStatus is the per-relay status tracked for an event that has
// not yet (or not fully) reached its target relays.
type UnpublishedStatus int

const (
	StatusPending UnpublishedStatus = iota
	StatusSucceeded
	StatusFailed
	StatusRateLimited
	StatusNeedsPoW
	StatusCancelled
)

// RelayStatus pairs a target relay with its current publish status.
type RelayStatus struct {
	Relay      string
	Status     UnpublishedStatus
	Reason     string
	Difficulty int // meaningful only when Status == StatusNeedsPoW
}

// UnpublishedEvent is the persisted-state layout described by spec §6: one
// record per event id, body {event, target_relays, statuses, created_at, attempts}.
type UnpublishedEvent struct {
	Event        *nevent.Event
	TargetRelays []string
	Statuses     []RelayStatus
	CreatedAt    time.Time
	Attempts     int
}

// Adapter is the interface the core consumes for event storage. query/save
// back local-first subscription strategies (CacheOnly/CacheFirst/Parallel);
// the store_unpublished/update_unpublished_status/list_unpublished/
// mark_published group backs the publish engine's durability guarantee
// (property #8).
type Adapter interface {
	Query(ctx context.Context, filter nevent.Filter) ([]*nevent.Event, error)
	Save(ctx context.Context, evt *nevent.Event) error

	StoreUnpublished(ctx context.Context, evt *nevent.Event, targetRelays []string) error
	UpdateUnpublishedStatus(ctx context.Context, eventID, relayURL string, status RelayStatus) error
	ListUnpublished(ctx context.Context) ([]*UnpublishedEvent, error)
	MarkPublished(ctx context.Context, eventID string) error
}
