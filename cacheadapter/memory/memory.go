// Package memory is the reference in-process cacheadapter.Adapter: a plain
// map guarded by a single RWMutex, with a per-event-id MutexMap (modeled on
// asmogo-nws/exit/mutex.go) serializing status updates for one unpublished
// event without blocking updates to unrelated events.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter"
	"github.com/nostr-dev-kit/ndk-go/nerrors"
	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// mutexMap hands out a per-key *sync.Mutex, lazily created.
type mutexMap struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newMutexMap() *mutexMap { return &mutexMap{m: make(map[string]*sync.Mutex)} }

func (mm *mutexMap) lock(id string) *sync.Mutex {
	mm.mu.Lock()
	l, ok := mm.m[id]
	if !ok {
		l = &sync.Mutex{}
		mm.m[id] = l
	}
	mm.mu.Unlock()
	l.Lock()
	return l
}

// Adapter is an in-memory cacheadapter.Adapter.
type Adapter struct {
	mu     sync.RWMutex
	events map[string]*nevent.Event
	unpub  map[string]*cacheadapter.UnpublishedEvent

	perEvent *mutexMap
}

// New builds an empty Adapter.
func New() *Adapter {
	return &Adapter{
		events:   make(map[string]*nevent.Event),
		unpub:    make(map[string]*cacheadapter.UnpublishedEvent),
		perEvent: newMutexMap(),
	}
}

var _ cacheadapter.Adapter = (*Adapter)(nil)

// Query returns every stored event matching filter.
func (a *Adapter) Query(_ context.Context, filter nevent.Filter) ([]*nevent.Event, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*nevent.Event
	for _, e := range a.events {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Save stores (or overwrites) evt by id.
func (a *Adapter) Save(_ context.Context, evt *nevent.Event) error {
	if evt == nil || evt.ID == "" {
		return nerrors.New(nerrors.Validation, nerrors.CodeInvalidEventID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[evt.ID] = evt
	return nil
}

// StoreUnpublished records evt as not yet (fully) delivered to targetRelays.
func (a *Adapter) StoreUnpublished(_ context.Context, evt *nevent.Event, targetRelays []string) error {
	lock := a.perEvent.lock(evt.ID)
	defer lock.Unlock()

	statuses := make([]cacheadapter.RelayStatus, len(targetRelays))
	for i, r := range targetRelays {
		statuses[i] = cacheadapter.RelayStatus{Relay: r, Status: cacheadapter.StatusPending}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpub[evt.ID] = &cacheadapter.UnpublishedEvent{
		Event:        evt,
		TargetRelays: append([]string(nil), targetRelays...),
		Statuses:     statuses,
		CreatedAt:    time.Now(),
	}
	return nil
}

// UpdateUnpublishedStatus updates eventID's per-relay status, incrementing
// its attempt counter.
func (a *Adapter) UpdateUnpublishedStatus(_ context.Context, eventID, relayURL string, status cacheadapter.RelayStatus) error {
	lock := a.perEvent.lock(eventID)
	defer lock.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.unpub[eventID]
	if !ok {
		return nerrors.New(nerrors.Storage, nerrors.CodeFileNotFound).With("event_id", eventID)
	}
	status.Relay = relayURL
	found := false
	for i, s := range rec.Statuses {
		if s.Relay == relayURL {
			rec.Statuses[i] = status
			found = true
			break
		}
	}
	if !found {
		rec.Statuses = append(rec.Statuses, status)
	}
	rec.Attempts++
	return nil
}

// ListUnpublished returns every event not yet marked published.
func (a *Adapter) ListUnpublished(_ context.Context) ([]*cacheadapter.UnpublishedEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*cacheadapter.UnpublishedEvent, 0, len(a.unpub))
	for _, rec := range a.unpub {
		out = append(out, rec)
	}
	return out, nil
}

// MarkPublished removes eventID from the unpublished set.
func (a *Adapter) MarkPublished(_ context.Context, eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.unpub, eventID)
	return nil
}
