package ndk

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostr-dev-kit/ndk-go/cacheadapter/memory"
	"github.com/nostr-dev-kit/ndk-go/iterator"
	"github.com/nostr-dev-kit/ndk-go/nevent"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	return New(memory.New(), nil, DefaultConfig(), slog.Default())
}

func newTestSub(t *testing.T, c *Client, cfg nevent.Config, targets []string) (*subState, *iterator.Stream) {
	t.Helper()
	sub, err := nevent.New("sub-"+time.Now().Format(time.RFC3339Nano), []nevent.Filter{{Kinds: []int{1}}}, cfg)
	require.NoError(t, err)

	st := &subState{
		sub:          sub,
		targetRelays: make(map[string]struct{}),
		eoseFrom:     make(map[string]struct{}),
		createdAt:    time.Now().Add(-time.Second), // already old enough to clear the 100ms floor
	}
	for _, url := range targets {
		st.targetRelays[url] = struct{}{}
	}
	stream := iterator.New(func() { c.unsubscribeInternal(sub.ID) }, slog.Default())
	st.stream = stream
	c.subs.Store(sub.ID, st)
	return st, stream
}

func TestHandleEventDedupsOncePerFrameAcrossSubscriptions(t *testing.T) {
	c := testClient(t)
	_, streamA := newTestSub(t, c, nevent.Config{}, []string{"wss://relay1/", "wss://relay2/"})
	_, streamB := newTestSub(t, c, nevent.Config{}, []string{"wss://relay1/", "wss://relay2/"})
	subA := streamA
	subB := streamB

	evt := &nevent.Event{ID: "deadbeef", Kind: 1, CreatedAt: time.Now().Unix()}

	var members []string
	c.subs.Range(func(id string, _ *subState) bool {
		members = append(members, id)
		return true
	})

	c.HandleEvent("wss://relay1/", members, evt)
	c.HandleEvent("wss://relay2/", members, evt) // same event id, second relay: must be dropped

	select {
	case got := <-subA.Events():
		assert.Equal(t, evt.ID, got.ID)
	default:
		t.Fatal("expected subscription A to receive the event exactly once")
	}
	select {
	case got := <-subB.Events():
		assert.Equal(t, evt.ID, got.ID)
	default:
		t.Fatal("expected subscription B to receive the event exactly once")
	}

	select {
	case <-subA.Events():
		t.Fatal("second relay delivery of the same event id must have been deduplicated")
	default:
	}
}

func TestHandleEventSkipsNonMatchingSubscription(t *testing.T) {
	c := testClient(t)
	cfg := nevent.Config{}
	sub, err := nevent.New("kind1-only", []nevent.Filter{{Kinds: []int{1}}}, cfg)
	require.NoError(t, err)
	st := &subState{sub: sub, targetRelays: map[string]struct{}{"wss://relay1/": {}}, eoseFrom: map[string]struct{}{}, createdAt: time.Now()}
	st.stream = iterator.New(func() { c.unsubscribeInternal(sub.ID) }, slog.Default())
	c.subs.Store(sub.ID, st)

	evt := &nevent.Event{ID: "abc123", Kind: 9, CreatedAt: time.Now().Unix()} // kind 9 doesn't match
	c.HandleEvent("wss://relay1/", []string{sub.ID}, evt)

	select {
	case <-st.stream.Events():
		t.Fatal("non-matching event must not be delivered")
	default:
	}
}

func TestMaybeEmitEoseRequiresQuorumRatio(t *testing.T) {
	c := testClient(t)
	st, stream := newTestSub(t, c, nevent.Config{}, []string{"wss://r1/", "wss://r2/", "wss://r3/"})

	c.maybeEmitEose(st, "wss://r1/")
	select {
	case <-stream.Updates():
		t.Fatal("one of three relays EOSE'd: quorum ratio 0.5 must not yet be met")
	default:
	}

	c.maybeEmitEose(st, "wss://r2/")
	select {
	case u := <-stream.Updates():
		assert.Equal(t, iterator.UpdateEose, u.Kind)
	case <-time.After(time.Second):
		t.Fatal("two of three relays EOSE'd: quorum should have fired")
	}
}

func TestMaybeEmitEoseIsIdempotent(t *testing.T) {
	c := testClient(t)
	st, stream := newTestSub(t, c, nevent.Config{}, []string{"wss://r1/"})

	c.maybeEmitEose(st, "wss://r1/")
	<-stream.Updates()

	c.maybeEmitEose(st, "wss://r1/") // already emitted; must not panic or double-send
	select {
	case <-stream.Updates():
		t.Fatal("eose must only be delivered once")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeliverToSubscriptionClosesOnEventLimit(t *testing.T) {
	c := testClient(t)
	st, stream := newTestSub(t, c, nevent.Config{EventLimit: 1}, []string{"wss://r1/"})

	evt := &nevent.Event{ID: "e1", Kind: 1, CreatedAt: time.Now().Unix()}
	c.deliverToSubscription(st, evt)

	<-stream.Events() // the event is still buffered even though the limit already closed the stream

	_, stillTracked := c.subs.Load(st.sub.ID)
	assert.False(t, stillTracked, "subscription must be torn down once its event limit is reached")
}

func TestAuthorsOfDeduplicatesAcrossFilters(t *testing.T) {
	filters := []nevent.Filter{
		{Authors: []string{"pub1", "pub2"}},
		{Authors: []string{"pub2", "pub3"}},
	}
	got := authorsOf(filters)
	assert.ElementsMatch(t, []string{"pub1", "pub2", "pub3"}, got)
}
