package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

func TestTrackAndGetRelays(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.Track("pk1", []string{"wss://a", "wss://b"}, []string{"wss://b"}, SourceManual)

	read, ok := tr.GetRelays("pk1", Read)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"wss://a", "wss://b"}, read)

	write, ok := tr.GetRelays("pk1", Write)
	require.True(t, ok)
	assert.Equal(t, []string{"wss://b"}, write)

	_, ok = tr.GetRelays("unknown", Read)
	assert.False(t, ok)
}

func TestTrackFiltersBlacklisted(t *testing.T) {
	t.Parallel()
	tr := NewTracker([]string{"wss://bad"})
	info := tr.Track("pk1", []string{"wss://a", "wss://bad"}, nil, SourceManual)
	assert.NotContains(t, info.ReadRelays, "wss://bad")
	assert.Contains(t, info.ReadRelays, "wss://a")
}

type stubFetcher struct {
	calls int32
	nip65 *nevent.Event
}

func (s *stubFetcher) FetchReplaceableEvent(_ context.Context, _ string, kind int) (*nevent.Event, error) {
	atomic.AddInt32(&s.calls, 1)
	time.Sleep(10 * time.Millisecond)
	if kind == KindRelayListMetadata {
		return s.nip65, nil
	}
	return nil, nil
}

func TestEnsureRelaysCoalescesConcurrentFetches(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	fetcher := &stubFetcher{nip65: &nevent.Event{
		PubKey: "pk1",
		Tags: nevent.Tags{
			{"r", "wss://r1", "read"},
			{"r", "wss://r2", "write"},
		},
	}}
	tr.SetFetcher(fetcher)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			info, err := tr.EnsureRelays(context.Background(), "pk1")
			require.NoError(t, err)
			require.NotNil(t, info)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls), "concurrent misses for the same author must coalesce onto one fetch")

	info, ok := tr.Entry("pk1")
	require.True(t, ok)
	assert.Equal(t, []string{"wss://r1"}, info.ReadRelays)
	assert.Equal(t, []string{"wss://r2"}, info.WriteRelays)
}

func TestEnsureRelaysFallsBackToContactList(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.SetFetcher(&fallbackFetcher{})

	info, err := tr.EnsureRelays(context.Background(), "pk2")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, SourceContactList, info.Source)
	assert.Contains(t, info.ReadRelays, "wss://hint")
}

type fallbackFetcher struct{}

func (fallbackFetcher) FetchReplaceableEvent(_ context.Context, _ string, kind int) (*nevent.Event, error) {
	if kind == KindRelayListMetadata {
		return nil, nil
	}
	return &nevent.Event{Content: `{"wss://hint":{"read":true,"write":false}}`}, nil
}

func TestUpdateRelayMetadataMerges(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	now := time.Now()
	tr.UpdateRelayMetadata("wss://a", RelayMetadata{FailureCount: 1, LastConnectedAt: now})
	tr.UpdateRelayMetadata("wss://a", RelayMetadata{FailureCount: 1, AuthRequired: true})

	md := tr.Metadata("wss://a")
	assert.Equal(t, 2, md.FailureCount)
	assert.True(t, md.AuthRequired)
}

func TestCoverageFraction(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.Track("pk1", []string{"wss://a"}, nil, SourceManual)
	tr.Track("pk2", []string{"wss://b"}, nil, SourceManual)

	assert.Equal(t, 0.5, tr.CoverageFraction("wss://a", []string{"pk1", "pk2"}))
	assert.Equal(t, 1.0, tr.CoverageFraction("wss://a", []string{"pk1"}))
	assert.Equal(t, 0.0, tr.CoverageFraction("wss://missing", []string{"pk1", "pk2"}))
}
