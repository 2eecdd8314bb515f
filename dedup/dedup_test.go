package dedup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessExactlyOnceAcrossRelays(t *testing.T) {
	t.Parallel()
	d := New(HighVolume())

	const relays = 8
	var wg sync.WaitGroup
	results := make([]bool, relays)
	wg.Add(relays)
	for i := 0; i < relays; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = d.Process("11", relayName(i))
		}()
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount, "exactly one relay's delivery should be treated as new")

	snap := d.Snapshot()
	assert.GreaterOrEqual(t, snap.Duplicates, uint64(relays-1))
}

func relayName(i int) string {
	return "relay" + string(rune('a'+i))
}

func TestIsDuplicateAndMarkSeen(t *testing.T) {
	t.Parallel()
	d := New(Default())
	assert.False(t, d.IsDuplicate("aa", ""))
	d.MarkSeen("aa", "")
	assert.True(t, d.IsDuplicate("aa", ""))
}

func TestGlobalDedupAppliesAcrossRelays(t *testing.T) {
	t.Parallel()
	d := New(HighVolume())
	assert.True(t, d.Process("id1", "relayA"))
	assert.True(t, d.IsDuplicate("id1", "relayB"), "global dedup already marks id1 seen regardless of relay")
}

func TestConfigsHaveDistinctShapes(t *testing.T) {
	t.Parallel()
	assert.False(t, Default().PerRelay)
	assert.True(t, HighVolume().PerRelay)
	assert.Less(t, LowMemory().Capacity, Default().Capacity)
}

func TestSnapshotReportsEvictions(t *testing.T) {
	t.Parallel()
	d := New(Config{Capacity: 2, PerRelay: false})
	d.MarkSeen("id1", "")
	d.MarkSeen("id2", "")
	assert.Equal(t, uint64(0), d.Snapshot().Evictions)

	d.MarkSeen("id3", "") // evicts id1, the least recently used
	assert.Equal(t, uint64(1), d.Snapshot().Evictions)
}
