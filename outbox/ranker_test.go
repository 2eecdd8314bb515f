package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScorePrefersConnectedHealthyRelay(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.UpdateRelayMetadata("wss://warm", RelayMetadata{LastConnectedAt: time.Now(), AvgResponseTime: 50 * time.Millisecond})
	tr.UpdateRelayMetadata("wss://cold", RelayMetadata{FailureCount: 5, AvgResponseTime: 1900 * time.Millisecond})

	ranker := NewRanker(tr, DefaultRankWeights())
	warm := ranker.Score("wss://warm", nil)
	cold := ranker.Score("wss://cold", nil)
	assert.Greater(t, warm, cold)
}

func TestScorePenalizesAuthAndPaymentRequired(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.UpdateRelayMetadata("wss://open", RelayMetadata{})
	tr.UpdateRelayMetadata("wss://paid", RelayMetadata{PaymentRequired: true})
	tr.UpdateRelayMetadata("wss://auth", RelayMetadata{AuthRequired: true})

	ranker := NewRanker(tr, DefaultRankWeights())
	assert.Greater(t, ranker.Score("wss://open", nil), ranker.Score("wss://paid", nil))
	assert.Greater(t, ranker.Score("wss://open", nil), ranker.Score("wss://auth", nil))
}

func TestRankIsDeterministicOrderedBestFirst(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil)
	tr.UpdateRelayMetadata("wss://b", RelayMetadata{AvgResponseTime: 100 * time.Millisecond})
	tr.UpdateRelayMetadata("wss://a", RelayMetadata{AvgResponseTime: 1500 * time.Millisecond})

	ranker := NewRanker(tr, DefaultRankWeights())
	ranked := ranker.Rank([]string{"wss://a", "wss://b"}, nil)
	assert.Equal(t, []string{"wss://b", "wss://a"}, ranked)
}

func TestLatencyScoreBounds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.5, latencyScore(0, time.Second))
	assert.Equal(t, 0.0, latencyScore(2*time.Second, time.Second))
	assert.InDelta(t, 0.5, latencyScore(500*time.Millisecond, time.Second), 0.01)
}
