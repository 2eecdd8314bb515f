package outbox

import (
	"sort"
	"time"
)

// RankWeights controls how heavily each signal contributes to a relay's score.
type RankWeights struct {
	ConnectionBonus float64       // added when the relay has connected recently
	RecencyWindow   time.Duration // how recent "recently" means
	HealthWeight    float64       // multiplies the 1/(1+failures) health term
	CoverageWeight  float64       // multiplies the fraction-of-authors-covered term
	LatencyWeight   float64       // multiplies the normalized-latency term
	LatencyCeiling  time.Duration // response times at or above this score 0 on the latency term
}

// DefaultRankWeights mirrors the balance described for C7: a solid bonus for
// relays already warm, then health, coverage and latency each contributing a
// comparable share.
func DefaultRankWeights() RankWeights {
	return RankWeights{
		ConnectionBonus: 2.0,
		RecencyWindow:   5 * time.Minute,
		HealthWeight:    1.5,
		CoverageWeight:  1.5,
		LatencyWeight:   1.0,
		LatencyCeiling:  2 * time.Second,
	}
}

// Ranker scores candidate relay URLs using tracked metadata and coverage.
type Ranker struct {
	tracker *Tracker
	weights RankWeights
}

// NewRanker builds a Ranker over tracker using weights.
func NewRanker(tracker *Tracker, weights RankWeights) *Ranker {
	return &Ranker{tracker: tracker, weights: weights}
}

// Score computes url's composite score against the given author set, the
// authors whose read/write relay lists should count toward the coverage
// term. Higher is better.
func (r *Ranker) Score(url string, authors []string) float64 {
	md := r.tracker.Metadata(url)
	w := r.weights

	score := 0.0
	if !md.LastConnectedAt.IsZero() && time.Since(md.LastConnectedAt) <= w.RecencyWindow {
		score += w.ConnectionBonus
	}

	health := 1.0 / (1.0 + float64(md.FailureCount))
	score += w.HealthWeight * health

	coverage := r.tracker.CoverageFraction(url, authors)
	score += w.CoverageWeight * coverage

	score += w.LatencyWeight * latencyScore(md.AvgResponseTime, w.LatencyCeiling)

	if md.AuthRequired {
		score -= 0.5
	}
	if md.PaymentRequired {
		score -= 1.0
	}

	return score
}

// latencyScore maps a response time into [0,1], 1 for instantaneous, 0 at or
// past ceiling, and 0.5 (a neutral midpoint) when nothing has been sampled yet.
func latencyScore(avg time.Duration, ceiling time.Duration) float64 {
	if avg <= 0 {
		return 0.5
	}
	if avg >= ceiling {
		return 0
	}
	return 1.0 - float64(avg)/float64(ceiling)
}

// rankedURL pairs a candidate URL with its computed score for sorting.
type rankedURL struct {
	url   string
	score float64
}

// Rank scores every url in candidates against authors and returns them
// sorted best-first. Ties break by URL for determinism.
func (r *Ranker) Rank(candidates []string, authors []string) []string {
	ranked := make([]rankedURL, len(candidates))
	for i, u := range candidates {
		ranked[i] = rankedURL{url: u, score: r.Score(u, authors)}
	}
	sortRanked(ranked)
	out := make([]string, len(ranked))
	for i, ru := range ranked {
		out[i] = ru.url
	}
	return out
}

func sortRanked(ranked []rankedURL) {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		return a.url < b.url
	})
}
