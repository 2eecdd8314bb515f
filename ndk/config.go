package ndk

import (
	"time"

	"github.com/nostr-dev-kit/ndk-go/dedup"
	"github.com/nostr-dev-kit/ndk-go/outbox"
	"github.com/nostr-dev-kit/ndk-go/publish"
	"github.com/nostr-dev-kit/ndk-go/retry"
)

// Config holds the global subscription manager's tunables (spec §4.10).
type Config struct {
	MaxFiltersPerRequest int           // cap on relay fan-out per subscription
	GroupingDelay        time.Duration // batch window before Flush-ing a relay's new groups
	DedupWindow          time.Duration // TTL fed to the deduplicator's LRU
	EoseTimeoutRatio     float64       // fraction of target relays that must EOSE before quorum

	Blacklist       []string
	ConnectTimeout  time.Duration
	RelayRetry      retry.Params
	Publish         publish.Config
	DedupHighVolume bool // selects dedup.HighVolume() instead of dedup.Default()
}

// DefaultConfig mirrors spec §4.10's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxFiltersPerRequest: 10,
		GroupingDelay:        100 * time.Millisecond,
		DedupWindow:          5 * time.Minute,
		EoseTimeoutRatio:     0.5,
		ConnectTimeout:       15 * time.Second,
		RelayRetry:           retry.DefaultParams(),
		Publish:              publish.DefaultConfig(),
	}
}

func (c Config) dedupConfig() dedup.Config {
	cfg := dedup.Default()
	if c.DedupHighVolume {
		cfg = dedup.HighVolume()
	}
	if c.DedupWindow > 0 {
		cfg.TTL = c.DedupWindow
	}
	return cfg
}

func (c Config) rankWeights() outbox.RankWeights {
	return outbox.DefaultRankWeights()
}

// selectConfig bounds a single select_for_fetching call: MaxFiltersPerRequest
// doubles as the relay fan-out cap, and MinRelayCount is left at 0 so a
// subscription never silently gains default relays the caller didn't ask for.
func (c Config) selectConfig() outbox.SelectConfig {
	return outbox.SelectConfig{MaxRelayCount: c.MaxFiltersPerRequest}
}
