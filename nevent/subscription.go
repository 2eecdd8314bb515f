package nevent

import (
	"time"

	"github.com/nostr-dev-kit/ndk-go/nerrors"
)

// State is a logical subscription's lifecycle state.
type State int

const (
	Pending State = iota
	Active
	EoseSeen
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case EoseSeen:
		return "eose_seen"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CacheStrategy selects how a fetch consults the cache adapter before/instead
// of contacting relays.
type CacheStrategy int

const (
	// CacheOnly queries the cache, emits events then EOSE, never contacts relays.
	CacheOnly CacheStrategy = iota
	// CacheFirst queries the cache synchronously, emits events, then fans out.
	CacheFirst
	// Parallel starts the cache query and the relay fan-out simultaneously.
	Parallel
	// RelayOnly skips the cache entirely.
	RelayOnly
)

// Config configures a logical subscription.
type Config struct {
	Strategy      CacheStrategy
	CloseOnEOSE   bool
	EventLimit    int // 0 means unbounded
	Timeout       time.Duration
	RelayPinSet   []string // if non-empty, only these relays are used
}

// Subscription is a caller's logical interest in events matching one or more
// filters. It is owned exclusively by the global manager (ndk.Client) and is
// exposed to consumers only through a handle.
type Subscription struct {
	ID      string
	Filters []Filter
	Config  Config
	State   State
}

// Validate enforces the Open-Question decision that a subscription must carry
// at least one non-empty filter.
func Validate(filters []Filter) error {
	if len(filters) == 0 {
		return nerrors.New(nerrors.Validation, nerrors.CodeInvalidFilter).
			With("reason", "subscription requires at least one filter")
	}
	for _, f := range filters {
		if f.IsEmpty() {
			return nerrors.New(nerrors.Validation, nerrors.CodeInvalidFilter).
				With("reason", "filter applies no constraint")
		}
	}
	return nil
}

// New builds a validated Pending subscription.
func New(id string, filters []Filter, cfg Config) (*Subscription, error) {
	if err := Validate(filters); err != nil {
		return nil, err
	}
	return &Subscription{ID: id, Filters: append([]Filter(nil), filters...), Config: cfg, State: Pending}, nil
}

// MatchesAny reports whether e satisfies any of the subscription's filters
// (filters within one subscription are OR'd together, matching REQ semantics).
func (s *Subscription) MatchesAny(e *Event) bool {
	for _, f := range s.Filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}
