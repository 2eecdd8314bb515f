package outbox

import (
	"github.com/samber/lo"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// DefaultFallbackRelays pad a publish/fetch selection that falls short of
// SelectConfig.MinRelayCount, and stand in for the relay set of a pubkey with
// no tracked relays in ChooseRelayCombination. With MinRelayCount at 0 a
// publish/fetch selection for untracked authors is empty.
var DefaultFallbackRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// SelectionMethod records how a Selection's relay set was produced.
type SelectionMethod int

const (
	// SelectionDirect means the union of tracked relay lists already met
	// MinRelayCount; no default relays were added.
	SelectionDirect SelectionMethod = iota
	// SelectionFallback means the union fell short of MinRelayCount and was
	// padded with DefaultFallbackRelays.
	SelectionFallback
)

func (m SelectionMethod) String() string {
	if m == SelectionFallback {
		return "fallback"
	}
	return "direct"
}

// SelectConfig bounds one select_for_publishing/select_for_fetching call.
// MinRelayCount below 1 disables fallback padding; MaxRelayCount at 0 means
// unbounded. RelaysPerAuthor is ChooseRelayCombination's per-author coverage
// target.
type SelectConfig struct {
	MinRelayCount   int
	MaxRelayCount   int
	RelaysPerAuthor int
}

// DefaultSelectConfig mirrors the teacher's outbox fan-out scale: publish
// to/fetch from a small handful of relays rather than every tracked one.
func DefaultSelectConfig() SelectConfig {
	return SelectConfig{MinRelayCount: 2, MaxRelayCount: 6, RelaysPerAuthor: 2}
}

// Selection is the result of a publish or fetch relay-selection pass.
type Selection struct {
	Relays                  []string
	SelectionMethod         SelectionMethod
	MissingRelayInfoPubkeys []string
}

// Selector turns tracked outbox state into concrete relay sets for a publish
// or fetch operation (C8).
type Selector struct {
	tracker *Tracker
	ranker  *Ranker
}

// NewSelector builds a Selector over tracker, ranking candidates with ranker.
func NewSelector(tracker *Tracker, ranker *Ranker) *Selector {
	return &Selector{tracker: tracker, ranker: ranker}
}

// SelectForPublishing unions (a) the author's write relays, (b) every
// p-tagged user's write relays (falling back to their read relays when they
// have none tracked), (c) relay hints embedded in e/a tags, and (d) for
// kind-10002 events, the author's own read relays too (so a relay-list
// update reaches the places readers already look for the old list).
// Blacklisted URLs are dropped. If the union is smaller than
// config.MinRelayCount, it is padded with DefaultFallbackRelays and
// SelectionMethod is marked Fallback. The result is ranked best-first and
// truncated to config.MaxRelayCount.
func (s *Selector) SelectForPublishing(evt *nevent.Event, config SelectConfig) Selection {
	var candidates []string
	var missing []string

	if write, ok := s.tracker.GetRelays(evt.PubKey, Write); ok {
		candidates = append(candidates, write...)
	} else {
		missing = append(missing, evt.PubKey)
	}

	if evt.Kind == KindRelayListMetadata {
		if read, ok := s.tracker.GetRelays(evt.PubKey, Read); ok {
			candidates = append(candidates, read...)
		}
	}

	for _, tag := range evt.Tags {
		switch tag.Name() {
		case "p":
			if len(tag) < 2 {
				continue
			}
			pubkey := tag[1]
			write, ok := s.tracker.GetRelays(pubkey, Write)
			switch {
			case ok && len(write) > 0:
				candidates = append(candidates, write...)
			case ok: // tracked, but no write relays: fall back to read
				if read, readOK := s.tracker.GetRelays(pubkey, Read); readOK {
					candidates = append(candidates, read...)
				}
			default:
				missing = append(missing, pubkey)
			}
		case "e", "a":
			if len(tag) >= 3 && tag[2] != "" {
				candidates = append(candidates, tag[2])
			}
		}
	}

	return s.rankAndBound(candidates, []string{evt.PubKey}, missing, config)
}

// SelectForFetching unions each filter author's read relays (falling back
// to their write relays when no read relays are tracked), plus the read
// relays of every user referenced by the filter's "p" tag constraint.
// Padding/truncation follow the same MinRelayCount/MaxRelayCount rules as
// SelectForPublishing.
func (s *Selector) SelectForFetching(filter nevent.Filter, config SelectConfig) Selection {
	authors := append([]string(nil), filter.Authors...)
	if pTagged, ok := filter.Tags["p"]; ok {
		authors = append(authors, pTagged...)
	}
	authors = lo.Uniq(authors)

	var candidates []string
	var missing []string
	for _, a := range authors {
		read, ok := s.tracker.GetRelays(a, Read)
		switch {
		case ok && len(read) > 0:
			candidates = append(candidates, read...)
		case ok:
			if write, writeOK := s.tracker.GetRelays(a, Write); writeOK {
				candidates = append(candidates, write...)
			}
		default:
			missing = append(missing, a)
		}
	}

	return s.rankAndBound(candidates, authors, missing, config)
}

// rankAndBound applies the blacklist, MinRelayCount fallback padding,
// ranking, and MaxRelayCount truncation shared by SelectForPublishing and
// SelectForFetching.
func (s *Selector) rankAndBound(candidates, rankAuthors, missing []string, config SelectConfig) Selection {
	candidates = s.tracker.Allowed(lo.Uniq(candidates))

	method := SelectionDirect
	if config.MinRelayCount > 0 && len(candidates) < config.MinRelayCount {
		candidates = lo.Uniq(append(candidates, DefaultFallbackRelays...))
		method = SelectionFallback
	}

	ranked := s.ranker.Rank(candidates, rankAuthors)
	return Selection{
		Relays:                  capRelays(ranked, config.MaxRelayCount),
		SelectionMethod:         method,
		MissingRelayInfoPubkeys: lo.Uniq(missing),
	}
}

// ChooseRelayCombination runs a greedy weighted set cover: it picks
// best-ranked-first relays from each pubkey's tracked relay set (kind
// selects Read or Write) until every pubkey has config.RelaysPerAuthor
// covering relays or no candidate relay still has gain, preferring relays
// that cover many authors simultaneously. The result maps each chosen
// relay to the set of pubkeys it covers.
func (s *Selector) ChooseRelayCombination(pubkeys []string, kind Kind, config SelectConfig) map[string][]string {
	target := config.RelaysPerAuthor
	if target <= 0 {
		target = 1
	}

	need := make(map[string]int, len(pubkeys))
	universe := make(map[string][]string, len(pubkeys))
	allCandidates := make(map[string]struct{})
	for _, pk := range pubkeys {
		relays, ok := s.tracker.GetRelays(pk, kind)
		if !ok || len(relays) == 0 {
			relays = DefaultFallbackRelays
		}
		universe[pk] = relays
		need[pk] = target
		for _, r := range relays {
			allCandidates[r] = struct{}{}
		}
	}

	candidates := make([]string, 0, len(allCandidates))
	for r := range allCandidates {
		candidates = append(candidates, r)
	}
	ranked := s.ranker.Rank(candidates, pubkeys)

	// iterate pubkeys in caller order, not map order, so the covers list
	// attached to each chosen relay is deterministic.
	coveredBy := func(relay string) []string {
		var authors []string
		for _, pk := range pubkeys {
			if lo.Contains(universe[pk], relay) {
				authors = append(authors, pk)
			}
		}
		return authors
	}

	result := make(map[string][]string)
	remaining := append([]string(nil), ranked...)
	for hasUnmetNeed(need) && len(remaining) > 0 {
		bestIdx, bestGain := -1, 0
		for i, relay := range remaining {
			gain := 0
			for _, pk := range coveredBy(relay) {
				if need[pk] > 0 {
					gain++
				}
			}
			if gain > bestGain {
				bestGain = gain
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		relay := remaining[bestIdx]
		var covers []string
		for _, pk := range coveredBy(relay) {
			if need[pk] > 0 {
				need[pk]--
				covers = append(covers, pk)
			}
		}
		result[relay] = covers
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return result
}

func hasUnmetNeed(need map[string]int) bool {
	for _, n := range need {
		if n > 0 {
			return true
		}
	}
	return false
}

func capRelays(urls []string, maxRelays int) []string {
	if maxRelays <= 0 || len(urls) <= maxRelays {
		return urls
	}
	return urls[:maxRelays]
}
