package nevent

import (
	"sort"

	"github.com/samber/lo"
)

// Filter is a predicate over events expressed as optional constraints.
// An event matches iff every present constraint matches.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int
	// Tags maps a single-letter tag name (without the '#' prefix, e.g. "p", "e")
	// to the set of acceptable values.
	Tags map[string][]string
}

// Clone deep-copies the filter so merges never mutate a caller's original.
func (f Filter) Clone() Filter {
	cp := Filter{
		IDs:     append([]string(nil), f.IDs...),
		Authors: append([]string(nil), f.Authors...),
		Kinds:   append([]int(nil), f.Kinds...),
	}
	if f.Since != nil {
		since := *f.Since
		cp.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		cp.Until = &until
	}
	if f.Limit != nil {
		limit := *f.Limit
		cp.Limit = &limit
	}
	if f.Tags != nil {
		cp.Tags = make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			cp.Tags[k] = append([]string(nil), v...)
		}
	}
	return cp
}

// IsEmpty reports whether the filter applies no constraint at all (the "no
// filter" case rejected by validation per the Open Question decision).
func (f Filter) IsEmpty() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		f.Since == nil && f.Until == nil && f.Limit == nil && len(f.Tags) == 0
}

// Matches reports whether event e satisfies every present constraint in f.
func (f Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !lo.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !lo.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !lo.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		have := e.Tags.Values(name)
		if len(lo.Intersect(wanted, have)) == 0 {
			return false
		}
	}
	return true
}

// Mergeable reports whether f and other can be combined into a single wire
// filter without changing semantics: neither may carry a Limit, and their
// time windows must be compatible (since <= until once merged).
func (f Filter) Mergeable(other Filter) bool {
	if f.Limit != nil || other.Limit != nil {
		return false
	}
	since := maxPtr(f.Since, other.Since)
	until := minPtr(f.Until, other.Until)
	if since != nil && until != nil && *since > *until {
		return false
	}
	return true
}

// Merge combines f and other into their set-union filter. Callers must have
// already checked Mergeable; Merge does not re-check the limit rule.
func (f Filter) Merge(other Filter) Filter {
	merged := Filter{
		IDs:     sortedUnion(f.IDs, other.IDs),
		Authors: sortedUnion(f.Authors, other.Authors),
		Kinds:   sortedUnionInt(f.Kinds, other.Kinds),
		Since:   maxPtr(f.Since, other.Since),
		Until:   minPtr(f.Until, other.Until),
	}
	if len(f.Tags) > 0 || len(other.Tags) > 0 {
		merged.Tags = make(map[string][]string)
		for k, v := range f.Tags {
			merged.Tags[k] = append([]string(nil), v...)
		}
		for k, v := range other.Tags {
			merged.Tags[k] = sortedUnion(merged.Tags[k], v)
		}
	}
	return merged
}

// Fingerprint is the grouping key used by the relay subscription manager:
// two filters with the same fingerprint are merge candidates.
type Fingerprint struct {
	Kinds            string // sorted, comma-joined
	HasAuthors       bool
	TagKeys          string // sorted, comma-joined
	HasLimit         bool
	HasTimeConstrain bool
	CloseOnEOSE      bool
}

// FingerprintOf computes f's grouping key given the owning subscription's
// close-on-eose setting.
func FingerprintOf(f Filter, closeOnEOSE bool) Fingerprint {
	kinds := append([]int(nil), f.Kinds...)
	sort.Ints(kinds)
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Fingerprint{
		Kinds:            joinInts(kinds),
		HasAuthors:       len(f.Authors) > 0,
		TagKeys:          joinStrings(keys),
		HasLimit:         f.Limit != nil,
		HasTimeConstrain: f.Since != nil || f.Until != nil,
		CloseOnEOSE:      closeOnEOSE,
	}
}

func sortedUnion(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	u := lo.Uniq(append(append([]string(nil), a...), b...))
	sort.Strings(u)
	return u
}

func sortedUnionInt(a, b []int) []int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	u := lo.Uniq(append(append([]int(nil), a...), b...))
	sort.Ints(u)
	return u
}

func maxPtr(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a >= *b:
		v := *a
		return &v
	default:
		v := *b
		return &v
	}
}

func minPtr(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a <= *b:
		v := *a
		return &v
	default:
		v := *b
		return &v
	}
}

func joinInts(v []int) string {
	out := make([]string, len(v))
	for i, n := range v {
		out[i] = itoa(n)
	}
	return joinStrings(out)
}

func joinStrings(v []string) string {
	if len(v) == 0 {
		return ""
	}
	s := v[0]
	for _, x := range v[1:] {
		s += "," + x
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
