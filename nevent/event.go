// Package nevent holds the immutable Event/Filter data model shared by every
// core component: canonical id serialization, filter matching, and filter
// merge soundness all live here so codec, dedup, and subscription grouping
// agree on a single definition.
package nevent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Tag is an ordered sequence of strings; Tag[0] is the tag name.
type Tag []string

// Name returns the tag's first element, or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element (the conventional value slot), or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered sequence of tags.
type Tags []Tag

// Find returns the first tag with the given name, and whether one was found.
func (t Tags) Find(name string) (Tag, bool) {
	for _, tag := range t {
		if tag.Name() == name {
			return tag, true
		}
	}
	return nil, false
}

// Values returns every value (second element) of tags matching name.
func (t Tags) Values(name string) []string {
	var out []string
	for _, tag := range t {
		if tag.Name() == name && len(tag) > 1 {
			out = append(out, tag[1])
		}
	}
	return out
}

// Event is the atomic, immutable-after-signing unit of the protocol.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonicalArray is the exact shape hashed to produce an event's id:
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) canonicalArray() []any {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	return []any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
}

// Serialize produces the canonical JSON used for id hashing: no insignificant
// whitespace, and forward slashes are not escaped (encoding/json already
// leaves '/' alone; we disable HTML escaping since '<','>','&' must likewise
// pass through unescaped for the hash to be reproducible across languages).
func (e *Event) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e.canonicalArray()); err != nil {
		return nil, fmt.Errorf("nevent: serialize event: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeIDBytes returns the raw 32-byte SHA-256 digest of the canonical
// serialization, the same bytes a Signer signs directly.
func (e *Event) ComputeIDBytes() ([32]byte, error) {
	raw, err := e.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// ComputeID returns the lowercase-hex SHA-256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	sum, err := e.ComputeIDBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// Finalize recomputes and assigns e.ID. Callers sign afterward.
func (e *Event) Finalize() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}
