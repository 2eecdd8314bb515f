package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// wireFilter is the NIP-01 JSON object shape for a REQ filter: fixed keys
// plus arbitrary "#<letter>" tag-constraint keys.
type wireFilter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   *int     `json:"limit,omitempty"`
}

// MarshalFilter encodes a nevent.Filter into its on-wire JSON object form.
func MarshalFilter(f nevent.Filter) (json.RawMessage, error) {
	base := wireFilter{IDs: f.IDs, Authors: f.Authors, Kinds: f.Kinds, Since: f.Since, Until: f.Until, Limit: f.Limit}
	baseRaw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal filter: %w", err)
	}
	if len(f.Tags) == 0 {
		return baseRaw, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(baseRaw, &obj); err != nil {
		return nil, fmt.Errorf("wire: marshal filter: %w", err)
	}
	for name, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal filter tag #%s: %w", name, err)
		}
		obj["#"+name] = raw
	}
	return json.Marshal(obj)
}

// UnmarshalFilter decodes a REQ filter JSON object into a nevent.Filter.
func UnmarshalFilter(raw json.RawMessage) (nevent.Filter, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nevent.Filter{}, &ParseError{Reason: "filter is not a JSON object: " + err.Error()}
	}
	var f nevent.Filter
	for key, val := range obj {
		switch {
		case key == "ids":
			if err := json.Unmarshal(val, &f.IDs); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid ids: " + err.Error()}
			}
		case key == "authors":
			if err := json.Unmarshal(val, &f.Authors); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid authors: " + err.Error()}
			}
		case key == "kinds":
			if err := json.Unmarshal(val, &f.Kinds); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid kinds: " + err.Error()}
			}
		case key == "since":
			if err := json.Unmarshal(val, &f.Since); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid since: " + err.Error()}
			}
		case key == "until":
			if err := json.Unmarshal(val, &f.Until); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid until: " + err.Error()}
			}
		case key == "limit":
			if err := json.Unmarshal(val, &f.Limit); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid limit: " + err.Error()}
			}
		case strings.HasPrefix(key, "#") && len(key) == 2:
			var values []string
			if err := json.Unmarshal(val, &values); err != nil {
				return nevent.Filter{}, &ParseError{Reason: "invalid tag filter " + key + ": " + err.Error()}
			}
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		default:
			// unknown keys are tolerated (forward compatibility with relay extensions)
		}
	}
	return f, nil
}
