// Package wire implements the JSON-array framing of the Nostr protocol: the
// client->relay and relay->client message shapes, and canonical encode/decode
// between those shapes and Go values. It never panics on malformed input.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/nostr-dev-kit/ndk-go/nevent"
)

// Type is the first element of every wire message array.
type Type string

const (
	TypeEvent  Type = "EVENT"
	TypeReq    Type = "REQ"
	TypeClose  Type = "CLOSE"
	TypeNotice Type = "NOTICE"
	TypeEose   Type = "EOSE"
	TypeOK     Type = "OK"
	TypeAuth   Type = "AUTH"
	TypeCount  Type = "COUNT"
)

// ParseError is returned for any structural violation of the wire framing.
// Decoding never panics; adversarial input always yields a ParseError.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("wire: parse error: %s", e.Reason) }

// ---- client -> relay ----

// ReqMessage opens or replaces a subscription: ["REQ", sub_id, filter, ...].
type ReqMessage struct {
	SubID   string
	Filters []nevent.Filter
}

// CloseMessage closes a subscription: ["CLOSE", sub_id].
type CloseMessage struct {
	SubID string
}

// EventMessage publishes (client->relay) or delivers (relay->client) an
// event. SubID is empty for a client->relay publish, and may also be empty
// for a relay->client push if the relay omitted it (tolerated per §4.1).
type EventMessage struct {
	SubID string
	Event *nevent.Event
}

// AuthMessage answers an AUTH challenge: ["AUTH", event_object]. Handling the
// challenge itself is out of core scope; only the envelope is modeled.
type AuthMessage struct {
	Event     *nevent.Event
	Challenge string // set instead of Event on the relay->client direction
}

// EncodeReq serializes a REQ message.
func EncodeReq(m ReqMessage) ([]byte, error) {
	arr := make([]any, 0, 2+len(m.Filters))
	arr = append(arr, TypeReq, m.SubID)
	for _, f := range m.Filters {
		raw, err := MarshalFilter(f)
		if err != nil {
			return nil, err
		}
		arr = append(arr, raw)
	}
	return json.Marshal(arr)
}

// EncodeClose serializes a CLOSE message.
func EncodeClose(m CloseMessage) ([]byte, error) {
	return json.Marshal([]any{TypeClose, m.SubID})
}

// EncodeEvent serializes an EVENT publish: ["EVENT", event_object].
func EncodeEvent(e *nevent.Event) ([]byte, error) {
	return json.Marshal([]any{TypeEvent, e})
}

// EncodeAuth serializes an AUTH response: ["AUTH", event_object].
func EncodeAuth(e *nevent.Event) ([]byte, error) {
	return json.Marshal([]any{TypeAuth, e})
}

// ---- relay -> client ----

// EoseMessage signals end of stored events for a subscription.
type EoseMessage struct {
	SubID string
}

// OKPrefix classifies the machine-readable prefix of an OK/CLOSED message.
type OKPrefix string

const (
	PrefixNone          OKPrefix = ""
	PrefixPow           OKPrefix = "pow:"
	PrefixRateLimited   OKPrefix = "rate-limited:"
	PrefixAuthRequired  OKPrefix = "auth-required:"
	PrefixError         OKPrefix = "error:"
)

// OKMessage acknowledges a publish: ["OK", event_id, accepted_bool, message?].
type OKMessage struct {
	EventID  string
	Accepted bool
	Message  string
	Prefix   OKPrefix
}

func classifyPrefix(msg string) OKPrefix {
	for _, p := range []OKPrefix{PrefixPow, PrefixRateLimited, PrefixAuthRequired, PrefixError} {
		if len(msg) >= len(p) && msg[:len(p)] == string(p) {
			return p
		}
	}
	return PrefixNone
}

// NoticeMessage is a human-readable relay message.
type NoticeMessage struct {
	Message string
}

// CountMessage reports the result of a COUNT request.
type CountMessage struct {
	SubID string
	Count int
}

// RelayMessage is the decoded form of any relay->client frame.
type RelayMessage struct {
	Type   Type
	Event  *EventMessage
	Eose   *EoseMessage
	OK     *OKMessage
	Notice *NoticeMessage
	Auth   *AuthMessage
	Count  *CountMessage
}

// Decode parses a single inbound frame. It never panics: any structural
// violation (not an array, empty array, non-string type tag, wrong arity for
// the given type) is returned as a *ParseError, and the caller is expected to
// log-and-drop the frame per the propagation policy rather than tear down the
// connection.
func Decode(raw []byte) (*RelayMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, &ParseError{Reason: "frame is not a JSON array: " + err.Error()}
	}
	if len(arr) == 0 {
		return nil, &ParseError{Reason: "empty frame"}
	}
	var typ string
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return nil, &ParseError{Reason: "frame type is not a string: " + err.Error()}
	}

	switch Type(typ) {
	case TypeEvent:
		return decodeEvent(arr)
	case TypeEose:
		if len(arr) != 2 {
			return nil, &ParseError{Reason: "EOSE requires exactly 2 elements"}
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &ParseError{Reason: "EOSE sub id is not a string: " + err.Error()}
		}
		return &RelayMessage{Type: TypeEose, Eose: &EoseMessage{SubID: subID}}, nil
	case TypeOK:
		return decodeOK(arr)
	case TypeNotice:
		if len(arr) != 2 {
			return nil, &ParseError{Reason: "NOTICE requires exactly 2 elements"}
		}
		var msg string
		if err := json.Unmarshal(arr[1], &msg); err != nil {
			return nil, &ParseError{Reason: "NOTICE message is not a string: " + err.Error()}
		}
		return &RelayMessage{Type: TypeNotice, Notice: &NoticeMessage{Message: msg}}, nil
	case TypeAuth:
		if len(arr) != 2 {
			return nil, &ParseError{Reason: "AUTH requires exactly 2 elements"}
		}
		var challenge string
		if err := json.Unmarshal(arr[1], &challenge); err == nil {
			return &RelayMessage{Type: TypeAuth, Auth: &AuthMessage{Challenge: challenge}}, nil
		}
		var evt nevent.Event
		if err := json.Unmarshal(arr[1], &evt); err != nil {
			return nil, &ParseError{Reason: "AUTH payload is neither a challenge string nor an event: " + err.Error()}
		}
		return &RelayMessage{Type: TypeAuth, Auth: &AuthMessage{Event: &evt}}, nil
	case TypeCount:
		if len(arr) != 3 {
			return nil, &ParseError{Reason: "COUNT requires exactly 3 elements"}
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &ParseError{Reason: "COUNT sub id is not a string: " + err.Error()}
		}
		var payload struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(arr[2], &payload); err != nil {
			return nil, &ParseError{Reason: "COUNT payload malformed: " + err.Error()}
		}
		return &RelayMessage{Type: TypeCount, Count: &CountMessage{SubID: subID, Count: payload.Count}}, nil
	default:
		return nil, &ParseError{Reason: "unknown message type " + typ}
	}
}

// decodeEvent tolerates both ["EVENT", sub_id, event] (subscription push) and
// ["EVENT", event] (client-injected event, no subscription id) by inspecting
// array shape rather than assuming arity.
func decodeEvent(arr []json.RawMessage) (*RelayMessage, error) {
	switch len(arr) {
	case 2:
		var evt nevent.Event
		if err := json.Unmarshal(arr[1], &evt); err != nil {
			return nil, &ParseError{Reason: "EVENT payload malformed: " + err.Error()}
		}
		return &RelayMessage{Type: TypeEvent, Event: &EventMessage{Event: &evt}}, nil
	case 3:
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, &ParseError{Reason: "EVENT sub id is not a string: " + err.Error()}
		}
		var evt nevent.Event
		if err := json.Unmarshal(arr[2], &evt); err != nil {
			return nil, &ParseError{Reason: "EVENT payload malformed: " + err.Error()}
		}
		return &RelayMessage{Type: TypeEvent, Event: &EventMessage{SubID: subID, Event: &evt}}, nil
	default:
		return nil, &ParseError{Reason: "EVENT requires 2 or 3 elements"}
	}
}

func decodeOK(arr []json.RawMessage) (*RelayMessage, error) {
	if len(arr) < 3 {
		return nil, &ParseError{Reason: "OK requires at least 3 elements"}
	}
	var eventID string
	if err := json.Unmarshal(arr[1], &eventID); err != nil {
		return nil, &ParseError{Reason: "OK event id is not a string: " + err.Error()}
	}
	var accepted bool
	if err := json.Unmarshal(arr[2], &accepted); err != nil {
		return nil, &ParseError{Reason: "OK accepted flag is not a bool: " + err.Error()}
	}
	var msg string
	if len(arr) >= 4 {
		_ = json.Unmarshal(arr[3], &msg) // best-effort; absent/malformed message is tolerated
	}
	return &RelayMessage{Type: TypeOK, OK: &OKMessage{
		EventID: eventID, Accepted: accepted, Message: msg, Prefix: classifyPrefix(msg),
	}}, nil
}
