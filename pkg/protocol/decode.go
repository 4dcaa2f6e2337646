package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// wireMessage is the permissive shape one inbound payload is parsed into.
// Every field is optional and several may appear together.
type wireMessage struct {
	Ready       json.RawMessage `json:"ready"`
	Loaded      json.RawMessage `json:"loaded"`
	AuthExpired json.RawMessage `json:"authExpired"`
	CloseEmbed  json.RawMessage `json:"closeEmbed"`
	Height      json.RawMessage `json:"height"`
	Auth        *AuthSnapshot   `json:"auth"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Data        json.RawMessage `json:"data"`
}

// Decode parses one inbound payload into a Message. It is total: any input,
// including garbage, yields a Message (possibly the zero Message) and never
// an error. Senders on the page are not under our control, so unparseable
// traffic is expected and must be ignored, not surfaced.
//
// The payload may be a JSON object or a JSON string containing an object
// (some senders stringify before posting); one level of unwrapping is
// applied.
func Decode(data []byte) Message {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}
	}

	// Unwrap a stringified payload once.
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return Message{}
		}
		data = []byte(inner)
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}
	}

	m := Message{
		Ready:       truthy(w.Ready),
		Loaded:      truthy(w.Loaded),
		AuthExpired: truthy(w.AuthExpired),
		CloseEmbed:  truthy(w.CloseEmbed),
		Height:      decodeHeight(w.Height),
		Auth:        w.Auth,
		Type:        w.Type,
		Payload:     w.Payload,
		Data:        w.Data,
	}
	// An auth snapshot with the loaded flag absent still counts as a load
	// report.
	if m.Auth != nil && m.Auth.AccessToken != "" {
		m.Loaded = true
	}
	return m
}

// truthy applies JavaScript-style truthiness to a raw JSON value: absent,
// null, false, 0, and "" are false; everything else is true.
func truthy(raw json.RawMessage) bool {
	var v any
	if raw == nil || json.Unmarshal(raw, &v) != nil {
		return false
	}
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

// decodeHeight accepts a number or a numeric string (optionally suffixed
// with "px"). Anything else yields nil.
func decodeHeight(raw json.RawMessage) *int {
	var v any
	if raw == nil || json.Unmarshal(raw, &v) != nil {
		return nil
	}
	switch val := v.(type) {
	case float64:
		h := int(val)
		return &h
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(val), "px")
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

// Encode marshals an outbound message. Marshal failures on our own types
// indicate a programming error and yield an empty payload.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
