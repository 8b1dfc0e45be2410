package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the kind of an envelope.
type Kind string

const (
	KindInit     Kind = "init"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindData     Kind = "data"
	KindError    Kind = "error"
	KindKill     Kind = "kill"
)

// Envelope is the wire-level unit exchanged with a worker.
type Envelope struct {
	Message Kind            `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload into an envelope of the given kind.
// A nil payload produces an envelope without data, which is how kill is sent.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	env := Envelope{Message: kind}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	env.Data = b
	return env, nil
}

// Decode decodes the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Message)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Message, err)
	}
	return nil
}

// Args is the command-specific argument map carried by requests, responses and data frames.
// Handlers merge their results into a copy of the request args.
type Args map[string]any

// Clone returns a shallow copy of the args, never nil.
func (a Args) Clone() Args {
	c := make(Args, len(a)+4)
	for k, v := range a {
		c[k] = v
	}
	return c
}

// String returns the string value of key, or "" if it is absent or not a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Bool returns the boolean value of key. Non-boolean truthy values such as 1 or "true" count too.
func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != "" && v != "false" && v != "0"
	}
	return false
}

// Headers returns the value of key as a header map.
// Values that are not strings are formatted with %v.
func (a Args) Headers(key string) map[string]string {
	m, ok := a[key].(map[string]any)
	if !ok {
		if sm, ok := a[key].(map[string]string); ok {
			return sm
		}
		return nil
	}
	h := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			h[k] = s
		} else {
			h[k] = fmt.Sprintf("%v", v)
		}
	}
	return h
}

// ID is an opaque correlation token chosen by the worker.
// It holds the raw JSON value and is echoed back unchanged, whatever its type.
type ID json.RawMessage

// StringID returns the ID for a string token.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// IsZero reports whether the id is absent or null.
func (id ID) IsZero() bool { return len(id) == 0 }

// String returns a string token unquoted and any other token as raw JSON.
func (id ID) String() string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = nil
		return nil
	}
	*id = append((*id)[:0], b...)
	return nil
}

// Request is the payload of a request envelope.
type Request struct {
	ID      ID      `json:"id"`
	Command Command `json:"command"`
	Args    Args    `json:"args"`
}

// Response is the payload of a response envelope.
// It echoes the id and command of the request it answers.
type Response struct {
	ID      ID      `json:"id"`
	Command Command `json:"command"`
	Args    Args    `json:"args"`
}

// Data is the payload of a data envelope.
// ID and Command are only set for log and box frames, which expect an acknowledgement.
type Data struct {
	ID      ID      `json:"id,omitempty"`
	Command Command `json:"command,omitempty"`
	Args    Args    `json:"args"`
}

// Error is the payload of an error envelope.
type Error struct {
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack"`
}

// Init is the payload of the init envelope sent to a worker once its channel is up.
type Init struct {
	SupervisorVersion string          `json:"supervisorVersion"`
	RuntimeVersion    string          `json:"runtimeVersion"`
	PlatformArch      string          `json:"platformArch"`
	Hostname          string          `json:"hostname"`
	Payload           json.RawMessage `json:"payload"`
}
