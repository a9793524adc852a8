package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeSpecVersion is the CloudEvents spec version stamped on every
// serialized event envelope.
const EnvelopeSpecVersion = "1.0"

// Envelope is the wire form of a bus event, following the CloudEvents
// attribute layout. SessionID rides in the extension attribute "sessionid"
// so filtering proxies don't need to parse Data.
type Envelope struct {
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	SessionID   string          `json:"sessionid,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a topic + payload into a serialized envelope.
func Encode(id, source string, topic Topic, sessionID string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	env := Envelope{
		SpecVersion: EnvelopeSpecVersion,
		ID:          id,
		Source:      source,
		Type:        string(topic),
		Time:        time.Now().UTC().Truncate(time.Millisecond),
		SessionID:   sessionID,
		Data:        data,
	}
	return json.Marshal(env)
}

// Decode parses a serialized envelope. Unknown spec versions are rejected so
// a future incompatible layout fails loudly instead of half-parsing.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.SpecVersion != EnvelopeSpecVersion {
		return nil, fmt.Errorf("unsupported envelope specversion %q", env.SpecVersion)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}
