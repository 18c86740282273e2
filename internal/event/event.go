// Package event defines the versioned envelope used for agent I/O and
// consent signaling between an agent and the host.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the envelope version this package speaks.
const ProtocolVersion = "0.1"

// Kind discriminates the payload union.
type Kind string

// The closed set of event kinds.
const (
	KindInput          Kind = "Input"
	KindOutput         Kind = "Output"
	KindArtifact       Kind = "Artifact"
	KindConsentRequest Kind = "ConsentRequest"
	KindConsentGrant   Kind = "ConsentGrant"
	KindConsentRevoke  Kind = "ConsentRevoke"
	KindError          Kind = "Error"
	KindStateUpdate    Kind = "StateUpdate"
)

// Payload is implemented by exactly the eight event payload types.
type Payload interface {
	kind() Kind
}

// Input carries user or system input to an agent.
type Input struct {
	Prompt      string   `json:"prompt"`
	ContextRefs []string `json:"context_refs"`
}

// Output carries one chunk of an agent response.
type Output struct {
	ChunkID     uint64 `json:"chunk_id"`
	ContentType string `json:"content_type"` // "text/plain", "text/markdown", "application/json"
	Data        []byte `json:"data"`
	Complete    bool   `json:"complete"`
}

// Artifact announces a generated artifact.
type Artifact struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"` // "diff", "log", "preview", "code"
	Path        string  `json:"path"`
	PreviewHint *string `json:"preview_hint,omitempty"`
}

// ConsentRequest asks the user to grant a capability.
type ConsentRequest struct {
	Capability string  `json:"capability"`
	Reason     string  `json:"reason"`
	DurationS  *uint64 `json:"duration_s,omitempty"`
}

// ConsentGrant records that a capability was granted.
type ConsentGrant struct {
	Capability string     `json:"capability"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ConsentRevoke records that a capability was revoked.
type ConsentRevoke struct {
	Capability string `json:"capability"`
}

// Error carries a typed agent or host failure.
type Error struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Hint    *string `json:"hint,omitempty"`
}

// StateUpdate carries an agent state change.
type StateUpdate struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Scope string          `json:"scope"` // "agent", "session", "global"
}

func (Input) kind() Kind          { return KindInput }
func (Output) kind() Kind         { return KindOutput }
func (Artifact) kind() Kind       { return KindArtifact }
func (ConsentRequest) kind() Kind { return KindConsentRequest }
func (ConsentGrant) kind() Kind   { return KindConsentGrant }
func (ConsentRevoke) kind() Kind  { return KindConsentRevoke }
func (Error) kind() Kind          { return KindError }
func (StateUpdate) kind() Kind    { return KindStateUpdate }

// Event is the envelope. Sequence increases monotonically per agent.
type Event struct {
	Type      Kind
	Payload   Payload
	AgentID   string
	Timestamp time.Time
	Sequence  uint64
}

// New wraps payload in an envelope stamped with the current time.
func New(agentID string, payload Payload, sequence uint64) Event {
	return Event{
		Type:      payload.kind(),
		Payload:   payload,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Sequence:  sequence,
	}
}

// NewError builds an Error event without a hint.
func NewError(agentID, code, message string, sequence uint64) Event {
	return New(agentID, Error{Code: code, Message: message}, sequence)
}

// wireEvent is the serialized envelope shape.
type wireEvent struct {
	Version   string          `json:"version"`
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	AgentID   string          `json:"agent_id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// MarshalJSON serializes the envelope with the payload under "data".
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEvent{
		Version:   ProtocolVersion,
		Type:      e.Type,
		Data:      data,
		AgentID:   e.AgentID,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
	})
}

// UnmarshalJSON decodes the envelope, dispatching on the type tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}

	e.Type = w.Type
	e.Payload = payload
	e.AgentID = w.AgentID
	e.Timestamp = w.Timestamp
	e.Sequence = w.Sequence
	return nil
}

func decodePayload(kind Kind, data json.RawMessage) (Payload, error) {
	var target Payload

	switch kind {
	case KindInput:
		target = &Input{}
	case KindOutput:
		target = &Output{}
	case KindArtifact:
		target = &Artifact{}
	case KindConsentRequest:
		target = &ConsentRequest{}
	case KindConsentGrant:
		target = &ConsentGrant{}
	case KindConsentRevoke:
		target = &ConsentRevoke{}
	case KindError:
		target = &Error{}
	case KindStateUpdate:
		target = &StateUpdate{}
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	return deref(target), nil
}

// deref returns the value behind the pointer so callers can type-switch
// on the payload structs directly.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Input:
		return *v
	case *Output:
		return *v
	case *Artifact:
		return *v
	case *ConsentRequest:
		return *v
	case *ConsentGrant:
		return *v
	case *ConsentRevoke:
		return *v
	case *Error:
		return *v
	case *StateUpdate:
		return *v
	}
	return p
}
