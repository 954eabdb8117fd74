// Package envelope defines the wire wrapper shared by every message on the bus.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SchemaVersion is the envelope schema emitted by this process.
const SchemaVersion = "1.0"

var (
	// ErrMalformed is returned when bytes cannot be decoded into an envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrIncompatibleSchema is returned for envelopes from another major schema.
	ErrIncompatibleSchema = errors.New("incompatible schema version")
)

var supported = semver.MustParse(SchemaVersion)

// Envelope wraps a payload with routing and tracing metadata.
type Envelope struct {
	MessageID     string              `json:"message_id"`
	Timestamp     time.Time           `json:"timestamp"`
	SessionID     string              `json:"session_id,omitempty"`
	KioskID       string              `json:"kiosk_id,omitempty"`
	TraceID       string              `json:"trace_id"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	SchemaVersion string              `json:"schema_version"`
	Payload       jsoniter.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh message id. An empty traceID starts a new trace.
func New(sessionID, traceID string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Envelope{
		MessageID:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		SessionID:     sessionID,
		TraceID:       traceID,
		SchemaVersion: SchemaVersion,
		Payload:       raw,
	}, nil
}

// Derive builds a request caused by e: same session, kiosk and trace.
func (e *Envelope) Derive(payload any) (*Envelope, error) {
	out, err := New(e.SessionID, e.TraceID, payload)
	if err != nil {
		return nil, err
	}
	out.KioskID = e.KioskID
	return out, nil
}

// Reply builds the answer to e. The reply echoes e's message id as its correlation id.
func (e *Envelope) Reply(payload any) (*Envelope, error) {
	out, err := e.Derive(payload)
	if err != nil {
		return nil, err
	}
	out.CorrelationID = e.MessageID
	return out, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return nil
}

// Validate checks the required fields and schema compatibility.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrMalformed)
	}
	if e.TraceID == "" {
		return fmt.Errorf("%w: missing trace_id", ErrMalformed)
	}
	if e.SchemaVersion == "" {
		return fmt.Errorf("%w: missing schema_version", ErrMalformed)
	}
	v, err := semver.NewVersion(e.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: schema_version %q: %v", ErrMalformed, e.SchemaVersion, err)
	}
	if v.Major() != supported.Major() {
		return fmt.Errorf("%w: got %s, want %d.x", ErrIncompatibleSchema, e.SchemaVersion, supported.Major())
	}
	return nil
}

// Marshal encodes the envelope.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalPayload(payload any) (jsoniter.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case jsoniter.RawMessage:
		return p, nil
	case []byte:
		return jsoniter.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
