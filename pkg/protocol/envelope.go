package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type tags carried in Envelope.Type
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

var (
	// ErrMalformed is returned when a frame is not a valid envelope
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingType is returned when an envelope has no type tag
	ErrMissingType = errors.New("envelope type is required")
)

// Envelope is the unit of wire transport between hub and client.
//
// ID is only set on request/response traffic. Token and Message are only
// used by the handshake pair.
type Envelope struct {
	ID      uint64          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Token   string          `json:"token,omitempty"`
	Message string          `json:"message,omitempty"`
}

// IsReply reports whether the envelope answers a correlated call
func (e Envelope) IsReply() bool {
	return e.ID != 0
}

// NewEnvelope builds an envelope with data marshaled to JSON
func NewEnvelope(typ string, data any) (Envelope, error) {
	raw, err := MarshalData(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// MarshalData turns an arbitrary payload into raw JSON. nil stays nil and
// json.RawMessage is passed through untouched.
func MarshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: data is not valid JSON", ErrMalformed)
		}
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope data: %w", err)
	}
	return raw, nil
}

// Encode serializes an envelope for the wire
func Encode(e Envelope) ([]byte, error) {
	if e.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(e)
}

// Decode parses a wire frame into an envelope
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return e, nil
}
