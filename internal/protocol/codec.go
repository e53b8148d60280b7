package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned when bytes do not decode to a valid envelope.
// Callers treat it as a per-connection error and keep serving.
var ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

// Encode serializes an envelope as JSON.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates one envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.ID == "" {
		return Envelope{}, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	if !KnownType(env.Type) {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}
	if env.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: missing sender_id", ErrMalformedEnvelope)
	}
	if env.Type == TypeAck && env.Payload.AckID == "" {
		return Envelope{}, fmt.Errorf("%w: ack without ack_id", ErrMalformedEnvelope)
	}
	return env, nil
}
