package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrEmptyDatagram = errors.New("empty datagram")
	ErrMissingTag    = errors.New("envelope has no tag")
)

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Tag, err)
	}
	return data, nil
}

// Decode parses a datagram into an envelope. The payload stays generic
// until the receiving subsystem decodes it with DecodePayload.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDatagram
	}
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to decode datagram: %w", err)
	}
	if env.Tag == "" {
		return nil, ErrMissingTag
	}
	return env, nil
}

// DecodePayload converts the generic payload of an envelope into the
// typed struct the tag implies. JSON numbers arrive as float64, so the
// decoder runs weakly typed.
func DecodePayload(env *Envelope, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build payload decoder: %w", err)
	}
	if err := decoder.Decode(env.Payload); err != nil {
		return fmt.Errorf("bad %s payload: %w", env.Tag, err)
	}
	return nil
}

// EncodeOp flattens a typed replication op into the generic map carried
// inside a REPL payload.
func EncodeOp(op interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode op: %w", err)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to flatten op: %w", err)
	}
	return out, nil
}

// DecodeOp converts a generic op map back into a typed op struct.
func DecodeOp(op map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build op decoder: %w", err)
	}
	return decoder.Decode(op)
}
