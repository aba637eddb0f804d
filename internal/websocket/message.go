package websocket

import (
	"encoding/json"
	"fmt"

	"windtwin-gateway/internal/data"
)

// Envelope is the wire frame for every hub message: a named target and its
// positional arguments.
type Envelope struct {
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

// Encode builds the frame for target with a single argument.
func Encode(target string, payload any) ([]byte, error) {
	arg, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", target, err)
	}
	return json.Marshal(Envelope{Target: target, Arguments: []json.RawMessage{arg}})
}

// Decode parses a frame. It fails when the frame has no arguments.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: hub frame: %v", data.ErrParse, err)
	}
	if env.Target == "" || len(env.Arguments) == 0 {
		return Envelope{}, fmt.Errorf("%w: hub frame without target or arguments", data.ErrParse)
	}
	return env, nil
}
