package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"mini-ipc/message"
)

// ErrMalformed is returned when a payload is not a JSON envelope.
var ErrMalformed = errors.New("codec: malformed envelope")

// JSONCodec encodes envelopes as UTF-8 JSON objects, one per channel message.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses data into an envelope. Both invalid JSON and JSON whose fields
// have the wrong types (e.g. a numeric id) are reported as ErrMalformed.
func (c *JSONCodec) Decode(data []byte) (*message.Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	env := &message.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// RecoverID extracts a string "id" from a payload that failed to decode.
// gjson scans leniently, so an id preceding the point of corruption is still
// found. Non-string ids are not recoverable.
func RecoverID(data []byte) (string, bool) {
	res := gjson.GetBytes(data, "id")
	if res.Type != gjson.String || res.Str == "" {
		return "", false
	}
	return res.Str, true
}
