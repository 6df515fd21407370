package codec

import "mini-ipc/message"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

// Codec turns envelopes into channel payloads and back.
type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte) (*message.Envelope, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}
