package server

import (
	"fmt"

	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/transport"
)

// Broadcast emits a push notification to every caller connected to ep right
// now. Callers that connect later never see it.
func Broadcast(ep transport.Endpoint, name string, args any) error {
	env, err := message.NewPush(name, args)
	if err != nil {
		return err
	}
	data, err := codec.GetCodec(codec.CodecTypeJSON).Encode(env)
	if err != nil {
		return fmt.Errorf("server: encode push %q: %w", name, err)
	}
	return ep.Broadcast(data)
}
