package transport

import (
	"github.com/byronwade/wormhole/internal/wire"
)

// writeMessage encodes msg and writes a complete frame to stream.
func writeMessage(stream Stream, typ wire.Type, msg any) error {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(stream, typ, payload)
}

// readMessage reads one frame from stream and decodes it into its
// registered Go type.
func readMessage(stream Stream) (wire.Type, any, error) {
	typ, payload, err := wire.ReadFrame(stream)
	if err != nil {
		return 0, nil, err
	}
	msg, err := wire.DecodeMessage(typ, payload)
	if err != nil {
		return 0, nil, err
	}
	return typ, msg, nil
}
