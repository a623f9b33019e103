package wire

import (
	"encoding/binary"
	"io"

	"github.com/byronwade/wormhole/internal/werrors"
)

// MaxFrameSize is the hard ceiling on a frame's body (1-byte tag +
// payload), the value the 4-byte length prefix carries. Frames larger than
// this are rejected before any payload allocation happens.
const MaxFrameSize = 1 << 20 // 1 MiB

// headerSize is the length prefix plus the type tag, counted separately
// from the length prefix's own value (the length prefix covers tag+payload).
const headerSize = 4 + 1

// WriteFrame writes typ and payload to w as a single frame: 4-byte
// little-endian length (covering the type byte and payload), the type
// byte, then the payload.
func WriteFrame(w io.Writer, typ Type, payload []byte) error {
	bodyLen := 1 + len(payload)
	if bodyLen > MaxFrameSize {
		return werrors.New(werrors.MessageTooLarge, "frame exceeds maximum size")
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(bodyLen))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return werrors.Wrap(werrors.Io, err, "writing frame length")
	}
	if _, err := w.Write([]byte{byte(typ)}); err != nil {
		return werrors.Wrap(werrors.Io, err, "writing frame type")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return werrors.Wrap(werrors.Io, err, "writing frame payload")
		}
	}
	return nil
}

// ReadFrame reads one frame from r. It rejects oversized frames by
// inspecting the length prefix before allocating a payload buffer, per the
// "reject larger frames without allocating" requirement.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return 0, nil, err
		}
		return 0, nil, werrors.Wrap(werrors.Io, err, "reading frame length")
	}

	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen == 0 {
		return 0, nil, werrors.New(werrors.ProtocolError, "zero-length frame body")
	}
	if bodyLen > MaxFrameSize {
		return 0, nil, werrors.New(werrors.ProtocolError, "frame-too-large")
	}

	var typBuf [1]byte
	if _, err := io.ReadFull(r, typBuf[:]); err != nil {
		return 0, nil, werrors.Wrap(werrors.Io, err, "reading frame type")
	}

	payload := make([]byte, bodyLen-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, werrors.Wrap(werrors.Io, err, "reading frame payload")
		}
	}

	typ := Type(typBuf[0])
	if !validType(typ) {
		return 0, nil, werrors.New(werrors.ProtocolError, "unknown tag")
	}

	return typ, payload, nil
}

func validType(t Type) bool {
	return t >= TypeHandshake && t <= TypeErrorResponse
}
