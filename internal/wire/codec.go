package wire

import (
	"sync"
	"unicode"

	"github.com/fxamacker/cbor/v2"

	"github.com/byronwade/wormhole/internal/werrors"
)

// encMode is built once at package init in canonical (deterministic) mode,
// so the same Go value always serializes to the same bytes — required for
// reproducible tests and for the codec's round-trip property.
var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

var decMode = func() cbor.DecMode {
	opts := cbor.DecOptions{
		// ExtraReturnErrors is the default; cbor.Unmarshal already rejects
		// trailing bytes after a complete value, which is what the codec's
		// "trailing bytes" rejection rule needs.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}
	m, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, werrors.Wrap(werrors.ProtocolError, err, "encoding payload")
	}
	return b, nil
}

// Unmarshal decodes b into v, failing with ProtocolError on malformed or
// trailing-byte payloads (cbor.Unmarshal already rejects trailing data
// after a complete top-level item).
func Unmarshal(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return werrors.Wrap(werrors.ProtocolError, err, "decoding payload")
	}
	return nil
}

// EncodeMessage encodes msg's payload only; typ is not used and no frame
// is written (see WriteFrame).
func EncodeMessage(typ Type, msg any) ([]byte, error) {
	return Marshal(msg)
}

// messagePool maps a Type to a constructor for its zero value, so a
// generic reader can decode without a type switch at every call site.
var messagePool = sync.Map{} // Type -> func() any

func init() {
	register(TypeHandshake, func() any { return &Handshake{} })
	register(TypeHandshakeAck, func() any { return &HandshakeAck{} })
	register(TypePing, func() any { return &Ping{} })
	register(TypePong, func() any { return &Pong{} })
	register(TypeGoodbye, func() any { return &Goodbye{} })
	register(TypeListDirRequest, func() any { return &ListDirRequest{} })
	register(TypeListDirResponse, func() any { return &ListDirResponse{} })
	register(TypeGetAttrRequest, func() any { return &GetAttrRequest{} })
	register(TypeGetAttrResponse, func() any { return &GetAttrResponse{} })
	register(TypeLookupRequest, func() any { return &LookupRequest{} })
	register(TypeLookupResponse, func() any { return &LookupResponse{} })
	register(TypeForgetRequest, func() any { return &ForgetRequest{} })
	register(TypeForgetResponse, func() any { return &ForgetResponse{} })
	register(TypeReadChunkRequest, func() any { return &ReadChunkRequest{} })
	register(TypeReadChunkResponse, func() any { return &ReadChunkResponse{} })
	register(TypeWriteChunkRequest, func() any { return &WriteChunkRequest{} })
	register(TypeWriteChunkResponse, func() any { return &WriteChunkResponse{} })
	register(TypeAcquireLockRequest, func() any { return &AcquireLockRequest{} })
	register(TypeLockResponse, func() any { return &LockResponse{} })
	register(TypeRefreshLockRequest, func() any { return &RefreshLockRequest{} })
	register(TypeReleaseLockRequest, func() any { return &ReleaseLockRequest{} })
	register(TypeCommitWriteRequest, func() any { return &CommitWriteRequest{} })
	register(TypeCommitWriteResponse, func() any { return &CommitWriteResponse{} })
	register(TypeMkDirRequest, func() any { return &MkDirRequest{} })
	register(TypeMkDirResponse, func() any { return &MkDirResponse{} })
	register(TypeCreateFileRequest, func() any { return &CreateFileRequest{} })
	register(TypeCreateFileResponse, func() any { return &CreateFileResponse{} })
	register(TypeUnlinkRequest, func() any { return &UnlinkRequest{} })
	register(TypeRmDirRequest, func() any { return &RmDirRequest{} })
	register(TypeRenameRequest, func() any { return &RenameRequest{} })
	register(TypeOKResponse, func() any { return &OKResponse{} })
	register(TypeErrorResponse, func() any { return &ErrorResponse{} })
}

func register(t Type, ctor func() any) {
	messagePool.Store(t, ctor)
}

// NewMessage returns a freshly allocated zero value for typ, or
// ProtocolError if typ is unknown.
func NewMessage(typ Type) (any, error) {
	v, ok := messagePool.Load(typ)
	if !ok {
		return nil, werrors.New(werrors.ProtocolError, "unknown tag")
	}
	return v.(func() any)(), nil
}

// DecodeMessage allocates the right struct for typ, decodes payload into
// it, and validates any path-like string fields against control characters
// and null bytes per the codec's path-safety rule.
func DecodeMessage(typ Type, payload []byte) (any, error) {
	msg, err := NewMessage(typ)
	if err != nil {
		return nil, err
	}
	if err := Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	if err := validatePathFields(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validatePathFields rejects control characters and null bytes in the
// name/path fields the spec calls out explicitly (§4.1).
func validatePathFields(msg any) error {
	var names []string
	switch m := msg.(type) {
	case *LookupRequest:
		names = []string{m.Name}
	case *MkDirRequest:
		names = []string{m.Name}
	case *CreateFileRequest:
		names = []string{m.Name}
	case *UnlinkRequest:
		names = []string{m.Name}
	case *RmDirRequest:
		names = []string{m.Name}
	case *RenameRequest:
		names = []string{m.OldName, m.NewName}
	default:
		return nil
	}
	for _, name := range names {
		if err := validatePathString(name); err != nil {
			return err
		}
	}
	return nil
}

func validatePathString(s string) error {
	for _, r := range s {
		if unicode.IsControl(r) {
			return werrors.New(werrors.ProtocolError, "control character or null byte in path field")
		}
	}
	return nil
}
