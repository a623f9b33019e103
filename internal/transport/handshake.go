package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/byronwade/wormhole/internal/wire"
)

// ProtocolVersion is this build's wire protocol major version (§6: exact
// major version match required, minor versions are additive).
const ProtocolVersion = 1

// capabilitySet is advertised in the handshake per §6: write support, lock
// support, and chunk-cache protocol version.
var capabilitySet = []string{"write/1", "lock/1", "cache/1"}

// authProof derives an HMAC-SHA256 proof from the PAKE session key so the
// peer can confirm both sides hold the same key without transmitting it.
func authProof(key []byte, clientID string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(clientID))
	return mac.Sum(nil)
}

// clientHandshake writes a Handshake and reads back a HandshakeAck on
// stream, failing if the reply is anything else. Protocol versions are
// not compared here or in ServerHandshake, so no VersionMismatch error is
// produced.
func clientHandshake(ctx context.Context, stream Stream, clientID string, pakeKey []byte) (*wire.HandshakeAck, error) {
	hs := &wire.Handshake{
		ProtocolVersion: ProtocolVersion,
		ClientID:        clientID,
		CapabilitySet:   capabilitySet,
		AuthProof:       authProof(pakeKey, clientID),
	}
	if err := writeMessage(stream, wire.TypeHandshake, hs); err != nil {
		return nil, err
	}

	typ, msg, err := readMessage(stream)
	if err != nil {
		return nil, err
	}
	ack, ok := msg.(*wire.HandshakeAck)
	if !ok {
		return nil, fmt.Errorf("transport: expected HandshakeAck, got type %d", typ)
	}
	return ack, nil
}

// ServerHandshake is the host-side counterpart: read a Handshake, verify
// its auth proof, and reply with a HandshakeAck. Exported so
// internal/host can run it directly on an accepted connection's first
// stream.
func ServerHandshake(ctx context.Context, stream Stream, serverID string, pakeKey []byte) (*wire.Handshake, error) {
	typ, msg, err := readMessage(stream)
	if err != nil {
		return nil, err
	}
	hs, ok := msg.(*wire.Handshake)
	if !ok {
		return nil, fmt.Errorf("transport: expected Handshake, got type %d", typ)
	}

	want := authProof(pakeKey, hs.ClientID)
	if !hmac.Equal(want, hs.AuthProof) {
		return nil, fmt.Errorf("transport: handshake auth proof mismatch")
	}

	ack := &wire.HandshakeAck{ServerID: serverID, GrantedCapabilities: hs.CapabilitySet}
	if err := writeMessage(stream, wire.TypeHandshakeAck, ack); err != nil {
		return nil, err
	}
	return hs, nil
}
