package transport

import "context"

// PAKEProvider is the boundary stub of §6: PAKE session-key derivation is
// owned by the external rendezvous component, not this package. It
// returns a symmetric key usable to authenticate the session (mixed into
// the handshake's auth proof in handshake.go) once a join code has been
// exchanged out of band.
type PAKEProvider func(ctx context.Context) ([]byte, error)

// StaticPAKEProvider returns a fixed key, useful for tests and for a
// LAN-trust deployment that skips PAKE negotiation entirely.
func StaticPAKEProvider(key []byte) PAKEProvider {
	return func(ctx context.Context) ([]byte, error) { return key, nil }
}
