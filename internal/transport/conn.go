package transport

import (
	"context"
	"io"
)

// Stream is one bidirectional request/response exchange within a
// connection. A fresh stream per request/response pair is the expected
// pattern (§4.8), so streams are cheap and short-lived.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Conn is the multiplexed, encrypted connection abstraction §4.8 requires:
// head-of-line-blocking-free concurrent streams over one underlying
// transport. Implemented by quicConn (the real QUIC-backed transport) and
// by fakes in tests.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	// Done is closed when the underlying connection is gone — dropped by
	// the peer, or closed locally via Close.
	Done() <-chan struct{}
	Close(code uint64, reason string) error
}

// Dialer opens new Conns to a single fixed peer. The session layer calls
// Dial once per connection attempt, including reconnects.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Listener accepts inbound Conns, used on the host side.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}
