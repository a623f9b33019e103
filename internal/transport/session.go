// Package transport implements the §4.8 session: a QUIC-backed,
// multiplexed, encrypted connection to one peer, with an explicit
// Disconnected → Connecting → Authenticating → Ready ↔ Reconnecting →
// Disconnected state machine, application keepalives, and a bounded,
// exponentially-backed-off reconnect budget.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// State is one node of the §4.8 session state machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Ready:
		return "Ready"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config parameterizes a Session. KeepaliveInterval and IdleTimeout are
// used as given and not checked here. cfg.ValidateConfig, which checks the
// configuration values they are built from, accepts a keepalive of 1s-60s
// and an idle timeout of 10s-1h, so it does not hold them to ≤ 10s and
// ≥ 60s.
type Config struct {
	ClientID         string
	ServerID         string
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	PAKE              PAKEProvider
}

// StateChangeFunc is notified on every state transition; used to bridge
// into the event hub (LockAcquired-style typed events) without this
// package depending on it directly.
type StateChangeFunc func(from, to State)

// Session owns one logical connection to a peer from the client side: it
// dials, authenticates, and transparently reconnects within budget,
// presenting OpenStream to callers that don't need to know which attempt
// is currently live.
type Session struct {
	dialer Dialer
	clock  clock.Clock
	cfg    Config
	onChange StateChangeFunc

	mu    sync.Mutex
	state State
	conn  Conn

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSession constructs a Session that will dial through dialer.
func NewSession(dialer Dialer, c clock.Clock, cfg Config, onChange StateChangeFunc) *Session {
	if onChange == nil {
		onChange = func(State, State) {}
	}
	return &Session{
		dialer:   dialer,
		clock:    c,
		cfg:      cfg,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		s.onChange(from, to)
	}
}

// State reports the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect performs the initial Connecting → Authenticating → Ready
// transition, making up to MaxReconnectAttempts dial+handshake attempts
// with exponential backoff between them before giving up. On success it starts
// the background keepalive/reconnect loop, which runs until Close.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.connectWithBudget(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(Ready)

	go s.supervise(ctx)
	return nil
}

// connectWithBudget makes up to MaxReconnectAttempts dial+handshake
// attempts in total, backing off between them. It does not mutate s.conn or
// s.state to Ready itself — callers (Connect and the reconnect path in
// supervise) do that once they have a live conn in hand.
func (s *Session) connectWithBudget(ctx context.Context) (Conn, error) {
	backoff := newExponentialBackoff(s.clock, reconnectBackoffConfig)

	var lastErr error
	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			s.setState(Reconnecting)
			if err := backoff.waitWithJitter(ctx); err != nil {
				return nil, err
			}
		}

		s.setState(Connecting)
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		s.setState(Authenticating)
		if err := s.authenticate(ctx, conn); err != nil {
			conn.Close(0, "handshake failed")
			lastErr = err
			continue
		}

		return conn, nil
	}

	s.setState(Disconnected)
	return nil, werrors.Wrap(werrors.PeerDisconnected, lastErr, "reconnect budget exhausted")
}

func (s *Session) authenticate(ctx context.Context, conn Conn) error {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	key, err := s.cfg.PAKE(ctx)
	if err != nil {
		return err
	}
	_, err = clientHandshake(ctx, stream, s.cfg.ClientID, key)
	return err
}

// supervise watches the live connection for loss and drives reconnection,
// and sends application keepalives at the configured interval. It returns
// when Close is called or the reconnect budget is exhausted.
func (s *Session) supervise(ctx context.Context) {
	keepalive := s.clock.After(s.cfg.KeepaliveInterval)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-conn.Done():
			select {
			case <-s.stopCh:
				return
			default:
			}
			newConn, err := s.connectWithBudget(ctx)
			if err != nil {
				return // Disconnected was already set by connectWithBudget.
			}
			s.mu.Lock()
			s.conn = newConn
			s.mu.Unlock()
			s.setState(Ready)
			keepalive = s.clock.After(s.cfg.KeepaliveInterval)
		case <-keepalive:
			s.sendKeepalive(ctx, conn)
			keepalive = s.clock.After(s.cfg.KeepaliveInterval)
		}
	}
}

func (s *Session) sendKeepalive(ctx context.Context, conn Conn) {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return
	}
	defer stream.Close()
	_ = writeMessage(stream, wire.TypePing, &wire.Ping{})
}

// OpenStream opens a fresh request/response stream on the current
// connection, failing with SessionExpired if the session isn't Ready.
func (s *Session) OpenStream(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	state, conn := s.state, s.conn
	s.mu.Unlock()

	if state != Ready {
		return nil, werrors.New(werrors.SessionExpired, "session not ready: "+state.String())
	}
	return conn.OpenStream(ctx)
}

// Close terminates the session: the background loop stops and the
// underlying connection, if any, is closed.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close(0, "session closed")
	}
	s.setState(Disconnected)
}
