package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/transport"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// pipeStream adapts a net.Conn half to transport.Stream, mirroring the
// transport package's own test double so the actor is driven by the same
// in-memory plumbing its production session dials through.
type pipeStream struct{ net.Conn }

type fakeConn struct {
	mu      sync.Mutex
	peer    *fakeConn
	streams chan transport.Stream
	done    chan struct{}
}

func newFakeConnPair() (*fakeConn, *fakeConn) {
	a := &fakeConn{streams: make(chan transport.Stream, 16), done: make(chan struct{})}
	b := &fakeConn{streams: make(chan transport.Stream, 16), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	local, remote := net.Pipe()
	c.peer.streams <- pipeStream{remote}
	return pipeStream{local}, nil
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close(code uint64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

// fakeDialer hands back one pre-connected pair and runs handler against
// every stream the server side accepts, so each test supplies its own
// canned response behavior.
type fakeDialer struct {
	serverID string
	pakeKey  []byte
	handler  func(typ wire.Type, msg any) (wire.Type, any)
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	client, server := newFakeConnPair()
	go func() {
		stream, err := server.AcceptStream(context.Background())
		if err != nil {
			return
		}
		defer stream.Close()
		if _, err := transport.ServerHandshake(context.Background(), stream, d.serverID, d.pakeKey); err != nil {
			return
		}

		for {
			s, err := server.AcceptStream(context.Background())
			if err != nil {
				return
			}
			go func(s transport.Stream) {
				defer s.Close()
				typ, payload, err := wire.ReadFrame(s)
				if err != nil {
					return
				}
				msg, err := wire.DecodeMessage(typ, payload)
				if err != nil {
					return
				}
				respType, resp := d.handler(typ, msg)
				out, err := wire.Marshal(resp)
				if err != nil {
					return
				}
				wire.WriteFrame(s, respType, out)
			}(s)
		}
	}()
	return client, nil
}

func testSessionConfig(key []byte) transport.Config {
	return transport.Config{
		ClientID:          "client-1",
		ServerID:          "server-1",
		KeepaliveInterval: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		PAKE:              transport.StaticPAKEProvider(key),
	}
}

func newReadySession(t *testing.T, fc clock.Clock, handler func(typ wire.Type, msg any) (wire.Type, any)) *transport.Session {
	t.Helper()
	key := []byte("shared-secret")
	d := &fakeDialer{serverID: "server-1", pakeKey: key, handler: handler}
	s := transport.NewSession(d, fc, testSessionConfig(key), nil)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestDoRoundTripSuccess(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	session := newReadySession(t, fc, func(typ wire.Type, msg any) (wire.Type, any) {
		req := msg.(*wire.GetAttrRequest)
		return wire.TypeGetAttrResponse, &wire.GetAttrResponse{Attrs: wire.Attrs{Size: req.Inode}}
	})

	a := NewActor(session, fc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Close()

	msg, typ, err := a.Do(context.Background(), wire.TypeGetAttrRequest, &wire.GetAttrRequest{Inode: 42})
	require.NoError(t, err)
	assert.Equal(t, wire.TypeGetAttrResponse, typ)
	assert.Equal(t, uint64(42), msg.(*wire.GetAttrResponse).Attrs.Size)
}

func TestDoSurfacesNonRetryableErrorOnFirstAttempt(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	var attempts int64
	session := newReadySession(t, fc, func(typ wire.Type, msg any) (wire.Type, any) {
		atomic.AddInt64(&attempts, 1)
		return wire.TypeErrorResponse, &wire.ErrorResponse{Code: int32(werrors.NotFound), Message: "no such inode"}
	})

	a := NewActor(session, fc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Close()

	_, _, err := a.Do(context.Background(), wire.TypeGetAttrRequest, &wire.GetAttrRequest{Inode: 1})
	require.Error(t, err)
	assert.Equal(t, werrors.NotFound, werrors.CodeOf(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}

func TestDoRetriesRateLimitedExactlyOnce(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	var attempts int64
	session := newReadySession(t, fc, func(typ wire.Type, msg any) (wire.Type, any) {
		n := atomic.AddInt64(&attempts, 1)
		if n == 1 {
			return wire.TypeErrorResponse, &wire.ErrorResponse{Code: int32(werrors.RateLimited), Message: "slow down"}
		}
		return wire.TypeGetAttrResponse, &wire.GetAttrResponse{Attrs: wire.Attrs{Size: 7}}
	})

	a := NewActor(session, fc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Close()

	done := make(chan struct{})
	var msg any
	var err error
	go func() {
		msg, _, err = a.Do(context.Background(), wire.TypeGetAttrRequest, &wire.GetAttrRequest{Inode: 1})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	fc.Advance(retryAfterDefault * 2)

	<-done
	require.NoError(t, err)
	assert.Equal(t, uint64(7), msg.(*wire.GetAttrResponse).Attrs.Size)
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
}

func TestDoGivesUpAfterRateLimitedTwice(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	session := newReadySession(t, fc, func(typ wire.Type, msg any) (wire.Type, any) {
		return wire.TypeErrorResponse, &wire.ErrorResponse{Code: int32(werrors.RateLimited), Message: "slow down"}
	})

	a := NewActor(session, fc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Do(context.Background(), wire.TypeGetAttrRequest, &wire.GetAttrRequest{Inode: 1})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	fc.Advance(retryAfterDefault * 2)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, werrors.RateLimited, werrors.CodeOf(err))
}

func TestAdaptiveTimeoutFloorAndCap(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	a := NewActor(nil, fc)

	assert.Equal(t, baseTimeout, a.adaptiveTimeout())

	a.observeRTT(100 * time.Second)
	assert.Equal(t, maxTimeout, a.adaptiveTimeout())
}

func TestObserveRTTIsExponentialMovingAverage(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	a := NewActor(nil, fc)

	a.observeRTT(4 * time.Second)
	assert.Equal(t, 4*time.Second, a.rttEstimate)

	a.observeRTT(8 * time.Second)
	assert.Equal(t, 5*time.Second, a.rttEstimate)
}

func TestDoEnqueueDeadlineWhenOutboxFull(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	a := NewActor(nil, fc)
	// Fill the outbox directly without a running Run loop draining it.
	for i := 0; i < outboxCapacity; i++ {
		a.outbox <- &pendingRequest{reply: make(chan Result, 1)}
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Do(context.Background(), wire.TypeGetAttrRequest, &wire.GetAttrRequest{Inode: 1})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	fc.Advance(enqueueDeadline * 2)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, werrors.Timeout, werrors.CodeOf(err))
}

func TestCloseUnblocksPendingEnqueue(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	a := NewActor(nil, fc)
	for i := 0; i < outboxCapacity; i++ {
		a.outbox <- &pendingRequest{reply: make(chan Result, 1)}
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Do(context.Background(), wire.TypeGetAttrRequest, &wire.GetAttrRequest{Inode: 1})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Close()

	err := <-done
	require.Error(t, err)
	assert.Equal(t, werrors.PeerDisconnected, werrors.CodeOf(err))
}
