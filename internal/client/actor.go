// Package client implements the §4.10 client-side request/response actor:
// it owns the transport session and presents a synchronous facade to the
// kernel filesystem bridge, which runs on a pre-emptive kernel thread and
// cannot suspend on a channel select the way the rest of this tree does.
//
// Grounded on the teacher's own bridge between kernel-driven, blocking
// callers and goroutine-driven internal machinery (fuseutil.
// MountedFileSystem.WaitForReady blocks on a channel a background goroutine
// closes), generalized here from "wait for one readiness event" to "wait
// for one correlated reply".
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/transport"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// outboxCapacity is the bounded channel size from §4.10: 100 outstanding
// requests before Do starts applying back-pressure.
const outboxCapacity = 100

// enqueueDeadline is how long Do waits for room in the outbox before
// giving up.
const enqueueDeadline = 5 * time.Second

// baseTimeout, rttPadding and maxTimeout bound the adaptive per-request
// deadline: max(3*RTT + 5s, 30s), capped at 60s.
const (
	baseTimeout = 30 * time.Second
	maxTimeout  = 60 * time.Second
	rttPadding  = 5 * time.Second
)

// retryAfterDefault is the fixed back-off a RateLimited response waits
// before its single retry; the wire protocol carries no explicit
// retry-after value, so the wait is this fixed constant.
const retryAfterDefault = 200 * time.Millisecond

// Result is what Do returns: either a decoded response message and its
// wire type, or an error from the closed taxonomy.
type Result struct {
	Msg  any
	Type wire.Type
	Err  error
}

type pendingRequest struct {
	typ   wire.Type
	msg   any
	reply chan Result
}

// Actor runs the asynchronous request loop and exposes the synchronous
// Do facade.
type Actor struct {
	session *transport.Session
	clock   clock.Clock

	outbox chan *pendingRequest

	mu          sync.Mutex
	rttEstimate time.Duration

	nextCID uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewActor constructs an Actor over an already-dialable session. Run must
// be started separately so callers control its lifetime relative to
// Session.Connect.
func NewActor(session *transport.Session, c clock.Clock) *Actor {
	return &Actor{
		session: session,
		clock:   c,
		outbox:  make(chan *pendingRequest, outboxCapacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run drives the actor's outbox until ctx is cancelled or Close is called.
// Each request is handled on its own goroutine once pulled off the
// channel, since the transport already opens one stream per request
// (§4.8) — there is no shared multiplexed reader to serialize through.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case req := <-a.outbox:
			go a.serve(ctx, req)
		}
	}
}

// Close stops Run and unblocks any caller waiting in Do's enqueue step.
func (a *Actor) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Do is the synchronous facade: enqueue typ/msg, then block the calling
// goroutine (a kernel worker thread, in the real bridge) on the one-shot
// reply channel until it arrives or ctx is cancelled.
func (a *Actor) Do(ctx context.Context, typ wire.Type, msg any) (any, wire.Type, error) {
	req := &pendingRequest{typ: typ, msg: msg, reply: make(chan Result, 1)}

	enqueueTimer := a.clock.After(enqueueDeadline)
	select {
	case a.outbox <- req:
	case <-enqueueTimer:
		return nil, 0, werrors.New(werrors.Timeout, "request outbox full")
	case <-a.stopCh:
		return nil, 0, werrors.New(werrors.PeerDisconnected, "actor closed")
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.Msg, r.Type, r.Err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (a *Actor) correlationID() uint64 {
	return atomic.AddUint64(&a.nextCID, 1)
}

// adaptiveTimeout computes max(3*RTT + 5s, 30s) capped at 60s, per §4.10.
func (a *Actor) adaptiveTimeout() time.Duration {
	a.mu.Lock()
	rtt := a.rttEstimate
	a.mu.Unlock()

	t := 3*rtt + rttPadding
	if t < baseTimeout {
		t = baseTimeout
	}
	if t > maxTimeout {
		t = maxTimeout
	}
	return t
}

// observeRTT folds one round trip's latency into the EWMA the adaptive
// timeout reads, weighting the new sample at 1/4 — a slow-moving average
// that doesn't let one outlier round trip balloon every later deadline.
func (a *Actor) observeRTT(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rttEstimate == 0 {
		a.rttEstimate = d
		return
	}
	a.rttEstimate = a.rttEstimate + (d-a.rttEstimate)/4
}

// serve runs the full retry matrix for one request and delivers exactly
// one Result to req.reply.
func (a *Actor) serve(ctx context.Context, req *pendingRequest) {
	_ = a.correlationID() // reserved for structured logging; no dispatch table needed, see Run's doc comment.
	req.reply <- a.attemptWithRetries(ctx, req)
}

// attemptWithRetries runs one logical request to completion, applying the
// §4.10 retry matrix by code: Timeout and ChecksumMismatch retry up to 3x
// with exponential backoff, RateLimited waits retry_after then retries
// once, everything else returns on first failure.
func (a *Actor) attemptWithRetries(ctx context.Context, req *pendingRequest) Result {
	const maxRetries = 3
	backoff := time.Second

	for attempt := 0; ; attempt++ {
		start := a.clock.Now()
		msg, typ, err := a.roundTrip(ctx, req)
		if err == nil {
			a.observeRTT(a.clock.Now().Sub(start))
			return Result{Msg: msg, Type: typ, Err: nil}
		}

		code := werrors.CodeOf(err)
		switch code {
		case werrors.Timeout, werrors.ChecksumMismatch:
			if attempt >= maxRetries {
				return Result{Err: err}
			}
			if !a.sleep(ctx, backoff) {
				return Result{Err: ctx.Err()}
			}
			backoff *= 2
			continue
		case werrors.RateLimited:
			if attempt >= 1 {
				return Result{Err: err}
			}
			if !a.sleep(ctx, retryAfterDefault) {
				return Result{Err: ctx.Err()}
			}
			continue
		default:
			return Result{Err: err}
		}
	}
}

func (a *Actor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-a.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// roundTripResult is the outcome of the write+read goroutine roundTrip
// races against the deadline.
type roundTripResult struct {
	msg any
	typ wire.Type
	err error
}

// roundTrip opens one stream, writes the request, and reads back exactly
// one response, racing the exchange against the adaptive per-request
// deadline using the actor's injected clock rather than a real timer, so
// both production code and tests run off the same time source. Session
// loss (OpenStream failing because the session isn't Ready) is retried
// against the session's own background reconnect loop until the deadline
// expires, at which point it surfaces as Timeout/PeerDisconnected per
// §4.10 step 5.
func (a *Actor) roundTrip(ctx context.Context, req *pendingRequest) (any, wire.Type, error) {
	timeoutCh := a.clock.After(a.adaptiveTimeout())

	stream, err := a.openStreamWithReconnectWait(ctx, timeoutCh)
	if err != nil {
		return nil, 0, err
	}

	doneCh := make(chan roundTripResult, 1)
	go func() {
		payload, err := wire.Marshal(req.msg)
		if err != nil {
			doneCh <- roundTripResult{err: err}
			return
		}
		if err := wire.WriteFrame(stream, req.typ, payload); err != nil {
			doneCh <- roundTripResult{err: err}
			return
		}
		typ, respPayload, err := wire.ReadFrame(stream)
		if err != nil {
			doneCh <- roundTripResult{err: err}
			return
		}
		msg, err := wire.DecodeMessage(typ, respPayload)
		if err != nil {
			doneCh <- roundTripResult{err: err}
			return
		}
		doneCh <- roundTripResult{msg: msg, typ: typ}
	}()

	select {
	case r := <-doneCh:
		stream.Close()
		if r.err != nil {
			return nil, 0, r.err
		}
		if errResp, ok := r.msg.(*wire.ErrorResponse); ok {
			return nil, r.typ, werrors.New(werrors.Code(errResp.Code), errResp.Message)
		}
		return r.msg, r.typ, nil
	case <-timeoutCh:
		stream.Close()
		return nil, 0, werrors.New(werrors.Timeout, "request timed out")
	case <-ctx.Done():
		stream.Close()
		return nil, 0, ctx.Err()
	}
}

// openStreamWithReconnectWait polls OpenStream until it succeeds or
// timeoutCh/ctx fires, giving the session's background supervise loop
// (internal/transport) a chance to reconnect within the caller's own
// deadline instead of failing on the first SessionExpired it sees.
func (a *Actor) openStreamWithReconnectWait(ctx context.Context, timeoutCh <-chan time.Time) (transport.Stream, error) {
	for {
		stream, err := a.session.OpenStream(ctx)
		if err == nil {
			return stream, nil
		}
		if werrors.CodeOf(err) != werrors.SessionExpired {
			return nil, err
		}
		select {
		case <-a.clock.After(50 * time.Millisecond):
		case <-timeoutCh:
			return nil, werrors.New(werrors.PeerDisconnected, "session did not reconnect before deadline")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
