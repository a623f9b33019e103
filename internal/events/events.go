// Package events is the §6 event stream: a typed, lossy broadcast of
// host/client lifecycle notices toward a UI or CLI. Subscribers may miss
// events under backpressure and must not depend on completeness, so
// publishing never blocks — a full subscriber buffer drops its oldest
// entry to make room, the same "bounded container, push evicts" shape as
// the teacher's common/queue.go generalized from an unbounded linked
// list to a fixed-capacity ring.
package events

import (
	"context"
	"sync"

	"github.com/byronwade/wormhole/internal/clock"
)

// Kind is one of the fixed event kinds §6 names.
type Kind int

const (
	HostStarted Kind = iota
	ClientConnected
	MountReady
	SyncProgress
	LockAcquired
	LockDenied
	Error
)

func (k Kind) String() string {
	switch k {
	case HostStarted:
		return "HostStarted"
	case ClientConnected:
		return "ClientConnected"
	case MountReady:
		return "MountReady"
	case SyncProgress:
		return "SyncProgress"
	case LockAcquired:
		return "LockAcquired"
	case LockDenied:
		return "LockDenied"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is one notice on the stream. Fields carries kind-specific detail
// (e.g. "client" for ClientConnected, "inode"/"token" for LockAcquired),
// deliberately untyped the way logger.Fields is — the event stream is a
// notification channel, not a second wire protocol.
type Event struct {
	Kind   Kind
	AtUnix int64
	Fields map[string]any
}

// DefaultBuffer is the per-subscriber capacity used when Subscribe
// doesn't need a caller-chosen size.
const DefaultBuffer = 64

// Hub is a multi-subscriber, lossy broadcast point. The zero value is
// not usable; construct with New.
type Hub struct {
	clock clock.Clock

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

// New returns a Hub that stamps published events with c's clock.
func New(c clock.Clock) *Hub {
	return &Hub{clock: c, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new listener with a buffer of bufferSize events
// (values below 1 select DefaultBuffer) and returns its channel plus an unsubscribe
// func the caller must eventually call to release it.
func (h *Hub) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize < 1 {
		bufferSize = DefaultBuffer
	}
	s := &subscriber{ch: make(chan Event, bufferSize)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
	}
	return s.ch, unsubscribe
}

// Publish stamps ev with the current time and broadcasts it to every
// subscriber, never blocking: a subscriber whose buffer is full has its
// oldest pending event dropped to make room for the new one.
func (h *Hub) Publish(kind Kind, fields map[string]any) {
	ev := Event{Kind: kind, AtUnix: h.clock.Now().Unix(), Fields: fields}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

// PublishContext is Publish with a ctx param for call sites that already
// carry one (e.g. a request handler winding down); the context is not
// otherwise consulted since Publish never blocks.
func (h *Hub) PublishContext(ctx context.Context, kind Kind, fields map[string]any) {
	h.Publish(kind, fields)
}
