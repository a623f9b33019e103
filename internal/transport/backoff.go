package transport

import (
	"context"
	"math/rand"
	"time"

	"github.com/byronwade/wormhole/internal/clock"
)

// backoffConfig parameterizes exponential backoff with jitter, per §4.8's
// reconnect budget (initial 1s, multiplier 2, cap 30s, ±10% jitter).
//
// Grounded on the teacher's storageutil package: its retry_test.go
// reconstructs an unexported exponentialBackoffConfig{initial, max,
// multiplier} plus a waitWithJitter(ctx) method, even though the
// implementation file itself isn't in this copy of the tree. This type
// reproduces that shape for session reconnect instead of GCS RPC retry.
type backoffConfig struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// exponentialBackoff tracks the next duration to wait, growing by
// multiplier on each call and capping at max. It waits via an injected
// clock.Clock rather than raw time.Timer so reconnect tests can drive it
// deterministically with a FakeClock, matching the pattern already used
// for TTL logic in internal/lock and internal/vfs.
type exponentialBackoff struct {
	clock  clock.Clock
	config backoffConfig
	next   time.Duration
	prev   time.Duration
}

func newExponentialBackoff(c clock.Clock, cfg backoffConfig) *exponentialBackoff {
	return &exponentialBackoff{clock: c, config: cfg, next: cfg.initial}
}

// nextDuration returns the current backoff and advances it by multiplier,
// capped at config.max.
func (b *exponentialBackoff) nextDuration() time.Duration {
	d := b.next
	b.prev = d
	grown := time.Duration(float64(b.next) * b.config.multiplier)
	if grown > b.config.max {
		grown = b.config.max
	}
	b.next = grown
	return d
}

// jitter applies ±10% symmetric jitter to d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.10
	delta := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}

// waitWithJitter blocks for nextDuration()+jitter, or returns early with
// ctx.Err() if ctx is cancelled first.
func (b *exponentialBackoff) waitWithJitter(ctx context.Context) error {
	d := jitter(b.nextDuration())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(d):
		return nil
	}
}

// reconnectBackoffConfig is the concrete §4.8 reconnect policy.
var reconnectBackoffConfig = backoffConfig{
	initial:    1 * time.Second,
	max:        30 * time.Second,
	multiplier: 2.0,
}

// MaxReconnectAttempts is the reconnect budget of §4.8.
const MaxReconnectAttempts = 5
