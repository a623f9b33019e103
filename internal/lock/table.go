// Package lock implements the per-inode lock table of §4.7: shared/
// exclusive grants with a compatibility matrix, 128-bit opaque tokens,
// TTL-bound leases that must be refreshed, and FIFO waiter wakeup.
//
// Grounded on the lock/owner/range model of juicefs's meta.Meta interface
// (Flock/Setlk take an inode, owner, and lock type) for the shape of "who
// holds what on which inode", generalized from juicefs's POSIX byte-range
// semantics down to this project's file-granularity requirement, and
// combined with the teacher's syncutil.InvariantMutex idiom already used
// in internal/vfs for the table's own invariant (at most one exclusive
// holder, or N≥1 shared holders, never both).
package lock

import (
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"

	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// DefaultTTL is the lease duration granted on acquire and restored on
// refresh, per §4.7.
const DefaultTTL = 30 * time.Second

// Token is the opaque 128-bit handle returned on grant.
type Token = [16]byte

// Kind mirrors wire.LockKind without importing wire's full message set
// into callers that only need Shared/Exclusive.
type Kind = wire.LockKind

const (
	Shared    = wire.LockShared
	Exclusive = wire.LockExclusive
)

// holder is one granted lock.
type holder struct {
	token   Token
	kind    Kind
	expires time.Time
}

// waiter is a queued request for an inode already held incompatibly.
type waiter struct {
	kind   Kind
	result chan waitResult
}

type waitResult struct {
	token   Token
	expires time.Time
	err     error
}

// entry is the per-inode lock state: zero or more shared holders, or at
// most one exclusive holder, plus a FIFO waiter queue.
type entry struct {
	exclusive *holder
	shared    map[Token]*holder
	waiters   []*waiter
}

func newEntry() *entry {
	return &entry{shared: make(map[Token]*holder)}
}

func (e *entry) empty() bool {
	return e.exclusive == nil && len(e.shared) == 0 && len(e.waiters) == 0
}

// Table is the daemon's single lock table, one per host process.
type Table struct {
	clock clock.Clock
	ttl   time.Duration

	mu      syncutil.InvariantMutex
	entries map[uint64]*entry    // GUARDED_BY(mu)
	tokens  map[Token]uint64     // token -> inode, GUARDED_BY(mu)
}

// NewTable constructs a lock table with the given lease TTL (DefaultTTL if
// zero).
func NewTable(c clock.Clock, ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Table{
		clock:   c,
		ttl:     ttl,
		entries: make(map[uint64]*entry),
		tokens:  make(map[Token]uint64),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	for inode, e := range t.entries {
		if e.exclusive != nil && len(e.shared) > 0 {
			panic("lock: inode holds both exclusive and shared locks")
		}
		if e.exclusive != nil {
			if t.tokens[e.exclusive.token] != inode {
				panic("lock: exclusive holder missing from token index")
			}
		}
		for tok, h := range e.shared {
			if tok != h.token {
				panic("lock: shared holder keyed under wrong token")
			}
			if t.tokens[tok] != inode {
				panic("lock: shared holder missing from token index")
			}
		}
	}
}

// Acquire attempts to grant kind on inode, blocking (subject to ctx-less
// cooperative queuing — the caller is expected to apply its own deadline
// via AcquireLockRequest's TimeoutMs) until granted or the table decides the
// request cannot proceed. It never blocks the calling goroutine on I/O or
// the network; callers on a suspension-capable goroutine (the client actor
// or host dispatcher, never a kernel thread per §5) select on the
// returned channel against their own deadline timer.
func (t *Table) Acquire(inode uint64, kind Kind) <-chan waitResultPublic {
	out := make(chan waitResultPublic, 1)

	if kind != Shared && kind != Exclusive {
		out <- waitResultPublic{Err: werrors.New(werrors.NotImplemented, "lock: only shared and exclusive locks are supported")}
		close(out)
		return out
	}

	t.mu.Lock()
	t.reapLocked(inode)
	e, ok := t.entries[inode]
	if !ok {
		e = newEntry()
		t.entries[inode] = e
	}

	if grantableLocked(e, kind) {
		h := t.grantLocked(inode, e, kind)
		t.mu.Unlock()
		out <- waitResultPublic{Token: h.token, ExpiresAt: h.expires}
		close(out)
		return out
	}

	w := &waiter{kind: kind, result: make(chan waitResult, 1)}
	e.waiters = append(e.waiters, w)
	t.mu.Unlock()

	go func() {
		r := <-w.result
		out <- waitResultPublic{Token: r.token, ExpiresAt: r.expires, Err: r.err}
		close(out)
	}()
	return out
}

// waitResultPublic is the channel payload Acquire's caller observes.
type waitResultPublic struct {
	Token     Token
	ExpiresAt time.Time
	Err       error
}

// grantableLocked reports whether kind can be granted immediately against
// e's current holders, per the §4.7 compatibility matrix.
func grantableLocked(e *entry, kind Kind) bool {
	if e.exclusive != nil {
		return false
	}
	if kind == Exclusive {
		return len(e.shared) == 0
	}
	return true // Shared request, no exclusive holder: always grantable
}

// grantLocked issues a token and records the holder. Caller holds t.mu.
func (t *Table) grantLocked(inode uint64, e *entry, kind Kind) *holder {
	tok := Token(uuid.New())
	h := &holder{token: tok, kind: kind, expires: t.clock.Now().Add(t.ttl)}
	t.tokens[tok] = inode
	if kind == Exclusive {
		e.exclusive = h
	} else {
		e.shared[tok] = h
	}
	return h
}

// Refresh idempotently extends token's expiry by another TTL. Fails with
// InvalidLockToken if the token is unrecognized or already expired and
// reaped.
func (t *Table) Refresh(token Token) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inode, ok := t.tokens[token]
	if !ok {
		return werrors.New(werrors.InvalidLockToken, "refresh: unrecognized token")
	}
	e := t.entries[inode]
	t.reapLocked(inode)
	// reapLocked may have just dropped this very token if it expired
	// between lookup and reap; re-check.
	if _, ok := t.tokens[token]; !ok {
		return werrors.New(werrors.InvalidLockToken, "refresh: token expired")
	}

	if e.exclusive != nil && e.exclusive.token == token {
		e.exclusive.expires = t.clock.Now().Add(t.ttl)
		return nil
	}
	if h, ok := e.shared[token]; ok {
		h.expires = t.clock.Now().Add(t.ttl)
		return nil
	}
	return werrors.New(werrors.InvalidLockToken, "refresh: unrecognized token")
}

// Release drops token's holder, waking the next FIFO waiter if the inode
// becomes available. Fails with InvalidLockToken if unrecognized.
func (t *Table) Release(token Token) error {
	t.mu.Lock()

	inode, ok := t.tokens[token]
	if !ok {
		t.mu.Unlock()
		return werrors.New(werrors.InvalidLockToken, "release: unrecognized token")
	}
	e := t.entries[inode]

	released := false
	if e.exclusive != nil && e.exclusive.token == token {
		e.exclusive = nil
		released = true
	} else if _, ok := e.shared[token]; ok {
		delete(e.shared, token)
		released = true
	}
	delete(t.tokens, token)

	if !released {
		t.mu.Unlock()
		return werrors.New(werrors.InvalidLockToken, "release: unrecognized token")
	}

	t.wakeWaitersLocked(inode, e)
	if e.empty() {
		delete(t.entries, inode)
	}
	t.mu.Unlock()
	return nil
}

// wakeWaitersLocked grants as many queued waiters as the current holder
// state allows, in FIFO order: shared waiters may pile up together once
// the head of the queue is shared and grantable, but an exclusive waiter
// blocks everyone behind it until it is itself granted.
func (t *Table) wakeWaitersLocked(inode uint64, e *entry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !grantableLocked(e, w.kind) {
			break
		}
		h := t.grantLocked(inode, e, w.kind)
		w.result <- waitResult{token: h.token, expires: h.expires}
		e.waiters = e.waiters[1:]
		if w.kind == Exclusive {
			break // an exclusive grant makes the inode unavailable again
		}
	}
}

// reapLocked drops any expired holders on inode and wakes waiters as
// vacancies open up. Called lazily on every access per §4.7; Sweep (below)
// calls it eagerly across the whole table.
func (t *Table) reapLocked(inode uint64) {
	e, ok := t.entries[inode]
	if !ok {
		return
	}
	now := t.clock.Now()

	if e.exclusive != nil && !e.exclusive.expires.After(now) {
		delete(t.tokens, e.exclusive.token)
		e.exclusive = nil
	}
	for tok, h := range e.shared {
		if !h.expires.After(now) {
			delete(t.tokens, tok)
			delete(e.shared, tok)
		}
	}
	t.wakeWaitersLocked(inode, e)
	if e.empty() {
		delete(t.entries, inode)
	}
}

// Sweep eagerly reaps expired holders across every inode in the table; run
// periodically by the host per §4.7's "periodic sweep" requirement.
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for inode := range t.entries {
		t.reapLocked(inode)
	}
}

// RunSweeper starts a goroutine that calls Sweep every interval until stop
// is closed.
func RunSweeper(t *Table, c clock.Clock, interval time.Duration, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-c.After(interval):
				t.Sweep()
			}
		}
	}()
}

// InodeForToken reports which inode token was issued against, so a caller
// holding only a token (as CommitWriteRequest does) can recover the inode
// it applies to.
func (t *Table) InodeForToken(token Token) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inode, ok := t.tokens[token]
	return inode, ok
}

// HeldExclusive reports whether token is a currently-valid exclusive holder of
// inode — the check the write/truncate/create/unlink/rename paths use
// before admitting a mutation, per §4.7.
func (t *Table) HeldExclusive(inode uint64, token Token) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reapLocked(inode)

	e, ok := t.entries[inode]
	if !ok || e.exclusive == nil {
		return false
	}
	return e.exclusive.token == token
}
