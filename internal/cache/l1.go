package cache

import (
	"sync"

	"github.com/byronwade/wormhole/internal/clock"
)

// DefaultL1Capacity is the default L1 bound (§4.5).
const DefaultL1Capacity = 256 << 20 // 256 MiB

// L1 is the bounded in-memory tier. On lookup it touches the entry's
// last-access timestamp and access count; on insertion, if the size would
// exceed capacity, it evicts the lowest-scored entries until the new entry
// fits. Score is (access_count+1)/(age_seconds+1), a continuous LRU-K
// approximation that resists scan pollution — a single sequential pass
// through a huge file can't push out entries that have been read
// repeatedly.
type L1 struct {
	mu       sync.Mutex
	clock    clock.Clock
	capacity int64
	size     int64
	entries  map[ID]*Entry
}

// NewL1 returns an empty L1 cache bounded at capacity bytes. A capacity of
// 0 disables L1 (every Put is rejected); a negative capacity selects
// DefaultL1Capacity.
func NewL1(c clock.Clock, capacity int64) *L1 {
	if capacity < 0 {
		capacity = DefaultL1Capacity
	}
	return &L1{clock: c, capacity: capacity, entries: make(map[ID]*Entry)}
}

// Get returns the entry for id if present, touching its access stats.
func (l *L1) Get(id ID) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	e.LastAccess = l.clock.Now().Unix()
	e.AccessCount++
	return e, true
}

// Put admits e, evicting lowest-scored entries first until there is room.
// An entry larger than the whole capacity is rejected outright (it could
// never fit without evicting itself).
func (l *L1) Put(e *Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sz := e.Size()
	if sz > l.capacity {
		return false
	}

	if existing, ok := l.entries[e.ID]; ok {
		l.size -= existing.Size()
		delete(l.entries, e.ID)
	}

	for l.size+sz > l.capacity {
		victim, ok := l.lowestScored()
		if !ok {
			break
		}
		l.size -= l.entries[victim].Size()
		delete(l.entries, victim)
	}

	l.entries[e.ID] = e
	l.size += sz
	return true
}

// Invalidate removes every cached chunk belonging to inode — used when a
// getattr shows a changed mtime for the parent inode (§4.5 invalidation).
func (l *L1) Invalidate(inode uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, e := range l.entries {
		if id.Inode == inode {
			l.size -= e.Size()
			delete(l.entries, id)
		}
	}
}

// Len reports the current entry count.
func (l *L1) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Size reports current occupied bytes.
func (l *L1) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// lowestScored finds the entry with the smallest (access_count+1)/
// (age_seconds+1) score. Caller holds l.mu. A linear scan is acceptable:
// at 128 KiB chunks and a 256 MiB default capacity, L1 holds on the order
// of two thousand entries at most.
func (l *L1) lowestScored() (ID, bool) {
	now := l.clock.Now().Unix()

	var (
		best      ID
		bestScore float64
		found     bool
	)
	for id, e := range l.entries {
		age := now - e.FetchUnix
		if age < 0 {
			age = 0
		}
		score := float64(e.AccessCount+1) / float64(age+1)
		if !found || score < bestScore {
			best, bestScore, found = id, score, true
		}
	}
	return best, found
}
