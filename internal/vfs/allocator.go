package vfs

import "sync"

// RootInodeID is reserved for the share root, per §3's Inode entity.
const RootInodeID uint64 = 1

// firstUserInodeID is the first id the allocator hands out for anything
// other than the root.
const firstUserInodeID uint64 = 2

// freeListCap bounds the recycled-inode free list at roughly 10000
// entries, per §4.3's allocation strategy.
const freeListCap = 10000

// Allocator hands out inode numbers: a monotonically increasing counter,
// backed by a bounded free list of recently forgotten inodes that are
// recycled first.
type Allocator struct {
	mu       sync.Mutex
	next     uint64
	freeList []uint64
}

// NewAllocator returns an allocator ready to hand out ids starting at
// firstUserInodeID.
func NewAllocator() *Allocator {
	return &Allocator{next: firstUserInodeID}
}

// Allocate returns a recycled id from the free list if one is available,
// otherwise the next unused id from the counter.
func (a *Allocator) Allocate() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freeList); n > 0 {
		id := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return id
	}

	id := a.next
	a.next++
	return id
}

// Release returns id to the free list once its refcount has reached zero
// and the kernel has forgotten it. If the free list is at capacity, id is
// simply dropped — the counter never runs out for any filesystem this size
// bound is meant to serve.
func (a *Allocator) Release(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.freeList) >= freeListCap {
		return
	}
	a.freeList = append(a.freeList, id)
}

// Len reports the in-flight allocated-id high-water mark, for diagnostics.
func (a *Allocator) Len() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - firstUserInodeID
}
