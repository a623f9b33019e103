package vfs

import (
	"sync/atomic"

	"github.com/byronwade/wormhole/internal/wire"
)

// RefCount mirrors the kernel's lookup/forget contract: Inc on every
// successful lookup response, Dec(n) on every forget notification. It is
// safe for concurrent use without any other lock, since reads of an Entry
// from the Map's lock-free path may race with a concurrent forget.
type RefCount struct {
	n int64
}

// Inc records one more outstanding kernel lookup.
func (r *RefCount) Inc() {
	atomic.AddInt64(&r.n, 1)
}

// Dec decrements by n, returning true if the count reached exactly zero.
// It panics if n exceeds the current count — mirroring the teacher's
// lookupCount, a forget decrementing past zero is a kernel protocol
// violation, not a condition to degrade gracefully from.
func (r *RefCount) Dec(n uint64) (destroyed bool) {
	result := atomic.AddInt64(&r.n, -int64(n))
	if result < 0 {
		panic("forget count exceeds outstanding lookup count")
	}
	return result == 0
}

// Count returns the current outstanding-lookup count.
func (r *RefCount) Count() int64 {
	return atomic.LoadInt64(&r.n)
}

// Entry is a VFS entry: an inode, its path relative to the share root,
// cached attributes, an optional ordered child-inode list (present once a
// directory has been listed), and a reference count. Entries are
// immutable with respect to their Inode/RelPath; Attrs, Children, and
// RefCount are the only fields a writer mutates in place.
type Entry struct {
	Inode   uint64
	RelPath string
	Type    wire.FileType

	Attrs    wire.Attrs
	AttrsAt  int64 // unix seconds the attrs were fetched/refreshed

	// Children holds ordered child inodes once this directory has been
	// listed at least once; nil for files, symlinks, and not-yet-listed
	// directories.
	Children []uint64

	RefCount RefCount
}

// IsDir reports whether this entry represents a directory.
func (e *Entry) IsDir() bool { return e.Type == wire.FileTypeDirectory }
