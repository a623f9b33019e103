// Package vfs is the client-side mirror of the shared tree: an inode
// allocator, a bidirectional inode<->path map, and a TTL-bounded directory
// type cache that together back every FUSE bridge callback.
package vfs

import (
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
)

// mapState is an immutable snapshot of the map's two indices. Writers
// build a new mapState from the previous one and publish it atomically;
// readers load the current pointer and never see a partially updated
// snapshot, which is what makes Lookup lock-free.
type mapState struct {
	byInode map[uint64]*Entry
	byPath  map[string]uint64
}

func emptyState() *mapState {
	return &mapState{byInode: make(map[uint64]*Entry), byPath: make(map[string]uint64)}
}

func (s *mapState) clone() *mapState {
	n := &mapState{
		byInode: make(map[uint64]*Entry, len(s.byInode)),
		byPath:  make(map[string]uint64, len(s.byPath)),
	}
	for k, v := range s.byInode {
		n.byInode[k] = v
	}
	for k, v := range s.byPath {
		n.byPath[k] = v
	}
	return n
}

// Map is the VFS map: inode -> entry and path -> inode, updated atomically
// with respect to observers. Reads go through an atomic pointer load with
// no locking at all; writes are serialized through an invariant-checking
// mutex, mirroring the teacher's fs.mu discipline in fs/fs.go.
type Map struct {
	state atomic.Pointer[mapState]
	mu    syncutil.InvariantMutex
}

// NewMap returns a Map containing only the share root at RootInodeID.
func NewMap() *Map {
	m := &Map{}
	root := &Entry{Inode: RootInodeID, RelPath: "."}
	s := emptyState()
	s.byInode[RootInodeID] = root
	s.byPath["."] = RootInodeID
	m.state.Store(s)
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

// checkInvariants validates the two indices agree with each other. It
// panics on violation, matching the teacher's own checkInvariants style —
// these are programmer errors, not data-dependent conditions, so a panic
// here never reaches the kernel-facing bridge (see internal/werrors'
// never-panic rule, which applies only at that boundary).
func (m *Map) checkInvariants() {
	s := m.state.Load()
	for path, id := range s.byPath {
		e, ok := s.byInode[id]
		if !ok {
			panic(fmt.Sprintf("byPath[%q] = %d has no byInode entry", path, id))
		}
		if e.RelPath != path {
			panic(fmt.Sprintf("byPath[%q] = %d but byInode[%d].RelPath = %q", path, id, id, e.RelPath))
		}
	}
	for id, e := range s.byInode {
		if e.Inode != id {
			panic(fmt.Sprintf("byInode[%d].Inode = %d", id, e.Inode))
		}
	}
}

// Lookup returns the entry for inode, or nil if absent. Lock-free.
func (m *Map) Lookup(inode uint64) *Entry {
	return m.state.Load().byInode[inode]
}

// LookupPath returns the entry for relPath, or nil if absent. Lock-free.
func (m *Map) LookupPath(relPath string) *Entry {
	s := m.state.Load()
	id, ok := s.byPath[relPath]
	if !ok {
		return nil
	}
	return s.byInode[id]
}

// Insert publishes a new entry into both indices.
func (m *Map) Insert(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Load().clone()
	next.byInode[e.Inode] = e
	next.byPath[e.RelPath] = e.Inode
	m.state.Store(next)
}

// Remove drops inode from both indices. Called only once its refcount has
// reached zero and the kernel has forgotten it (§4.3).
func (m *Map) Remove(inode uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Load()
	e, ok := cur.byInode[inode]
	if !ok {
		return
	}

	next := cur.clone()
	delete(next.byInode, inode)
	delete(next.byPath, e.RelPath)
	m.state.Store(next)
}

// Rename moves an entry from oldPath to newPath, keeping its inode and
// updating the path index, then cascading the new prefix to any
// descendants already present in the map (a rename of a listed directory
// moves its whole known subtree).
func (m *Map) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Load()
	id, ok := cur.byPath[oldPath]
	if !ok {
		return fmt.Errorf("vfs: no entry at path %q", oldPath)
	}

	next := cur.clone()
	prefix := oldPath + "/"
	for path, pid := range cur.byPath {
		if path == oldPath {
			continue
		}
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			rebased := newPath + path[len(oldPath):]
			delete(next.byPath, path)
			next.byPath[rebased] = pid
			e := next.byInode[pid]
			updated := *e
			updated.RelPath = rebased
			next.byInode[pid] = &updated
		}
	}

	delete(next.byPath, oldPath)
	next.byPath[newPath] = id
	e := *next.byInode[id]
	e.RelPath = newPath
	next.byInode[id] = &e

	m.state.Store(next)
	return nil
}

// Len reports the number of entries currently tracked.
func (m *Map) Len() int {
	return len(m.state.Load().byInode)
}
