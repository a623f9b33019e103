package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byronwade/wormhole/internal/clock"
)

func TestAllocatorMonotonicAndRecycles(t *testing.T) {
	a := NewAllocator()
	id1 := a.Allocate()
	id2 := a.Allocate()
	assert.Equal(t, firstUserInodeID, id1)
	assert.Equal(t, firstUserInodeID+1, id2)

	a.Release(id1)
	id3 := a.Allocate()
	assert.Equal(t, id1, id3, "freed inodes are recycled before the counter advances")
}

func TestAllocatorFreeListBounded(t *testing.T) {
	a := NewAllocator()
	ids := make([]uint64, 0, freeListCap+5)
	for i := 0; i < freeListCap+5; i++ {
		ids = append(ids, a.Allocate())
	}
	for _, id := range ids {
		a.Release(id)
	}
	assert.LessOrEqual(t, len(a.freeList), freeListCap)
}

func TestRefCountIncDecDestroy(t *testing.T) {
	var rc RefCount
	rc.Inc()
	rc.Inc()
	assert.False(t, rc.Dec(1))
	assert.True(t, rc.Dec(1))
	assert.Equal(t, int64(0), rc.Count())
}

func TestRefCountPanicsOnOverdecrement(t *testing.T) {
	var rc RefCount
	rc.Inc()
	assert.Panics(t, func() { rc.Dec(2) })
}

func TestMapInsertLookupRemove(t *testing.T) {
	m := NewMap()
	e := &Entry{Inode: 2, RelPath: "a.txt"}
	m.Insert(e)

	assert.Equal(t, e, m.Lookup(2))
	assert.Equal(t, e, m.LookupPath("a.txt"))

	m.Remove(2)
	assert.Nil(t, m.Lookup(2))
	assert.Nil(t, m.LookupPath("a.txt"))
}

func TestMapRootAlwaysPresent(t *testing.T) {
	m := NewMap()
	root := m.Lookup(RootInodeID)
	require.NotNil(t, root)
	assert.Equal(t, ".", root.RelPath)
}

func TestMapRenameCascadesDescendants(t *testing.T) {
	m := NewMap()
	m.Insert(&Entry{Inode: 2, RelPath: "dir"})
	m.Insert(&Entry{Inode: 3, RelPath: "dir/child.txt"})

	require.NoError(t, m.Rename("dir", "dir2"))

	assert.Nil(t, m.LookupPath("dir"))
	assert.Nil(t, m.LookupPath("dir/child.txt"))

	moved := m.LookupPath("dir2")
	require.NotNil(t, moved)
	assert.Equal(t, uint64(2), moved.Inode)

	child := m.LookupPath("dir2/child.txt")
	require.NotNil(t, child)
	assert.Equal(t, uint64(3), child.Inode)
}

func TestMapRenameUnknownPath(t *testing.T) {
	m := NewMap()
	err := m.Rename("nope", "also-nope")
	assert.Error(t, err)
}

func TestTypeCacheNoteAndExpire(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	tc := NewTypeCache(fc, time.Second)

	tc.NoteFile(1, "a.txt")
	assert.True(t, tc.IsFile(1, "a.txt"))
	assert.False(t, tc.IsDir(1, "a.txt"))

	fc.Advance(2 * time.Second)
	assert.False(t, tc.IsFile(1, "a.txt"), "entry should have expired")
}

func TestTypeCacheZeroTTLDisabled(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	tc := NewTypeCache(fc, 0)
	tc.NoteDir(1, "sub")
	assert.False(t, tc.IsDir(1, "sub"))
}

func TestTypeCacheErase(t *testing.T) {
	fc := clock.NewFakeClock(time.Unix(0, 0))
	tc := NewTypeCache(fc, time.Minute)
	tc.NoteDir(1, "sub")
	require.True(t, tc.IsDir(1, "sub"))
	tc.Erase(1, "sub")
	assert.False(t, tc.IsDir(1, "sub"))
}
