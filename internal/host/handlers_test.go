package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byronwade/wormhole/internal/cache"
	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/lock"
	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string, clock.Clock) {
	t.Helper()
	root := t.TempDir()
	fc := clock.NewFakeClock(time.Unix(0, 0))

	l1 := cache.NewL1(fc, cache.DefaultL1Capacity)
	l2, err := cache.OpenL2(fc, filepath.Join(root, ".cache"), cache.DefaultL2Capacity)
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })

	d := New(
		Config{Root: root, ServerID: "server-1"},
		fc,
		vfs.NewMap(),
		vfs.NewAllocator(),
		vfs.NewTypeCache(fc, time.Minute),
		cache.New(fc, l1, l2),
		lock.NewTable(fc, lock.DefaultTTL),
		nil,
		nil,
		nil,
	)
	return d, root, fc
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, relPath), []byte(content), 0o644))
}

func TestListDirAllocatesAndListsChildren(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	resp, err := d.handleListDir(&wire.ListDirRequest{Inode: vfs.RootInodeID})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)

	names := map[string]wire.FileType{}
	for _, e := range resp.Entries {
		names[e.Name] = e.Type
	}
	assert.Equal(t, wire.FileTypeRegular, names["a.txt"])
	assert.Equal(t, wire.FileTypeDirectory, names["sub"])
}

func TestListDirRejectsNonDirectory(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")

	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	_, err = d.handleListDir(&wire.ListDirRequest{Inode: lookup.Inode})
	require.Error(t, err)
	assert.Equal(t, werrors.NotADirectory, werrors.CodeOf(err))
}

func TestLookupReusesInodeAcrossCalls(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")

	r1, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	r2, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	assert.Equal(t, r1.Inode, r2.Inode)
	assert.Equal(t, uint64(5), r2.Attrs.Size)
}

func TestLookupUnknownNameFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "missing.txt"})
	require.Error(t, err)
	assert.Equal(t, werrors.NotFound, werrors.CodeOf(err))
}

func TestGetAttrReportsSize(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello world")

	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	resp, err := d.handleGetAttr(&wire.GetAttrRequest{Inode: lookup.Inode})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), resp.Attrs.Size)
	assert.Equal(t, wire.FileTypeRegular, resp.Attrs.Type)
}

func TestReadChunkRoundTrip(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	content := make([]byte, cache.ChunkSize+10)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), content, 0o644))

	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "big.bin"})
	require.NoError(t, err)

	resp, err := d.handleReadChunk(context.Background(), &wire.ReadChunkRequest{
		ChunkID: wire.ChunkID{Inode: lookup.Inode, Index: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, content[:cache.ChunkSize], resp.Bytes)

	resp2, err := d.handleReadChunk(context.Background(), &wire.ReadChunkRequest{
		ChunkID: wire.ChunkID{Inode: lookup.Inode, Index: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, content[cache.ChunkSize:], resp2.Bytes)
}

func TestWriteChunkRequiresExclusiveLock(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")
	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	_, err = d.handleWriteChunk(&wire.WriteChunkRequest{
		ChunkID: wire.ChunkID{Inode: lookup.Inode, Index: 0},
		Bytes:   []byte("nope"),
	})
	require.Error(t, err)
	assert.Equal(t, werrors.LockNotHeld, werrors.CodeOf(err))
}

func acquireExclusive(t *testing.T, d *Dispatcher, inode uint64) lock.Token {
	t.Helper()
	r := <-d.locks.Acquire(inode, lock.Exclusive)
	require.NoError(t, r.Err)
	return r.Token
}

func TestWriteChunkThenCommitUpdatesFileAndInvalidatesCache(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "0123456789")
	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	token := acquireExclusive(t, d, lookup.Inode)

	_, err = d.handleReadChunk(context.Background(), &wire.ReadChunkRequest{
		ChunkID: wire.ChunkID{Inode: lookup.Inode, Index: 0},
	})
	require.NoError(t, err)

	_, err = d.handleWriteChunk(&wire.WriteChunkRequest{
		ChunkID:   wire.ChunkID{Inode: lookup.Inode, Index: 0},
		Bytes:     []byte("ABCDE"),
		LockToken: token,
	})
	require.NoError(t, err)

	commitResp, err := d.handleCommitWrite(&wire.CommitWriteRequest{Token: token, NewSize: 5})
	require.NoError(t, err)
	assert.True(t, commitResp.OK)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", string(data))

	readResp, err := d.handleReadChunk(context.Background(), &wire.ReadChunkRequest{
		ChunkID: wire.ChunkID{Inode: lookup.Inode, Index: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", string(readResp.Bytes))
}

func TestWriteChunkHonorsIntraChunkOffset(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "0123456789")
	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	token := acquireExclusive(t, d, lookup.Inode)

	_, err = d.handleReadChunk(context.Background(), &wire.ReadChunkRequest{
		ChunkID: wire.ChunkID{Inode: lookup.Inode, Index: 0},
	})
	require.NoError(t, err)

	_, err = d.handleWriteChunk(&wire.WriteChunkRequest{
		ChunkID:   wire.ChunkID{Inode: lookup.Inode, Index: 0},
		Offset:    5,
		Bytes:     []byte("XYZ"),
		LockToken: token,
	})
	require.NoError(t, err)

	commitResp, err := d.handleCommitWrite(&wire.CommitWriteRequest{Token: token, NewSize: 10})
	require.NoError(t, err)
	assert.True(t, commitResp.OK)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "01234XYZ89", string(data))
}

func TestWriteChunkRejectsOffsetPastChunkEnd(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")
	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)
	token := acquireExclusive(t, d, lookup.Inode)

	_, err = d.handleWriteChunk(&wire.WriteChunkRequest{
		ChunkID:   wire.ChunkID{Inode: lookup.Inode, Index: 0},
		Offset:    uint32(cache.ChunkSize - 2),
		Bytes:     []byte("abcd"),
		LockToken: token,
	})
	require.Error(t, err)
	assert.Equal(t, werrors.ChunkOutOfRange, werrors.CodeOf(err))
}

func TestCommitWriteRejectsWrongToken(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")

	_, err := d.handleCommitWrite(&wire.CommitWriteRequest{Token: lock.Token{}, NewSize: 0})
	require.Error(t, err)
	assert.Equal(t, werrors.InvalidLockToken, werrors.CodeOf(err))
}

func TestLockRefreshAndRelease(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	r := <-d.locks.Acquire(vfs.RootInodeID, lock.Shared)
	require.NoError(t, r.Err)

	refreshResp, err := d.handleRefreshLock(&wire.RefreshLockRequest{Token: r.Token})
	require.NoError(t, err)
	assert.Equal(t, r.Token, refreshResp.Token)

	releaseResp, err := d.handleReleaseLock(&wire.ReleaseLockRequest{Token: r.Token})
	require.NoError(t, err)
	assert.True(t, releaseResp.OK)
}

func TestAcquireLockConflictTimesOut(t *testing.T) {
	d, _, fc := newTestDispatcher(t)
	_ = acquireExclusive(t, d, vfs.RootInodeID)

	done := make(chan error, 1)
	go func() {
		_, err := d.handleAcquireLock(context.Background(), &wire.AcquireLockRequest{
			Inode: vfs.RootInodeID, Type: wire.LockExclusive, TimeoutMs: 1000,
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	fc.Advance(2 * time.Second)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, werrors.LockConflict, werrors.CodeOf(err))
}

func TestMkDirCreatesDirectoryAndAllocatesInode(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	token := acquireExclusive(t, d, vfs.RootInodeID)

	resp, err := d.handleMkDir(&wire.MkDirRequest{ParentInode: vfs.RootInodeID, Name: "sub", Mode: 0o755, LockToken: token})
	require.NoError(t, err)
	assert.Equal(t, wire.FileTypeDirectory, resp.Attrs.Type)

	info, err := os.Stat(filepath.Join(root, "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMkDirWithoutLockFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.handleMkDir(&wire.MkDirRequest{ParentInode: vfs.RootInodeID, Name: "sub", Mode: 0o755})
	require.Error(t, err)
	assert.Equal(t, werrors.LockNotHeld, werrors.CodeOf(err))
}

func TestMkDirRejectsExistingName(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	token := acquireExclusive(t, d, vfs.RootInodeID)

	_, err := d.handleMkDir(&wire.MkDirRequest{ParentInode: vfs.RootInodeID, Name: "sub", Mode: 0o755, LockToken: token})
	require.Error(t, err)
	assert.Equal(t, werrors.AlreadyExists, werrors.CodeOf(err))
}

func TestCreateFileThenUnlink(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	token := acquireExclusive(t, d, vfs.RootInodeID)

	createResp, err := d.handleCreateFile(&wire.CreateFileRequest{ParentInode: vfs.RootInodeID, Name: "new.txt", Mode: 0o644, LockToken: token})
	require.NoError(t, err)
	assert.Equal(t, wire.FileTypeRegular, createResp.Attrs.Type)
	_, err = os.Stat(filepath.Join(root, "new.txt"))
	require.NoError(t, err)

	_, err = d.handleCreateFile(&wire.CreateFileRequest{ParentInode: vfs.RootInodeID, Name: "new.txt", Mode: 0o644, LockToken: token})
	require.Error(t, err)
	assert.Equal(t, werrors.AlreadyExists, werrors.CodeOf(err))

	okResp, err := d.handleUnlink(&wire.UnlinkRequest{ParentInode: vfs.RootInodeID, Name: "new.txt", LockToken: token})
	require.NoError(t, err)
	assert.True(t, okResp.OK)
	_, err = os.Stat(filepath.Join(root, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRmDirRejectsNonEmptyDirectory(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	writeFile(t, root, "sub/a.txt", "x")
	token := acquireExclusive(t, d, vfs.RootInodeID)

	_, err := d.handleRmDir(&wire.RmDirRequest{ParentInode: vfs.RootInodeID, Name: "sub", LockToken: token})
	require.Error(t, err)
	assert.Equal(t, werrors.NotEmpty, werrors.CodeOf(err))
}

func TestRmDirRemovesEmptyDirectory(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	token := acquireExclusive(t, d, vfs.RootInodeID)

	resp, err := d.handleRmDir(&wire.RmDirRequest{ParentInode: vfs.RootInodeID, Name: "sub", LockToken: token})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	_, err = os.Stat(filepath.Join(root, "sub"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenameMovesFileAndUpdatesVFS(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")
	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	token := acquireExclusive(t, d, vfs.RootInodeID)
	resp, err := d.handleRename(&wire.RenameRequest{
		OldParentInode: vfs.RootInodeID, OldName: "a.txt",
		NewParentInode: vfs.RootInodeID, NewName: "b.txt",
		LockToken: token,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	_, err = os.Stat(filepath.Join(root, "a.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "b.txt"))
	require.NoError(t, err)

	moved := d.vfs.Lookup(lookup.Inode)
	require.NotNil(t, moved)
	assert.Equal(t, "b.txt", moved.RelPath)
}

func TestForgetDropsEntryAndRecyclesInodeAtZero(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")

	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)
	require.NotNil(t, d.vfs.Lookup(lookup.Inode))

	resp, err := d.handleForget(&wire.ForgetRequest{Inode: lookup.Inode, Nlookup: 1})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	assert.Nil(t, d.vfs.Lookup(lookup.Inode))

	recycled := d.alloc.Allocate()
	assert.Equal(t, lookup.Inode, recycled)
}

func TestForgetPartialDecrementKeepsEntry(t *testing.T) {
	d, root, _ := newTestDispatcher(t)
	writeFile(t, root, "a.txt", "hello")

	lookup, err := d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)
	_, err = d.handleLookup(&wire.LookupRequest{ParentInode: vfs.RootInodeID, Name: "a.txt"})
	require.NoError(t, err)

	resp, err := d.handleForget(&wire.ForgetRequest{Inode: lookup.Inode, Nlookup: 1})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	assert.NotNil(t, d.vfs.Lookup(lookup.Inode))
}

func TestForgetUnknownInodeIsNoop(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp, err := d.handleForget(&wire.ForgetRequest{Inode: 99999, Nlookup: 1})
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestReadOnlyRejectsWriteClassMessages(t *testing.T) {
	assert.True(t, isWriteClass(wire.TypeWriteChunkRequest))
	assert.True(t, isWriteClass(wire.TypeCommitWriteRequest))
	assert.False(t, isWriteClass(wire.TypeReadChunkRequest))
	assert.False(t, isWriteClass(wire.TypeAcquireLockRequest))
}
