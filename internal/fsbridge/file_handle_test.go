package fsbridge

import (
	"context"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/byronwade/wormhole/internal/cache"
	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/wire"
)

func TestOpenFileRejectsDirectory(t *testing.T) {
	fs, _ := newTestFileSystem(t, newFakeActor())
	fs.vfs.Insert(&vfs.Entry{Inode: 2, RelPath: "d", Type: wire.FileTypeDirectory})

	err := fs.OpenFile(context.Background(), &fuseops.OpenFileOp{Inode: fuseops.InodeID(2)})
	require.Error(t, err)
}

func TestReadFileReturnsChunkBytes(t *testing.T) {
	actor := newFakeActor()
	data := []byte("hello world")
	sum := blake3.Sum256(data)
	actor.on(wire.TypeReadChunkRequest, func(msg any) (any, wire.Type, error) {
		req := msg.(*wire.ReadChunkRequest)
		return &wire.ReadChunkResponse{ChunkID: req.ChunkID, Bytes: data, Checksum: sum}, wire.TypeReadChunkResponse, nil
	})
	fs, _ := newTestFileSystem(t, actor)
	fs.vfs.Insert(&vfs.Entry{Inode: 11, RelPath: "f", Type: wire.FileTypeRegular, Attrs: wire.Attrs{MtimeUnix: 1}})

	openOp := &fuseops.OpenFileOp{Inode: fuseops.InodeID(11)}
	require.NoError(t, fs.OpenFile(context.Background(), openOp))

	readOp := &fuseops.ReadFileOp{Inode: fuseops.InodeID(11), Offset: 0, Size: len(data)}
	require.NoError(t, fs.ReadFile(context.Background(), readOp))
	assert.Equal(t, data, readOp.Data)
}

func TestWriteFileAcquiresLockOnceThenCommitsOnFlush(t *testing.T) {
	actor := newFakeActor()
	acquireCalls := 0
	actor.on(wire.TypeAcquireLockRequest, func(msg any) (any, wire.Type, error) {
		acquireCalls++
		return &wire.LockResponse{Token: [16]byte{9}, ExpiryUnix: 1}, wire.TypeLockResponse, nil
	})
	actor.on(wire.TypeWriteChunkRequest, func(msg any) (any, wire.Type, error) {
		return &wire.WriteChunkResponse{OK: true}, wire.TypeWriteChunkResponse, nil
	})
	var committedSize uint64
	actor.on(wire.TypeCommitWriteRequest, func(msg any) (any, wire.Type, error) {
		req := msg.(*wire.CommitWriteRequest)
		committedSize = req.NewSize
		assert.Equal(t, [16]byte{9}, req.Token)
		return &wire.CommitWriteResponse{OK: true}, wire.TypeCommitWriteResponse, nil
	})
	actor.on(wire.TypeReleaseLockRequest, func(msg any) (any, wire.Type, error) {
		return &wire.OKResponse{OK: true}, wire.TypeOKResponse, nil
	})
	actor.on(wire.TypeGetAttrRequest, func(msg any) (any, wire.Type, error) {
		return &wire.GetAttrResponse{Attrs: okAttrs(wire.FileTypeRegular, 11)}, wire.TypeGetAttrResponse, nil
	})
	fs, _ := newTestFileSystem(t, actor)
	fs.vfs.Insert(&vfs.Entry{Inode: 12, RelPath: "f", Type: wire.FileTypeRegular})

	openOp := &fuseops.OpenFileOp{Inode: fuseops.InodeID(12)}
	require.NoError(t, fs.OpenFile(context.Background(), openOp))

	write1 := &fuseops.WriteFileOp{Inode: fuseops.InodeID(12), Handle: openOp.Handle, Offset: 0, Data: []byte("hello")}
	require.NoError(t, fs.WriteFile(context.Background(), write1))
	write2 := &fuseops.WriteFileOp{Inode: fuseops.InodeID(12), Handle: openOp.Handle, Offset: 5, Data: []byte(" world")}
	require.NoError(t, fs.WriteFile(context.Background(), write2))

	assert.Equal(t, 1, acquireCalls, "the lock must be acquired only once per handle")

	require.NoError(t, fs.FlushFile(context.Background(), &fuseops.FlushFileOp{Handle: openOp.Handle}))
	assert.EqualValues(t, 11, committedSize)

	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}))
	_, stillOpen := fs.fileHandles[openOp.Handle]
	assert.False(t, stillOpen)
}

func TestWriteFileSendsIntraChunkOffsetAndSplitsAcrossChunks(t *testing.T) {
	actor := newFakeActor()
	actor.on(wire.TypeAcquireLockRequest, func(msg any) (any, wire.Type, error) {
		return &wire.LockResponse{Token: [16]byte{1}, ExpiryUnix: 1}, wire.TypeLockResponse, nil
	})
	var reqs []*wire.WriteChunkRequest
	actor.on(wire.TypeWriteChunkRequest, func(msg any) (any, wire.Type, error) {
		reqs = append(reqs, msg.(*wire.WriteChunkRequest))
		return &wire.WriteChunkResponse{OK: true}, wire.TypeWriteChunkResponse, nil
	})
	fs, _ := newTestFileSystem(t, actor)
	fs.vfs.Insert(&vfs.Entry{Inode: 14, RelPath: "f", Type: wire.FileTypeRegular})

	openOp := &fuseops.OpenFileOp{Inode: fuseops.InodeID(14)}
	require.NoError(t, fs.OpenFile(context.Background(), openOp))

	// A write that starts 10 bytes before a chunk boundary and runs 20
	// bytes past it must become two WriteChunkRequests: one finishing out
	// chunk 0 at its own intra-chunk offset, one starting chunk 1 at offset 0.
	data := make([]byte, 30)
	for i := range data {
		data[i] = byte(i)
	}
	writeOp := &fuseops.WriteFileOp{
		Inode:  fuseops.InodeID(14),
		Handle: openOp.Handle,
		Offset: cache.ChunkSize - 10,
		Data:   data,
	}
	require.NoError(t, fs.WriteFile(context.Background(), writeOp))

	require.Len(t, reqs, 2)
	assert.EqualValues(t, 0, reqs[0].ChunkID.Index)
	assert.EqualValues(t, cache.ChunkSize-10, reqs[0].Offset)
	assert.Equal(t, data[:10], reqs[0].Bytes)
	assert.EqualValues(t, 1, reqs[1].ChunkID.Index)
	assert.EqualValues(t, 0, reqs[1].Offset)
	assert.Equal(t, data[10:], reqs[1].Bytes)
}

func TestReleaseFileHandleCommitsIfStillDirty(t *testing.T) {
	actor := newFakeActor()
	actor.on(wire.TypeAcquireLockRequest, func(msg any) (any, wire.Type, error) {
		return &wire.LockResponse{Token: [16]byte{4}, ExpiryUnix: 1}, wire.TypeLockResponse, nil
	})
	actor.on(wire.TypeWriteChunkRequest, func(msg any) (any, wire.Type, error) {
		return &wire.WriteChunkResponse{OK: true}, wire.TypeWriteChunkResponse, nil
	})
	committed := false
	actor.on(wire.TypeCommitWriteRequest, func(msg any) (any, wire.Type, error) {
		committed = true
		return &wire.CommitWriteResponse{OK: true}, wire.TypeCommitWriteResponse, nil
	})
	released := false
	actor.on(wire.TypeReleaseLockRequest, func(msg any) (any, wire.Type, error) {
		released = true
		return &wire.OKResponse{OK: true}, wire.TypeOKResponse, nil
	})
	fs, _ := newTestFileSystem(t, actor)
	fs.vfs.Insert(&vfs.Entry{Inode: 13, RelPath: "f", Type: wire.FileTypeRegular})

	openOp := &fuseops.OpenFileOp{Inode: fuseops.InodeID(13)}
	require.NoError(t, fs.OpenFile(context.Background(), openOp))
	require.NoError(t, fs.WriteFile(context.Background(), &fuseops.WriteFileOp{
		Inode: fuseops.InodeID(13), Handle: openOp.Handle, Offset: 0, Data: []byte("x"),
	}))

	require.NoError(t, fs.ReleaseFileHandle(context.Background(), &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}))
	assert.True(t, committed, "a dirty handle must commit on release even without an explicit flush")
	assert.True(t, released)
}
