package fsbridge

import (
	"context"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/wire"
)

func TestOpenDirRejectsNonDirectory(t *testing.T) {
	fs, _ := newTestFileSystem(t, newFakeActor())
	fs.vfs.Insert(&vfs.Entry{Inode: 5, RelPath: "f", Type: wire.FileTypeRegular})

	err := fs.OpenDir(context.Background(), &fuseops.OpenDirOp{Inode: fuseops.InodeID(5)})
	require.Error(t, err)
}

func TestReadDirFillsAndPaginates(t *testing.T) {
	actor := newFakeActor()
	pages := [][]wire.DirEntry{
		{{Name: "a", Type: wire.FileTypeRegular}, {Name: "b", Type: wire.FileTypeDirectory}},
		{},
	}
	call := 0
	actor.on(wire.TypeListDirRequest, func(msg any) (any, wire.Type, error) {
		var entries []wire.DirEntry
		if call < len(pages) {
			entries = pages[call]
		}
		call++
		return &wire.ListDirResponse{Entries: entries, HasMore: false}, wire.TypeListDirResponse, nil
	})
	fs, _ := newTestFileSystem(t, actor)

	openOp := &fuseops.OpenDirOp{Inode: fuseops.InodeID(vfs.RootInodeID)}
	require.NoError(t, fs.OpenDir(context.Background(), openOp))

	readOp := &fuseops.ReadDirOp{
		Inode:  fuseops.InodeID(vfs.RootInodeID),
		Handle: openOp.Handle,
		Offset: 0,
		Size:   4096,
	}
	require.NoError(t, fs.ReadDir(context.Background(), readOp))
	assert.NotEmpty(t, readOp.Data)

	require.NoError(t, fs.ReleaseDirHandle(context.Background(), &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
	_, stillOpen := fs.dirHandles[openOp.Handle]
	assert.False(t, stillOpen)
}

func TestReadDirUnknownHandleErrors(t *testing.T) {
	fs, _ := newTestFileSystem(t, newFakeActor())
	err := fs.ReadDir(context.Background(), &fuseops.ReadDirOp{Handle: 999, Size: 16})
	require.Error(t, err)
}

func TestPlaceholderInodeIsStableAndNonZero(t *testing.T) {
	a := placeholderInode("some/path")
	b := placeholderInode("some/path")
	c := placeholderInode("other/path")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotZero(t, a)
}

func TestFillDirHandleUsesKnownInodeWhenResolved(t *testing.T) {
	actor := newFakeActor()
	actor.on(wire.TypeListDirRequest, func(msg any) (any, wire.Type, error) {
		return &wire.ListDirResponse{
			Entries: []wire.DirEntry{{Name: "known", Type: wire.FileTypeRegular}},
			HasMore: false,
		}, wire.TypeListDirResponse, nil
	})
	fs, _ := newTestFileSystem(t, actor)
	fs.vfs.Insert(&vfs.Entry{Inode: 77, RelPath: "known", Type: wire.FileTypeRegular})

	dh := newDirHandle(fuseops.InodeID(vfs.RootInodeID))
	require.NoError(t, fs.fillDirHandle(context.Background(), dh))
	require.Len(t, dh.entries, 1)
	assert.EqualValues(t, 77, dh.entries[0].Inode)
}
