package fsbridge

import (
	"context"
	"hash/fnv"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// dirHandle buffers one page of ListDir entries at a time, the same shape
// as the teacher's fs/dir_handle.go: entries plus the offset the first
// buffered entry sits at, refilled from the network when the kernel reads
// past what is currently held.
type dirHandle struct {
	inode fuseops.InodeID

	mu            syncutil.InvariantMutex
	entries       []fuseops.Dirent  // GUARDED_BY(mu)
	entriesOffset fuseops.DirOffset // GUARDED_BY(mu)
	hasMore       bool              // GUARDED_BY(mu)
}

func newDirHandle(inode fuseops.InodeID) *dirHandle {
	dh := &dirHandle{inode: inode, hasMore: true}
	dh.mu = syncutil.NewInvariantMutex(func() {})
	return dh
}

func direntType(t wire.FileType) fuseops.DirentType {
	switch t {
	case wire.FileTypeDirectory:
		return fuseops.DT_Directory
	case wire.FileTypeSymlink:
		return fuseops.DT_Link
	default:
		return fuseops.DT_File
	}
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	e := fs.vfs.Lookup(uint64(op.Inode))
	if e == nil || !e.IsDir() {
		return werrors.Errno(werrors.New(werrors.NotADirectory, "open target is not a directory"))
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	handleID := fs.nextHandleID
	fs.nextHandleID++
	fs.dirHandles[handleID] = newDirHandle(op.Inode)
	op.Handle = handleID
	return nil
}

// ReadDir refills dh's buffer from ListDirRequest once the kernel has
// consumed everything currently held, then serializes entries into a
// buffer capped at op.Size with fuseutil.WriteDirent until it is full or
// the buffer is exhausted.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return werrors.Errno(werrors.New(werrors.NotFound, "unknown directory handle"))
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()

	if op.Offset == 0 {
		dh.entries = nil
		dh.entriesOffset = 0
		dh.hasMore = true
	}

	index := int(op.Offset - dh.entriesOffset)
	if index < 0 || index > len(dh.entries) {
		return werrors.Errno(werrors.New(werrors.InvalidName, "directory seek outside buffered range"))
	}

	if index == len(dh.entries) && dh.hasMore {
		if err := fs.fillDirHandle(ctx, dh); err != nil {
			return werrors.Errno(err)
		}
		index = int(op.Offset - dh.entriesOffset)
	}

	buf := make([]byte, op.Size)
	used := 0
	for _, e := range dh.entries[index:] {
		n := fuseutil.WriteDirent(buf[used:], e)
		if n == 0 {
			break
		}
		used += n
	}
	op.Data = buf[:used]
	return nil
}

// fillDirHandle issues one ListDirRequest and appends the result to dh's
// buffer as dirents, using the inode the client VFS already knows for a
// name (or a placeholder inode) and noting each entry's type in the type
// cache; it does not add entries to the client VFS.
func (fs *FileSystem) fillDirHandle(ctx context.Context, dh *dirHandle) error {
	offset := uint32(dh.entriesOffset) + uint32(len(dh.entries))
	resp, _, err := fs.actor.Do(ctx, wire.TypeListDirRequest, &wire.ListDirRequest{
		Inode:  uint64(dh.inode),
		Offset: offset,
	})
	if err != nil {
		return err
	}
	lr := resp.(*wire.ListDirResponse)

	base := fuseops.DirOffset(offset)
	for i, de := range lr.Entries {
		// ListDirResponse carries no inode number — the host mints one only
		// on Lookup. Use the client's own record if an earlier LookUpInode
		// already resolved this name, otherwise a stable hash of the path
		// as a placeholder d_ino; the kernel's follow-up LookUpInode call
		// (every path walk issues one) supplies the authoritative inode.
		childPath := fs.childRelPath(uint64(dh.inode), de.Name)
		inode := placeholderInode(childPath)
		if child := fs.vfs.LookupPath(childPath); child != nil {
			inode = child.Inode
		}

		dh.entries = append(dh.entries, fuseops.Dirent{
			Offset: base + fuseops.DirOffset(i) + 1,
			Inode:  fuseops.InodeID(inode),
			Name:   de.Name,
			Type:   direntType(de.Type),
		})

		if de.Type == wire.FileTypeDirectory {
			fs.typeCache.NoteDir(uint64(dh.inode), de.Name)
		} else {
			fs.typeCache.NoteFile(uint64(dh.inode), de.Name)
		}
	}
	dh.hasMore = lr.HasMore
	return nil
}

// placeholderInode derives a stable, non-zero d_ino for a dirent the
// client has not yet resolved through LookUpInode. It is never trusted
// for anything but display; every real operation addresses inodes
// resolved through Lookup.
func placeholderInode(relPath string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(relPath))
	v := h.Sum64()
	if v < vfs.RootInodeID {
		v += vfs.RootInodeID
	}
	return v
}

func (fs *FileSystem) childRelPath(parentInode uint64, name string) string {
	parent := fs.vfs.Lookup(parentInode)
	if parent == nil {
		return name
	}
	if parent.RelPath == "." {
		return name
	}
	return parent.RelPath + "/" + name
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.dirHandles, op.Handle)
	return nil
}
