package fsbridge

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// namespaceMutation is the shape every MkDir/CreateFile/Unlink/RmDir call
// shares: acquire the parent's exclusive lock, perform the mutation over
// the wire, release the lock regardless of outcome. Grounded on the
// teacher's CreateFile/MkDir/Unlink/RmDir, which all take fs.mu only long
// enough to find the parent inode and otherwise operate unlocked — here
// the "lock" that matters is the host's per-inode exclusive token, not
// fs.mu, since the actual mutation happens on the host.
func (fs *FileSystem) withParentLock(ctx context.Context, parent fuseops.InodeID, fn func(token [16]byte) error) error {
	token, err := fs.acquireExclusive(ctx, uint64(parent))
	if err != nil {
		return werrors.Errno(err)
	}
	defer fs.releaseLock(token)
	return fn(token)
}

// MkDir creates a new subdirectory and mirrors the host-assigned inode
// into the local VFS map.
func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fs.withParentLock(ctx, op.Parent, func(token [16]byte) error {
		resp, _, err := fs.actor.Do(ctx, wire.TypeMkDirRequest, &wire.MkDirRequest{
			ParentInode: uint64(op.Parent),
			Name:        op.Name,
			Mode:        uint32(op.Mode),
			LockToken:   token,
		})
		if err != nil {
			return werrors.Errno(err)
		}
		mr := resp.(*wire.MkDirResponse)

		e := fs.insertChild(uint64(op.Parent), op.Name, mr.Inode, mr.Attrs)
		fs.typeCache.NoteDir(uint64(op.Parent), op.Name)

		op.Entry.Child = fuseops.InodeID(mr.Inode)
		op.Entry.Attributes = attrsToInodeAttributes(mr.Attrs)
		op.Entry.AttributesExpiration = fs.clock.Now().Add(attrTTL)
		op.Entry.EntryExpiration = fs.clock.Now().Add(dirTTL)
		e.RefCount.Inc()
		return nil
	})
}

// CreateFile creates a new, empty regular file and opens it in the same
// call, matching fuseops.CreateFileOp's "create and open" contract — a
// file handle is minted immediately so a follow-up WriteFile has
// somewhere to land.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return fs.withParentLock(ctx, op.Parent, func(token [16]byte) error {
		resp, _, err := fs.actor.Do(ctx, wire.TypeCreateFileRequest, &wire.CreateFileRequest{
			ParentInode: uint64(op.Parent),
			Name:        op.Name,
			Mode:        uint32(op.Mode),
			LockToken:   token,
		})
		if err != nil {
			return werrors.Errno(err)
		}
		cr := resp.(*wire.CreateFileResponse)

		e := fs.insertChild(uint64(op.Parent), op.Name, cr.Inode, cr.Attrs)
		fs.typeCache.NoteFile(uint64(op.Parent), op.Name)
		e.RefCount.Inc()

		op.Entry.Child = fuseops.InodeID(cr.Inode)
		op.Entry.Attributes = attrsToInodeAttributes(cr.Attrs)
		op.Entry.AttributesExpiration = fs.clock.Now().Add(attrTTL)
		op.Entry.EntryExpiration = fs.clock.Now().Add(dirTTL)

		fs.mu.Lock()
		handleID := fs.nextHandleID
		fs.nextHandleID++
		fs.fileHandles[handleID] = &fileHandle{inode: op.Entry.Child}
		fs.mu.Unlock()
		op.Handle = handleID
		return nil
	})
}

// Unlink removes a file from its parent, dropping it from the local VFS
// map; ForgetInode still governs when the entry's last reference drops,
// matching the kernel's own lookup/unlink/forget sequencing.
func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fs.withParentLock(ctx, op.Parent, func(token [16]byte) error {
		if _, _, err := fs.actor.Do(ctx, wire.TypeUnlinkRequest, &wire.UnlinkRequest{
			ParentInode: uint64(op.Parent),
			Name:        op.Name,
			LockToken:   token,
		}); err != nil {
			return werrors.Errno(err)
		}
		fs.removeChild(uint64(op.Parent), op.Name)
		return nil
	})
}

// RmDir removes an empty subdirectory.
func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fs.withParentLock(ctx, op.Parent, func(token [16]byte) error {
		if _, _, err := fs.actor.Do(ctx, wire.TypeRmDirRequest, &wire.RmDirRequest{
			ParentInode: uint64(op.Parent),
			Name:        op.Name,
			LockToken:   token,
		}); err != nil {
			return werrors.Errno(err)
		}
		fs.removeChild(uint64(op.Parent), op.Name)
		return nil
	})
}

// Rename moves an entry between (possibly identical) parent directories.
// It only needs the source parent's exclusive lock, matching the host's
// own check in handleRename — the destination parent is resolved there,
// not locked here.
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fs.withParentLock(ctx, op.OldParent, func(token [16]byte) error {
		if _, _, err := fs.actor.Do(ctx, wire.TypeRenameRequest, &wire.RenameRequest{
			OldParentInode: uint64(op.OldParent),
			OldName:        op.OldName,
			NewParentInode: uint64(op.NewParent),
			NewName:        op.NewName,
			LockToken:      token,
		}); err != nil {
			return werrors.Errno(err)
		}

		oldPath := fs.childRelPath(uint64(op.OldParent), op.OldName)
		newPath := fs.childRelPath(uint64(op.NewParent), op.NewName)
		if fs.vfs.LookupPath(oldPath) != nil {
			_ = fs.vfs.Rename(oldPath, newPath)
		}
		fs.typeCache.Erase(uint64(op.OldParent), op.OldName)
		return nil
	})
}

// insertChild records a freshly host-created child (from MkDir or
// CreateFile) in the local VFS map under its host-assigned inode.
func (fs *FileSystem) insertChild(parentInode uint64, name string, inode uint64, attrs wire.Attrs) *vfs.Entry {
	relPath := fs.childRelPath(parentInode, name)
	e := fs.vfs.Lookup(inode)
	if e == nil {
		e = &vfs.Entry{Inode: inode, RelPath: relPath, Type: attrs.Type}
		fs.vfs.Insert(e)
	}
	e.Attrs = attrs
	e.AttrsAt = fs.clock.Now().Unix()
	return e
}

// removeChild drops a child's VFS entry (if the client has ever resolved
// it) and its type-cache marker after a successful host-side unlink or
// rmdir.
func (fs *FileSystem) removeChild(parentInode uint64, name string) {
	relPath := fs.childRelPath(parentInode, name)
	if e := fs.vfs.LookupPath(relPath); e != nil {
		fs.vfs.Remove(e.Inode)
	}
	fs.typeCache.Erase(parentInode, name)
}
