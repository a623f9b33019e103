package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/byronwade/wormhole/internal/cache"
	"github.com/byronwade/wormhole/internal/events"
	"github.com/byronwade/wormhole/internal/lock"
	"github.com/byronwade/wormhole/internal/pathsafety"
	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

var (
	processUID = uint32(os.Getuid())
	processGID = uint32(os.Getgid())
)

// dispatch routes one decoded request to its handler and returns the
// response payload together with the wire type to frame it under.
func (d *Dispatcher) dispatch(ctx context.Context, typ wire.Type, msg any) (any, wire.Type, error) {
	switch m := msg.(type) {
	case *wire.ListDirRequest:
		resp, err := d.handleListDir(m)
		return resp, wire.TypeListDirResponse, err
	case *wire.GetAttrRequest:
		resp, err := d.handleGetAttr(m)
		return resp, wire.TypeGetAttrResponse, err
	case *wire.LookupRequest:
		resp, err := d.handleLookup(m)
		return resp, wire.TypeLookupResponse, err
	case *wire.ForgetRequest:
		resp, err := d.handleForget(m)
		return resp, wire.TypeForgetResponse, err
	case *wire.ReadChunkRequest:
		resp, err := d.handleReadChunk(ctx, m)
		return resp, wire.TypeReadChunkResponse, err
	case *wire.WriteChunkRequest:
		resp, err := d.handleWriteChunk(m)
		return resp, wire.TypeWriteChunkResponse, err
	case *wire.AcquireLockRequest:
		resp, err := d.handleAcquireLock(ctx, m)
		return resp, wire.TypeLockResponse, err
	case *wire.RefreshLockRequest:
		resp, err := d.handleRefreshLock(m)
		return resp, wire.TypeLockResponse, err
	case *wire.ReleaseLockRequest:
		resp, err := d.handleReleaseLock(m)
		return resp, wire.TypeCommitWriteResponse, err
	case *wire.CommitWriteRequest:
		resp, err := d.handleCommitWrite(m)
		return resp, wire.TypeCommitWriteResponse, err
	case *wire.MkDirRequest:
		resp, err := d.handleMkDir(m)
		return resp, wire.TypeMkDirResponse, err
	case *wire.CreateFileRequest:
		resp, err := d.handleCreateFile(m)
		return resp, wire.TypeCreateFileResponse, err
	case *wire.UnlinkRequest:
		resp, err := d.handleUnlink(m)
		return resp, wire.TypeOKResponse, err
	case *wire.RmDirRequest:
		resp, err := d.handleRmDir(m)
		return resp, wire.TypeOKResponse, err
	case *wire.RenameRequest:
		resp, err := d.handleRename(m)
		return resp, wire.TypeOKResponse, err
	case *wire.Ping:
		return &wire.Pong{}, wire.TypePong, nil
	default:
		return nil, 0, werrors.New(werrors.ProtocolError, "unexpected message type for a request stream")
	}
}

func attrsFromFileInfo(fi os.FileInfo) wire.Attrs {
	ft := wire.FileTypeRegular
	switch {
	case fi.IsDir():
		ft = wire.FileTypeDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		ft = wire.FileTypeSymlink
	}
	mtime := fi.ModTime()
	nlink := uint32(1)
	if fi.IsDir() {
		nlink = 2
	}
	return wire.Attrs{
		Type:      ft,
		Size:      uint64(fi.Size()),
		Mode:      uint32(fi.Mode().Perm()),
		UID:       processUID,
		GID:       processGID,
		MtimeUnix: mtime.Unix(),
		MtimeNsec: int32(mtime.Nanosecond()),
		AtimeUnix: mtime.Unix(),
		AtimeNsec: int32(mtime.Nanosecond()),
		CtimeUnix: mtime.Unix(),
		CtimeNsec: int32(mtime.Nanosecond()),
		Nlink:     nlink,
	}
}

// handleListDir lists the directory backing inode, allocating inodes for
// any child the VFS map hasn't seen yet and recording each child's kind in
// the type cache so a subsequent Lookup can skip the stat.
func (d *Dispatcher) handleListDir(req *wire.ListDirRequest) (*wire.ListDirResponse, error) {
	abs, e, err := d.resolvePath(req.Inode)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, werrors.New(werrors.NotADirectory, "not a directory")
	}

	children, err := os.ReadDir(abs)
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "reading directory")
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	resp := &wire.ListDirResponse{}
	for _, c := range children {
		info, err := c.Info()
		if err != nil {
			continue
		}
		childRelPath := filepath.Join(e.RelPath, c.Name())
		child := d.vfs.LookupPath(childRelPath)
		if child == nil {
			child = &vfs.Entry{
				Inode:   d.alloc.Allocate(),
				RelPath: childRelPath,
				Type:    attrsFromFileInfo(info).Type,
			}
			d.vfs.Insert(child)
		}
		attrs := attrsFromFileInfo(info)

		if info.IsDir() {
			d.typeCache.NoteDir(req.Inode, c.Name())
		} else {
			d.typeCache.NoteFile(req.Inode, c.Name())
		}

		resp.Entries = append(resp.Entries, wire.DirEntry{
			Name:  c.Name(),
			Type:  attrs.Type,
			Size:  attrs.Size,
			Attrs: attrs,
		})
	}
	return resp, nil
}

func (d *Dispatcher) handleGetAttr(req *wire.GetAttrRequest) (*wire.GetAttrResponse, error) {
	abs, _, err := d.resolvePath(req.Inode)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, werrors.New(werrors.NotFound, "no such file or directory")
		}
		return nil, werrors.Wrap(werrors.Io, err, "stat")
	}
	return &wire.GetAttrResponse{Attrs: attrsFromFileInfo(info)}, nil
}

// handleLookup resolves name under parentInode, allocating a fresh inode
// the first time this path is seen and reusing it afterward so the same
// path always maps to the same inode for the lifetime of the VFS map.
func (d *Dispatcher) handleLookup(req *wire.LookupRequest) (*wire.LookupResponse, error) {
	if err := pathsafety.ValidateName(req.Name); err != nil {
		return nil, err
	}
	parent := d.vfs.Lookup(req.ParentInode)
	if parent == nil {
		return nil, werrors.New(werrors.NotFound, "unknown parent inode")
	}
	relPath := filepath.Join(parent.RelPath, req.Name)
	abs, err := pathsafety.Resolve(d.cfg.Root, relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, werrors.New(werrors.NotFound, "no such file or directory")
		}
		return nil, werrors.Wrap(werrors.Io, err, "stat")
	}
	attrs := attrsFromFileInfo(info)

	e := d.vfs.LookupPath(relPath)
	if e == nil {
		e = &vfs.Entry{Inode: d.alloc.Allocate(), RelPath: relPath, Type: attrs.Type}
		d.vfs.Insert(e)
	}
	e.Attrs = attrs
	e.RefCount.Inc()

	return &wire.LookupResponse{Inode: e.Inode, Attrs: attrs}, nil
}

// handleForget decrements the host's own RefCount for the inode the client
// is dropping Nlookup references to, removing it from the VFS map and
// returning its id to the allocator's free list once the count reaches
// zero — the host-side half of §4.3's lookup/forget contract, completing
// what fsbridge.ForgetInode starts on the client's local mirror.
func (d *Dispatcher) handleForget(req *wire.ForgetRequest) (*wire.ForgetResponse, error) {
	e := d.vfs.Lookup(req.Inode)
	if e == nil {
		return &wire.ForgetResponse{OK: true}, nil
	}
	if e.RefCount.Dec(req.Nlookup) {
		d.vfs.Remove(req.Inode)
		d.alloc.Release(req.Inode)
	}
	return &wire.ForgetResponse{OK: true}, nil
}

// handleReadChunk serves a chunk through the two-tier cache, reading from
// disk on a miss. mtimeUnix ties the cached entry to the file's current
// modification time so a concurrent write invalidates stale chunks.
func (d *Dispatcher) handleReadChunk(ctx context.Context, req *wire.ReadChunkRequest) (*wire.ReadChunkResponse, error) {
	abs, _, err := d.resolvePath(req.ChunkID.Inode)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "stat for chunk read")
	}

	fetch := func(ctx context.Context, id cache.ID) ([]byte, [32]byte, error) {
		f, err := os.Open(abs)
		if err != nil {
			return nil, [32]byte{}, werrors.Wrap(werrors.Io, err, "opening file for chunk read")
		}
		defer f.Close()

		buf := make([]byte, cache.ChunkSize)
		n, err := f.ReadAt(buf, int64(id.Index)*cache.ChunkSize)
		if err != nil && err != io.EOF {
			return nil, [32]byte{}, werrors.Wrap(werrors.Io, err, "reading chunk")
		}
		buf = buf[:n]
		return buf, blake3.Sum256(buf), nil
	}

	entry, err := d.cache.Get(ctx, req.ChunkID, info.ModTime().Unix(), fetch)
	if err != nil {
		return nil, err
	}

	bytes := entry.Bytes
	if req.Length > 0 && uint32(len(bytes)) > req.Length {
		bytes = bytes[:req.Length]
	}
	return &wire.ReadChunkResponse{ChunkID: req.ChunkID, Bytes: bytes, Checksum: entry.Checksum}, nil
}

// handleWriteChunk stages a write into a per-inode temp file rather than
// touching the real path directly, so a crash mid-write never corrupts the
// file readers already see. The write is only visible once CommitWrite
// renames the staged file into place.
func (d *Dispatcher) handleWriteChunk(req *wire.WriteChunkRequest) (*wire.WriteChunkResponse, error) {
	if !d.locks.HeldExclusive(req.ChunkID.Inode, req.LockToken) {
		return nil, werrors.New(werrors.LockNotHeld, "write requires the exclusive lock token")
	}
	if uint64(req.Offset)+uint64(len(req.Bytes)) > cache.ChunkSize {
		return nil, werrors.New(werrors.ChunkOutOfRange, "write offset/length exceeds chunk size")
	}

	abs, _, err := d.resolvePath(req.ChunkID.Inode)
	if err != nil {
		return nil, err
	}

	stage, err := d.stageFor(req.ChunkID.Inode, abs)
	if err != nil {
		return nil, err
	}

	absOffset := int64(req.ChunkID.Index)*cache.ChunkSize + int64(req.Offset)
	if _, err := stage.file.WriteAt(req.Bytes, absOffset); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "writing staged chunk")
	}
	return &wire.WriteChunkResponse{OK: true}, nil
}

// handleCommitWrite truncates the staged file to the final size, fsyncs
// it, and atomically renames it over the real path, then invalidates
// every cached chunk for the inode so the next read observes the write.
func (d *Dispatcher) handleCommitWrite(req *wire.CommitWriteRequest) (*wire.CommitWriteResponse, error) {
	inode, ok := d.lookupInodeForToken(req.Token)
	if !ok {
		return nil, werrors.New(werrors.InvalidLockToken, "commit: token not associated with a staged write")
	}
	if !d.locks.HeldExclusive(inode, req.Token) {
		return nil, werrors.New(werrors.LockNotHeld, "commit requires the exclusive lock token")
	}

	d.mu.Lock()
	stage, ok := d.staged[inode]
	if ok {
		delete(d.staged, inode)
	}
	d.mu.Unlock()
	if !ok {
		return nil, werrors.New(werrors.NotFound, "no staged write for this inode")
	}

	if err := stage.file.Truncate(int64(req.NewSize)); err != nil {
		stage.file.Close()
		return nil, werrors.Wrap(werrors.Io, err, "truncating staged file")
	}
	if err := stage.file.Sync(); err != nil {
		stage.file.Close()
		return nil, werrors.Wrap(werrors.Io, err, "fsyncing staged file")
	}
	if err := stage.file.Close(); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "closing staged file")
	}
	if err := os.Rename(stage.path, stage.target); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "renaming staged file into place")
	}

	d.cache.Invalidate(inode)
	if e := d.vfs.Lookup(inode); e != nil {
		e.Attrs.Size = req.NewSize
	}
	return &wire.CommitWriteResponse{OK: true}, nil
}

func (d *Dispatcher) handleAcquireLock(ctx context.Context, req *wire.AcquireLockRequest) (*wire.LockResponse, error) {
	if d.cfg.ReadOnly && req.Type == lock.Exclusive {
		return nil, werrors.New(werrors.PermissionDenied, "host is read-only")
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = lock.DefaultTTL
	}
	timer := d.clock.After(timeout)

	lockKind := "shared"
	if req.Type == lock.Exclusive {
		lockKind = "exclusive"
	}

	select {
	case r := <-d.locks.Acquire(req.Inode, req.Type):
		if r.Err != nil {
			d.publish(events.LockDenied, map[string]any{"inode": req.Inode, "type": req.Type})
			d.metrics.LockDenyCount(ctx, 1, "conflict")
			return nil, r.Err
		}
		d.publish(events.LockAcquired, map[string]any{"inode": req.Inode, "type": req.Type, "token": r.Token})
		d.metrics.LockGrantCount(ctx, 1, lockKind)
		return &wire.LockResponse{Token: r.Token, ExpiryUnix: r.ExpiresAt.Unix()}, nil
	case <-timer:
		d.publish(events.LockDenied, map[string]any{"inode": req.Inode, "type": req.Type, "reason": "timeout"})
		d.metrics.LockDenyCount(ctx, 1, "timeout")
		return nil, werrors.New(werrors.LockConflict, "acquire timed out")
	case <-ctx.Done():
		return nil, werrors.Wrap(werrors.Timeout, ctx.Err(), "acquire cancelled")
	}
}

func (d *Dispatcher) handleRefreshLock(req *wire.RefreshLockRequest) (*wire.LockResponse, error) {
	if err := d.locks.Refresh(req.Token); err != nil {
		return nil, err
	}
	return &wire.LockResponse{Token: req.Token, ExpiryUnix: d.clock.Now().Add(lock.DefaultTTL).Unix()}, nil
}

func (d *Dispatcher) handleReleaseLock(req *wire.ReleaseLockRequest) (*wire.CommitWriteResponse, error) {
	if err := d.locks.Release(req.Token); err != nil {
		return nil, err
	}
	return &wire.CommitWriteResponse{OK: true}, nil
}

// resolveChild validates name, checks the caller holds parentInode's
// exclusive lock, and resolves the real path the mutation applies to —
// the common prelude every namespace-mutating handler below shares.
func (d *Dispatcher) resolveChild(parentInode uint64, name string, token lock.Token) (abs string, parent *vfs.Entry, err error) {
	if err = pathsafety.ValidateName(name); err != nil {
		return
	}
	if !d.locks.HeldExclusive(parentInode, token) {
		err = werrors.New(werrors.LockNotHeld, "mutation requires the parent's exclusive lock token")
		return
	}
	parent = d.vfs.Lookup(parentInode)
	if parent == nil {
		err = werrors.New(werrors.NotFound, "unknown parent inode")
		return
	}
	abs, err = pathsafety.Resolve(d.cfg.Root, filepath.Join(parent.RelPath, name))
	return
}

// handleMkDir creates a new directory as a child of parentInode.
func (d *Dispatcher) handleMkDir(req *wire.MkDirRequest) (*wire.MkDirResponse, error) {
	abs, parent, err := d.resolveChild(req.ParentInode, req.Name, req.LockToken)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(abs, os.FileMode(req.Mode)); err != nil {
		if os.IsExist(err) {
			return nil, werrors.New(werrors.AlreadyExists, "directory already exists")
		}
		return nil, werrors.Wrap(werrors.Io, err, "mkdir")
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "stat after mkdir")
	}
	attrs := attrsFromFileInfo(info)
	relPath := filepath.Join(parent.RelPath, req.Name)
	e := &vfs.Entry{Inode: d.alloc.Allocate(), RelPath: relPath, Type: attrs.Type, Attrs: attrs}
	d.vfs.Insert(e)
	d.typeCache.NoteDir(req.ParentInode, req.Name)

	return &wire.MkDirResponse{Inode: e.Inode, Attrs: attrs}, nil
}

// handleCreateFile creates a new, empty regular file as a child of
// parentInode, failing with AlreadyExists if the name is already taken.
func (d *Dispatcher) handleCreateFile(req *wire.CreateFileRequest) (*wire.CreateFileResponse, error) {
	abs, parent, err := d.resolveChild(req.ParentInode, req.Name, req.LockToken)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(req.Mode))
	if err != nil {
		if os.IsExist(err) {
			return nil, werrors.New(werrors.AlreadyExists, "file already exists")
		}
		return nil, werrors.Wrap(werrors.Io, err, "create")
	}
	f.Close()

	info, err := os.Stat(abs)
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "stat after create")
	}
	attrs := attrsFromFileInfo(info)
	relPath := filepath.Join(parent.RelPath, req.Name)
	e := &vfs.Entry{Inode: d.alloc.Allocate(), RelPath: relPath, Type: attrs.Type, Attrs: attrs}
	d.vfs.Insert(e)
	d.typeCache.NoteFile(req.ParentInode, req.Name)

	return &wire.CreateFileResponse{Inode: e.Inode, Attrs: attrs}, nil
}

// handleUnlink removes a file from its parent directory.
func (d *Dispatcher) handleUnlink(req *wire.UnlinkRequest) (*wire.OKResponse, error) {
	abs, parent, err := d.resolveChild(req.ParentInode, req.Name, req.LockToken)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, werrors.New(werrors.NotFound, "no such file")
		}
		return nil, werrors.Wrap(werrors.Io, err, "stat before unlink")
	}
	if info.IsDir() {
		return nil, werrors.New(werrors.NotAFile, "unlink target is a directory")
	}
	if err := os.Remove(abs); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "unlink")
	}

	relPath := filepath.Join(parent.RelPath, req.Name)
	if e := d.vfs.LookupPath(relPath); e != nil {
		d.vfs.Remove(e.Inode)
		d.cache.Invalidate(e.Inode)
	}
	d.typeCache.Erase(req.ParentInode, req.Name)

	return &wire.OKResponse{OK: true}, nil
}

// handleRmDir removes an empty directory from its parent.
func (d *Dispatcher) handleRmDir(req *wire.RmDirRequest) (*wire.OKResponse, error) {
	abs, parent, err := d.resolveChild(req.ParentInode, req.Name, req.LockToken)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, werrors.New(werrors.NotFound, "no such directory")
		}
		return nil, werrors.Wrap(werrors.Io, err, "stat before rmdir")
	}
	if !info.IsDir() {
		return nil, werrors.New(werrors.NotADirectory, "rmdir target is not a directory")
	}

	children, err := os.ReadDir(abs)
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "reading directory before rmdir")
	}
	if len(children) > 0 {
		return nil, werrors.New(werrors.NotEmpty, "directory is not empty")
	}

	if err := os.Remove(abs); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "rmdir")
	}

	relPath := filepath.Join(parent.RelPath, req.Name)
	if e := d.vfs.LookupPath(relPath); e != nil {
		d.vfs.Remove(e.Inode)
	}
	d.typeCache.Erase(req.ParentInode, req.Name)

	return &wire.OKResponse{OK: true}, nil
}

// handleRename moves a file or directory between (possibly the same)
// parent directories, atomically at the host via os.Rename, and cascades
// the move through the VFS map so any already-known descendants keep
// their inodes.
func (d *Dispatcher) handleRename(req *wire.RenameRequest) (*wire.OKResponse, error) {
	if err := pathsafety.ValidateName(req.OldName); err != nil {
		return nil, err
	}
	if err := pathsafety.ValidateName(req.NewName); err != nil {
		return nil, err
	}
	if !d.locks.HeldExclusive(req.OldParentInode, req.LockToken) {
		return nil, werrors.New(werrors.LockNotHeld, "rename requires the source parent's exclusive lock token")
	}

	oldParent := d.vfs.Lookup(req.OldParentInode)
	if oldParent == nil {
		return nil, werrors.New(werrors.NotFound, "unknown source parent inode")
	}
	newParent := d.vfs.Lookup(req.NewParentInode)
	if newParent == nil {
		return nil, werrors.New(werrors.NotFound, "unknown destination parent inode")
	}

	oldRelPath := filepath.Join(oldParent.RelPath, req.OldName)
	newRelPath := filepath.Join(newParent.RelPath, req.NewName)

	oldAbs, err := pathsafety.Resolve(d.cfg.Root, oldRelPath)
	if err != nil {
		return nil, err
	}
	newAbs, err := pathsafety.Resolve(d.cfg.Root, newRelPath)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "rename")
	}

	if e := d.vfs.LookupPath(oldRelPath); e != nil {
		if err := d.vfs.Rename(oldRelPath, newRelPath); err != nil {
			return nil, werrors.Wrap(werrors.Io, err, "updating vfs map after rename")
		}
		d.cache.Invalidate(e.Inode)
	}
	d.typeCache.Erase(req.OldParentInode, req.OldName)

	return &wire.OKResponse{OK: true}, nil
}
