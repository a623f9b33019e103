package fsbridge

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/byronwade/wormhole/internal/werrors"
)

// CreateSymlink and ReadSymlink are unimplemented: the wire protocol has
// no message that creates a symlink or reads a symlink's target, so both
// return NotImplemented. Both exist only to satisfy the jacobsa/fuse
// FileSystem interface.
func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	return werrors.Errno(werrors.New(werrors.NotImplemented, "symlinks are not supported"))
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	return werrors.Errno(werrors.New(werrors.NotImplemented, "symlinks are not supported"))
}
