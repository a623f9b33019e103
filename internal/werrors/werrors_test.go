package werrors

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(NotFound, errors.New("boom"), "lookup failed")
	assert.True(t, errors.Is(err, New(NotFound, "")))
	assert.False(t, errors.Is(err, New(PermissionDenied, "")))
}

func TestCodeOfDefaultsToIo(t *testing.T) {
	assert.Equal(t, Io, CodeOf(errors.New("plain")))
	assert.Equal(t, NotFound, CodeOf(New(NotFound, "missing")))
}

func TestErrnoMapping(t *testing.T) {
	cases := map[Code]syscall.Errno{
		NotFound:         syscall.ENOENT,
		PermissionDenied: syscall.EACCES,
		NotADirectory:    syscall.ENOTDIR,
		NotAFile:         syscall.EISDIR,
		AlreadyExists:    syscall.EEXIST,
		NotEmpty:         syscall.ENOTEMPTY,
		NameTooLong:      syscall.ENAMETOOLONG,
		InvalidName:      syscall.EINVAL,
		LockConflict:     syscall.EAGAIN,
		Timeout:          syscall.ETIMEDOUT,
		PeerDisconnected: syscall.ENOTCONN,
		PathTraversal:    syscall.EACCES,
	}
	for code, want := range cases {
		assert.Equal(t, want, Errno(New(code, "")))
	}
}

func TestErrnoUnmappedDegradesToEIO(t *testing.T) {
	assert.Equal(t, syscall.EIO, Errno(New(ChecksumMismatch, "")))
	assert.Equal(t, syscall.EIO, Errno(errors.New("unexpected")))
}

func TestRecoverable(t *testing.T) {
	for _, c := range []Code{Timeout, ChecksumMismatch, PeerDisconnected, RateLimited, LockConflict} {
		assert.True(t, Recoverable(c))
	}
	for _, c := range []Code{NotFound, AuthFailed, ProtocolError} {
		assert.False(t, Recoverable(c))
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk error")
	err := Wrap(Io, cause, "write failed")
	assert.ErrorIs(t, err, cause)
}
