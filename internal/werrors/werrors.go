// Package werrors defines the closed error taxonomy the internal packages
// return, so the FUSE bridge and the wire codec can both map a failure
// back to a fixed, small vocabulary (an errno on one side, an
// ErrorResponse code on the other) without inspecting error strings. The
// transport handshake, vfs.Map.Rename, cfg and cmd return plain errors
// instead; CodeOf maps those to Io.
package werrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is one member of the closed taxonomy. Values are grouped the way
// the design groups them, purely for readability — nothing switches on the
// numeric ranges.
type Code int

const (
	// Connection (400-499).
	SessionExpired Code = 400 + iota
	RateLimited
	HostShuttingDown
	AuthFailed
	RoomNotFound
	PeerDisconnected
	Timeout
	NatTraversalFailed
)

const (
	// Filesystem (100-199).
	NotFound Code = 100 + iota
	NotADirectory
	NotAFile
	PermissionDenied
	PathTraversal
	AlreadyExists
	NotEmpty
	NameTooLong
	InvalidName
	PathTooLong
)

const (
	// I/O and integrity (200-299).
	Io Code = 200 + iota
	ChecksumMismatch
	ChunkOutOfRange
	MessageTooLarge
	ProtocolError
	VersionMismatch
	NotImplemented
	DiskFull
	CorruptedCacheEntry
)

const (
	// Lock (300-399).
	LockNotHeld Code = 300 + iota
	LockExpired
	LockConflict
	InvalidLockToken
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

var codeNames = map[Code]string{
	SessionExpired:     "SessionExpired",
	RateLimited:        "RateLimited",
	HostShuttingDown:   "HostShuttingDown",
	AuthFailed:         "AuthFailed",
	RoomNotFound:       "RoomNotFound",
	PeerDisconnected:   "PeerDisconnected",
	Timeout:            "Timeout",
	NatTraversalFailed: "NatTraversalFailed",

	NotFound:         "NotFound",
	NotADirectory:    "NotADirectory",
	NotAFile:         "NotAFile",
	PermissionDenied: "PermissionDenied",
	PathTraversal:    "PathTraversal",
	AlreadyExists:    "AlreadyExists",
	NotEmpty:         "NotEmpty",
	NameTooLong:      "NameTooLong",
	InvalidName:      "InvalidName",
	PathTooLong:      "PathTooLong",

	Io:                  "Io",
	ChecksumMismatch:    "ChecksumMismatch",
	ChunkOutOfRange:     "ChunkOutOfRange",
	MessageTooLarge:     "MessageTooLarge",
	ProtocolError:       "ProtocolError",
	VersionMismatch:     "VersionMismatch",
	NotImplemented:      "NotImplemented",
	DiskFull:            "DiskFull",
	CorruptedCacheEntry: "CorruptedCacheEntry",

	LockNotHeld:      "LockNotHeld",
	LockExpired:      "LockExpired",
	LockConflict:     "LockConflict",
	InvalidLockToken: "InvalidLockToken",
}

// Error wraps a Code with a human-readable message and an optional cause.
// It satisfies errors.Is against its Code and errors.As against *Error.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, SomeCode) work directly against a Code value, the
// same way one compares against a sentinel error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, returning
// Io for anything else — the taxonomy's catch-all.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Io
}

// Recoverable reports whether the propagation policy allows retrying this
// code: Timeout, ChecksumMismatch, PeerDisconnected (during the reconnect
// window — the caller is responsible for that window check), RateLimited,
// and LockConflict (only if the caller chose a wait policy, which this
// function cannot know — callers gate that separately).
func Recoverable(c Code) bool {
	switch c {
	case Timeout, ChecksumMismatch, PeerDisconnected, RateLimited, LockConflict:
		return true
	default:
		return false
	}
}

// errnoTable is the closed mapping from §4.4: every Code not listed maps
// to EIO.
var errnoTable = map[Code]syscall.Errno{
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

// Errno maps err to the kernel errno the FUSE bridge must return. Any
// Code absent from the table, and any non-*Error, degrades to EIO — the
// bridge must never surface an unmapped condition as anything else.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := errnoTable[CodeOf(err)]; ok {
		return errno
	}
	return syscall.EIO
}
