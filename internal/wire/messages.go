// Package wire is the protocol codec: frame.go handles the length-prefixed
// outer framing, messages.go defines every message variant and its type
// tag, and codec.go does the deterministic CBOR payload encoding.
package wire

// Type is the one-byte message-type tag that follows the length prefix.
type Type uint8

const (
	TypeHandshake Type = iota + 1
	TypeHandshakeAck
	TypePing
	TypePong
	TypeGoodbye

	TypeListDirRequest
	TypeListDirResponse
	TypeGetAttrRequest
	TypeGetAttrResponse
	TypeLookupRequest
	TypeLookupResponse
	TypeForgetRequest
	TypeForgetResponse

	TypeReadChunkRequest
	TypeReadChunkResponse
	TypeWriteChunkRequest
	TypeWriteChunkResponse

	TypeAcquireLockRequest
	TypeLockResponse
	TypeRefreshLockRequest
	TypeReleaseLockRequest
	TypeCommitWriteRequest
	TypeCommitWriteResponse

	TypeMkDirRequest
	TypeMkDirResponse
	TypeCreateFileRequest
	TypeCreateFileResponse
	TypeUnlinkRequest
	TypeRmDirRequest
	TypeRenameRequest
	TypeOKResponse

	TypeErrorResponse
)

// FileType mirrors the three kinds of entry the scanner and VFS recognize.
type FileType uint8

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeSymlink
)

// LockKind distinguishes shared from exclusive locks. Subtree is reserved
// for wire compatibility (see the lock table's NotImplemented handling) but
// no operation issues it.
type LockKind uint8

const (
	LockShared LockKind = iota
	LockExclusive
	LockSubtree
)

// Attrs is the wire form of file attributes (§3's "File attributes" entity).
type Attrs struct {
	Type      FileType `cbor:"type"`
	Size      uint64   `cbor:"size"`
	Mode      uint32   `cbor:"mode"`
	UID       uint32   `cbor:"uid"`
	GID       uint32   `cbor:"gid"`
	AtimeUnix int64    `cbor:"atime_unix"`
	AtimeNsec int32    `cbor:"atime_nsec"`
	MtimeUnix int64    `cbor:"mtime_unix"`
	MtimeNsec int32    `cbor:"mtime_nsec"`
	CtimeUnix int64    `cbor:"ctime_unix"`
	CtimeNsec int32    `cbor:"ctime_nsec"`
	Nlink     uint32   `cbor:"nlink"`
}

// DirEntry is one entry in a ListDirResponse.
type DirEntry struct {
	Name string   `cbor:"name"`
	Type FileType `cbor:"type"`
	Size uint64   `cbor:"size"`
	Attrs Attrs   `cbor:"attrs"`
}

// Envelope pairs a payload with a correlation id. Nothing in this tree
// encodes or decodes an Envelope: frames are written without a
// correlation id, and the client actor's ids are not sent.
type Envelope struct {
	CorrelationID uint64 `cbor:"cid"`
	Type          Type   `cbor:"type"`
	Payload       []byte `cbor:"payload"`
}

// --- Session control ---

type Handshake struct {
	ProtocolVersion uint32   `cbor:"protocol_version"`
	ClientID        string   `cbor:"client_id"`
	CapabilitySet   []string `cbor:"capability_set"`
	AuthProof       []byte   `cbor:"auth_proof"`
}

type HandshakeAck struct {
	ServerID            string   `cbor:"server_id"`
	GrantedCapabilities []string `cbor:"granted_capabilities"`
}

type Ping struct{}
type Pong struct{}

type Goodbye struct {
	Reason string `cbor:"reason"`
}

// --- Metadata ---

type ListDirRequest struct {
	Inode  uint64 `cbor:"inode"`
	Offset uint32 `cbor:"offset"`
}

type ListDirResponse struct {
	Entries []DirEntry `cbor:"entries"`
	HasMore bool       `cbor:"has_more"`
}

type GetAttrRequest struct {
	Inode uint64 `cbor:"inode"`
}

type GetAttrResponse struct {
	Attrs Attrs `cbor:"attrs"`
}

type LookupRequest struct {
	ParentInode uint64 `cbor:"parent_inode"`
	Name        string `cbor:"name"`
}

type LookupResponse struct {
	Inode uint64 `cbor:"inode"`
	Attrs Attrs  `cbor:"attrs"`
}

// ForgetRequest notifies the host that the kernel has dropped Nlookup of
// its outstanding references to Inode, the wire counterpart of §4.3's
// lookup/forget contract; only the host mints inodes, so only the host's
// refcount and free list need to hear about it.
type ForgetRequest struct {
	Inode   uint64 `cbor:"inode"`
	Nlookup uint64 `cbor:"nlookup"`
}

type ForgetResponse struct {
	OK bool `cbor:"ok"`
}

// --- Data ---

type ChunkID struct {
	Inode uint64 `cbor:"inode"`
	Index uint64 `cbor:"index"`
}

type ReadChunkRequest struct {
	ChunkID ChunkID `cbor:"chunk_id"`
	Length  uint32  `cbor:"length"`
}

type ReadChunkResponse struct {
	ChunkID  ChunkID `cbor:"chunk_id"`
	Bytes    []byte  `cbor:"bytes"`
	Checksum [32]byte `cbor:"checksum"`
}

// WriteChunkRequest stages Bytes at Offset within the chunk ChunkID
// identifies — not necessarily the start of the chunk, since a write
// rarely begins on a chunk boundary. The host writes at
// ChunkID.Index*ChunkSize + Offset, not at the bare chunk-aligned index.
type WriteChunkRequest struct {
	ChunkID   ChunkID  `cbor:"chunk_id"`
	Offset    uint32   `cbor:"offset"`
	Bytes     []byte   `cbor:"bytes"`
	LockToken [16]byte `cbor:"lock_token"`
}

type WriteChunkResponse struct {
	OK bool `cbor:"ok"`
}

// --- Locks ---

type AcquireLockRequest struct {
	Inode     uint64   `cbor:"inode"`
	Type      LockKind `cbor:"type"`
	TimeoutMs uint32   `cbor:"timeout_ms"`
}

type LockResponse struct {
	Token      [16]byte `cbor:"token"`
	ExpiryUnix int64    `cbor:"expiry_unix"`
}

type RefreshLockRequest struct {
	Token [16]byte `cbor:"token"`
}

type ReleaseLockRequest struct {
	Token [16]byte `cbor:"token"`
}

type CommitWriteRequest struct {
	Token   [16]byte `cbor:"token"`
	NewSize uint64   `cbor:"new_size"`
}

type CommitWriteResponse struct {
	OK bool `cbor:"ok"`
}

// --- Namespace mutation ---
//
// Create, unlink, rmdir, and rename all act on a parent directory and
// require the caller to already hold that parent's exclusive lock token,
// per §4.7's write-transaction protocol generalized from files to
// directory entries.

type MkDirRequest struct {
	ParentInode uint64   `cbor:"parent_inode"`
	Name        string   `cbor:"name"`
	Mode        uint32   `cbor:"mode"`
	LockToken   [16]byte `cbor:"lock_token"`
}

type MkDirResponse struct {
	Inode uint64 `cbor:"inode"`
	Attrs Attrs  `cbor:"attrs"`
}

type CreateFileRequest struct {
	ParentInode uint64   `cbor:"parent_inode"`
	Name        string   `cbor:"name"`
	Mode        uint32   `cbor:"mode"`
	LockToken   [16]byte `cbor:"lock_token"`
}

type CreateFileResponse struct {
	Inode uint64 `cbor:"inode"`
	Attrs Attrs  `cbor:"attrs"`
}

type UnlinkRequest struct {
	ParentInode uint64   `cbor:"parent_inode"`
	Name        string   `cbor:"name"`
	LockToken   [16]byte `cbor:"lock_token"`
}

type RmDirRequest struct {
	ParentInode uint64   `cbor:"parent_inode"`
	Name        string   `cbor:"name"`
	LockToken   [16]byte `cbor:"lock_token"`
}

type RenameRequest struct {
	OldParentInode uint64   `cbor:"old_parent_inode"`
	OldName        string   `cbor:"old_name"`
	NewParentInode uint64   `cbor:"new_parent_inode"`
	NewName        string   `cbor:"new_name"`
	LockToken      [16]byte `cbor:"lock_token"`
}

// OKResponse is the generic acknowledgement for mutations that don't
// need to return fresh attributes.
type OKResponse struct {
	OK bool `cbor:"ok"`
}

// --- Errors ---

// ErrorResponse is the wire form of internal/werrors.Error.
type ErrorResponse struct {
	Code          int32  `cbor:"code"`
	Message       string `cbor:"message"`
	CorrelationID uint64 `cbor:"correlation_id"`
}
