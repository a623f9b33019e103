package cache

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"

	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/logger"
	"github.com/byronwade/wormhole/internal/werrors"
)

// DefaultL2Capacity is the default L2 bound (§4.5).
const DefaultL2Capacity = 10 << 30 // 10 GiB

var indexBucket = []byte("chunks")

// l2Record is what the bbolt index stores per chunk id. It is advisory:
// the backing file may have been removed or corrupted out from under it,
// so every read re-verifies against the file on disk.
type l2Record struct {
	ChecksumHex  string
	Size         int64
	CreatedUnix  int64
	AccessedUnix int64
}

// L2 is the on-disk content-addressed tier: chunks live under
// root/xx/yy/<checksum-hex>.chunk, written atomically via a temp file,
// fsync, rename; a bbolt index maps chunk id to checksum/size/access
// times for eviction bookkeeping.
type L2 struct {
	mu       sync.Mutex
	clock    clock.Clock
	root     string
	db       *bbolt.DB
	capacity int64
	size     int64
}

// OpenL2 opens (creating if needed) the index at root/index.db, sweeps
// orphaned temp files older than 5 minutes, computes the current occupied
// size from the index, and evicts down to capacity. A capacity of 0
// disables L2 (every admitted entry is evicted again at once); a negative
// capacity selects DefaultL2Capacity.
func OpenL2(c clock.Clock, root string, capacity int64) (*L2, error) {
	if capacity < 0 {
		capacity = DefaultL2Capacity
	}
	raiseFDLimitIfNeeded()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "creating L2 root")
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "creating L2 tmp dir")
	}

	db, err := bbolt.Open(filepath.Join(root, "index.db"), 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "opening L2 index")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "creating L2 index bucket")
	}

	l2 := &L2{clock: c, root: root, db: db, capacity: capacity}
	l2.sweepOrphanTemp()
	l2.size = l2.sumIndexedSize()
	l2.evictIfNeeded()
	return l2, nil
}

func (l *L2) Close() error { return l.db.Close() }

func chunkKey(id ID) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], id.Inode)
	binary.BigEndian.PutUint64(buf[8:16], id.Index)
	return buf
}

func checksumPath(root string, checksum [32]byte) string {
	hexStr := hex.EncodeToString(checksum[:])
	return filepath.Join(root, hexStr[0:2], hexStr[2:4], hexStr+".chunk")
}

// Get looks up id, verifies the stored bytes against the indexed checksum
// (the index is advisory and may diverge from the store on crash), and
// returns the entry on success. A verification failure is treated as a
// miss and the stale record is dropped.
func (l *L2) Get(id ID) (*Entry, bool) {
	l.mu.Lock()
	rec, ok := l.readRecord(id)
	l.mu.Unlock()
	if !ok {
		return nil, false
	}

	checksum, err := hex.DecodeString(rec.ChecksumHex)
	if err != nil || len(checksum) != 32 {
		l.dropRecord(id, rec)
		return nil, false
	}
	var sum [32]byte
	copy(sum[:], checksum)

	path := checksumPath(l.root, sum)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithFields(logger.LevelWarn, "L2: indexed chunk missing on disk, evicting record", logger.Fields{"inode": id.Inode, "index": id.Index})
		l.dropRecord(id, rec)
		return nil, false
	}

	computed := blake3.Sum256(data)
	if computed != sum {
		logger.WithFields(logger.LevelError, "L2: on-disk chunk failed verification, evicting", logger.Fields{"inode": id.Inode, "index": id.Index})
		l.dropRecord(id, rec)
		return nil, false
	}

	l.touch(id, rec)

	return &Entry{
		ID:          id,
		Bytes:       data,
		Checksum:    sum,
		FetchUnix:   rec.CreatedUnix,
		LastAccess:  l.clock.Now().Unix(),
		AccessCount: 1,
	}, true
}

// Put admits e into the disk tier: writes the bytes to a unique temp file,
// fsyncs, renames into place at the content-addressed path, then records
// the index entry. After recording it, evicts oldest-by-access entries
// until the tier is back under capacity.
func (l *L2) Put(e *Entry) error {
	path := checksumPath(l.root, e.Checksum)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return werrors.Wrap(werrors.Io, err, "creating L2 chunk directory")
	}

	tmp, err := os.CreateTemp(filepath.Join(l.root, "tmp"), "chunk-*.tmp")
	if err != nil {
		return werrors.Wrap(werrors.Io, err, "creating L2 temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(e.Bytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return werrors.Wrap(werrors.Io, err, "writing L2 temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return werrors.Wrap(werrors.Io, err, "fsyncing L2 temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return werrors.Wrap(werrors.Io, err, "closing L2 temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return werrors.Wrap(werrors.Io, err, "renaming L2 chunk into place")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().Unix()
	rec := l2Record{ChecksumHex: hex.EncodeToString(e.Checksum[:]), Size: e.Size(), CreatedUnix: now, AccessedUnix: now}

	if err := l.writeRecord(e.ID, rec); err != nil {
		return err
	}
	l.size += rec.Size

	l.evictIfNeeded()
	return nil
}

// Invalidate removes every L2 entry belonging to inode.
func (l *L2) Invalidate(inode uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var toDrop []ID
	_ = l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(k) == 16 && binary.BigEndian.Uint64(k[0:8]) == inode {
				idx := binary.BigEndian.Uint64(k[8:16])
				toDrop = append(toDrop, ID{Inode: inode, Index: idx})
			}
			return nil
		})
	})
	for _, id := range toDrop {
		if rec, ok := l.readRecord(id); ok {
			l.dropRecordLocked(id, rec)
		}
	}
}

func (l *L2) readRecord(id ID) (l2Record, bool) {
	var rec l2Record
	var found bool
	_ = l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		v := b.Get(chunkKey(id))
		if v == nil {
			return nil
		}
		found = true
		rec = decodeRecord(v)
		return nil
	})
	return rec, found
}

func (l *L2) writeRecord(id ID, rec l2Record) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		return b.Put(chunkKey(id), encodeRecord(rec))
	})
}

func (l *L2) touch(id ID, rec l2Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.AccessedUnix = l.clock.Now().Unix()
	_ = l.writeRecord(id, rec)
}

func (l *L2) dropRecord(id ID, rec l2Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropRecordLocked(id, rec)
}

func (l *L2) dropRecordLocked(id ID, rec l2Record) {
	_ = l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(chunkKey(id))
	})
	l.size -= rec.Size
	if l.size < 0 {
		l.size = 0
	}
	checksum, err := hex.DecodeString(rec.ChecksumHex)
	if err == nil && len(checksum) == 32 {
		var sum [32]byte
		copy(sum[:], checksum)
		os.Remove(checksumPath(l.root, sum))
	}
}

// evictIfNeeded deletes oldest-by-access entries until under capacity.
// Caller holds l.mu.
func (l *L2) evictIfNeeded() {
	for l.size > l.capacity {
		var (
			oldestID  ID
			oldestRec l2Record
			oldestAt  int64
			found     bool
		)
		_ = l.db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket(indexBucket)
			return b.ForEach(func(k, v []byte) error {
				rec := decodeRecord(v)
				if !found || rec.AccessedUnix < oldestAt {
					found = true
					oldestAt = rec.AccessedUnix
					oldestRec = rec
					oldestID = ID{Inode: binary.BigEndian.Uint64(k[0:8]), Index: binary.BigEndian.Uint64(k[8:16])}
				}
				return nil
			})
		})
		if !found {
			return
		}
		l.dropRecordLocked(oldestID, oldestRec)
	}
}

func (l *L2) sumIndexedSize() int64 {
	var total int64
	_ = l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(indexBucket)
		return b.ForEach(func(_, v []byte) error {
			total += decodeRecord(v).Size
			return nil
		})
	})
	return total
}

// sweepOrphanTemp removes .tmp files under root/tmp older than 5 minutes,
// left behind by a crash between write and rename.
func (l *L2) sweepOrphanTemp() {
	tmpDir := filepath.Join(l.root, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return
	}
	cutoff := l.clock.Now().Add(-5 * time.Minute)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(tmpDir, e.Name()))
		}
	}
}

func encodeRecord(r l2Record) []byte {
	buf := make([]byte, 0, 64+len(r.ChecksumHex))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(len(r.ChecksumHex)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, r.ChecksumHex...)
	binary.BigEndian.PutUint64(tmp[:], uint64(r.Size))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(r.CreatedUnix))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(r.AccessedUnix))
	buf = append(buf, tmp[:]...)
	return buf
}

func decodeRecord(b []byte) l2Record {
	if len(b) < 8 {
		return l2Record{}
	}
	n := binary.BigEndian.Uint64(b[0:8])
	b = b[8:]
	if uint64(len(b)) < n+24 {
		return l2Record{}
	}
	checksumHex := string(b[:n])
	b = b[n:]
	size := int64(binary.BigEndian.Uint64(b[0:8]))
	created := int64(binary.BigEndian.Uint64(b[8:16]))
	accessed := int64(binary.BigEndian.Uint64(b[16:24]))
	return l2Record{ChecksumHex: checksumHex, Size: size, CreatedUnix: created, AccessedUnix: accessed}
}

// Size reports current occupied bytes.
func (l *L2) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
