package cache

import (
	"context"
	"strconv"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/werrors"
)

// maxFetchAttempts is the checksum-mismatch retry budget before
// ChecksumMismatch surfaces to the caller (§4.5 verification).
const maxFetchAttempts = 3

// Fetcher retrieves a chunk's bytes and the checksum the sender claims for
// them — normally a network round trip through the client actor, but
// swappable in tests.
type Fetcher func(ctx context.Context, id ID) (bytes []byte, checksum [32]byte, err error)

// Cache is the two-tier façade: L1 in memory, L2 on disk, single-flight
// collapsing of concurrent fetches for the same chunk, and BLAKE3
// verification of everything that arrives over the Fetcher.
type Cache struct {
	clock clock.Clock
	l1    *L1
	l2    *L2
	group singleflight.Group
}

// New wires an L1/L2 pair into a Cache.
func New(c clock.Clock, l1 *L1, l2 *L2) *Cache {
	return &Cache{clock: c, l1: l1, l2: l2}
}

func groupKey(id ID) string {
	return strconv.FormatUint(id.Inode, 10) + ":" + strconv.FormatUint(id.Index, 10)
}

// Get resolves id, consulting L1 then L2 before falling back to fetch.
// mtimeUnix is the parent file's current mtime; an entry whose stored
// mtime differs is treated as stale and refetched rather than served,
// implementing the "chunk inherits the file's mtime at fetch time"
// invalidation rule without requiring a separate explicit Invalidate call
// on every read path.
func (c *Cache) Get(ctx context.Context, id ID, mtimeUnix int64, fetch Fetcher) (*Entry, error) {
	if e, ok := c.l1.Get(id); ok && e.MtimeUnix == mtimeUnix {
		return e, nil
	}
	if e, ok := c.l2.Get(id); ok && e.MtimeUnix == mtimeUnix {
		e.MtimeUnix = mtimeUnix
		c.l1.Put(e)
		return e, nil
	}

	v, err, _ := c.group.Do(groupKey(id), func() (any, error) {
		return c.fetchAndVerify(ctx, id, mtimeUnix, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) fetchAndVerify(ctx context.Context, id ID, mtimeUnix int64, fetch Fetcher) (*Entry, error) {
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		bytes, claimed, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}

		computed := blake3.Sum256(bytes)
		if computed != claimed {
			lastErr = werrors.New(werrors.ChecksumMismatch, "fetched chunk failed BLAKE3 verification")
			continue
		}

		now := c.clock.Now().Unix()
		e := &Entry{
			ID:          id,
			Bytes:       bytes,
			Checksum:    computed,
			FetchUnix:   now,
			LastAccess:  now,
			AccessCount: 1,
			MtimeUnix:   mtimeUnix,
		}

		c.l1.Put(e)
		if err := c.l2.Put(e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, lastErr
}

// Invalidate drops every cached chunk for inode from both tiers, called
// when a getattr observes a changed mtime for the parent inode.
func (c *Cache) Invalidate(inode uint64) {
	c.l1.Invalidate(inode)
	c.l2.Invalidate(inode)
}
