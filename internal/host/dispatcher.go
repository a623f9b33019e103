// Package host implements the §4.9 request dispatcher: for each accepted
// session it reads framed requests and replies, enforcing per-client rate
// limits, an in-flight concurrency cap, path safety, and read-only mode.
package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/byronwade/wormhole/internal/cache"
	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/events"
	"github.com/byronwade/wormhole/internal/lock"
	"github.com/byronwade/wormhole/internal/logger"
	"github.com/byronwade/wormhole/internal/metrics"
	"github.com/byronwade/wormhole/internal/pathsafety"
	"github.com/byronwade/wormhole/internal/prefetch"
	"github.com/byronwade/wormhole/internal/transport"
	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/werrors"
	"github.com/byronwade/wormhole/internal/wire"
)

// Config parameterizes the dispatcher from the §6 configuration surface.
type Config struct {
	Root                string
	ReadOnly            bool
	MaxClients          int
	RateLimitRPS        float64 // default 100
	RateLimitBurst      int     // default 200
	MaxInFlightPerClient int64  // default 100
	FollowSymlinks      bool
	ServerID            string
	PAKEKey             []byte
}

func (c *Config) applyDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 100
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 100
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 200
	}
	if c.MaxInFlightPerClient <= 0 {
		c.MaxInFlightPerClient = 100
	}
}

// Dispatcher is the host-side process that serves one shared directory to
// any number of connecting clients.
type Dispatcher struct {
	cfg   Config
	clock clock.Clock

	vfs       *vfs.Map
	alloc     *vfs.Allocator
	typeCache *vfs.TypeCache
	cache     *cache.Cache
	locks     *lock.Table
	prefetch  *prefetch.Governor
	hub       *events.Hub    // may be nil; Publish calls below are nil-checked
	metrics   metrics.Handle // never nil; defaults to a no-op handle

	mu      sync.Mutex
	clients int
	staged  map[uint64]*stagedWrite // GUARDED_BY(mu)
}

// stagedWrite is one inode's in-progress write, buffered on disk rather
// than in memory so a write larger than available RAM never matters;
// consolidates the stage/commit responsibility gcsfuse splits into a
// separate MutableObject type directly into the dispatcher, since here
// the "backing store" being staged against is just the share root itself.
type stagedWrite struct {
	file   *os.File
	path   string // temp path under cfg.Root's staging directory
	target string // real path this will be renamed onto on commit
}

const stagingDirName = ".wormhole-staging"

// New builds a Dispatcher over an already-populated VFS map rooted at
// cfg.Root. hub may be nil, in which case the dispatcher publishes no
// lifecycle events (e.g. in tests that don't care to observe them). m
// may also be nil, in which case metrics are discarded.
func New(cfg Config, c clock.Clock, vfsMap *vfs.Map, alloc *vfs.Allocator, typeCache *vfs.TypeCache, chunkCache *cache.Cache, locks *lock.Table, pf *prefetch.Governor, hub *events.Hub, m metrics.Handle) *Dispatcher {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoopHandle()
	}
	return &Dispatcher{
		cfg:       cfg,
		clock:     c,
		vfs:       vfsMap,
		alloc:     alloc,
		typeCache: typeCache,
		cache:     chunkCache,
		locks:     locks,
		prefetch:  pf,
		hub:       hub,
		metrics:   m,
		staged:    make(map[uint64]*stagedWrite),
	}
}

// publish is a nil-safe wrapper around hub.Publish so call sites don't
// need to guard every event emission.
func (d *Dispatcher) publish(kind events.Kind, fields map[string]any) {
	if d.hub != nil {
		d.hub.Publish(kind, fields)
	}
}

// Serve accepts connections from ln until ctx is cancelled or ln.Accept
// fails permanently.
func (d *Dispatcher) Serve(ctx context.Context, ln transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		d.mu.Lock()
		if d.clients >= d.cfg.MaxClients {
			d.mu.Unlock()
			conn.Close(uint64(werrors.RateLimited), "max clients reached")
			continue
		}
		d.clients++
		d.mu.Unlock()

		go func() {
			defer func() {
				d.mu.Lock()
				d.clients--
				d.mu.Unlock()
			}()
			d.handleConn(ctx, conn)
		}()
	}
}

// clientState is the per-connection bookkeeping the dispatcher keeps:
// a token-bucket limiter (§4.9: 100 req/s sustained, 200 burst default)
// and a semaphore bounding in-flight requests on this connection.
type clientState struct {
	id      string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

func (d *Dispatcher) handleConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close(0, "dispatcher done")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	hs, err := transport.ServerHandshake(ctx, stream, d.cfg.ServerID, d.cfg.PAKEKey)
	stream.Close()
	if err != nil {
		logger.WithFields(logger.LevelWarn, "host: handshake failed", logger.Fields{"error": err.Error()})
		return
	}

	cs := &clientState{
		id:      hs.ClientID,
		limiter: rate.NewLimiter(rate.Limit(d.cfg.RateLimitRPS), d.cfg.RateLimitBurst),
		sem:     semaphore.NewWeighted(d.cfg.MaxInFlightPerClient),
	}
	d.publish(events.ClientConnected, map[string]any{"client": cs.id})

	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go d.handleStream(ctx, cs, s)
	}
}

func (d *Dispatcher) handleStream(ctx context.Context, cs *clientState, stream transport.Stream) {
	defer stream.Close()

	if err := cs.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer cs.sem.Release(1)

	if err := cs.limiter.Wait(ctx); err != nil {
		writeError(stream, 0, werrors.New(werrors.RateLimited, "rate limit wait cancelled"))
		return
	}

	typ, payload, err := wire.ReadFrame(stream)
	if err != nil {
		return
	}
	msg, err := wire.DecodeMessage(typ, payload)
	if err != nil {
		writeError(stream, 0, err)
		return
	}

	if d.cfg.ReadOnly && isWriteClass(typ) {
		writeError(stream, 0, werrors.New(werrors.PermissionDenied, "host is read-only"))
		return
	}

	resp, respType, err := d.dispatch(ctx, typ, msg)
	if err != nil {
		writeError(stream, 0, err)
		return
	}
	if err := wire.WriteFrame(stream, respType, mustMarshal(resp)); err != nil {
		logger.WithFields(logger.LevelWarn, "host: writing response failed", logger.Fields{"error": err.Error()})
	}
}

func isWriteClass(typ wire.Type) bool {
	switch typ {
	case wire.TypeWriteChunkRequest, wire.TypeCommitWriteRequest,
		wire.TypeMkDirRequest, wire.TypeCreateFileRequest,
		wire.TypeUnlinkRequest, wire.TypeRmDirRequest, wire.TypeRenameRequest:
		return true
	case wire.TypeAcquireLockRequest:
		return false // shared lock requests are allowed read-only; exclusivity is checked in the handler
	default:
		return false
	}
}

func mustMarshal(v any) []byte {
	b, err := wire.Marshal(v)
	if err != nil {
		// v is always one of our own response structs; a marshal failure
		// here means a codec invariant broke, not a runtime condition.
		panic(err)
	}
	return b
}

func writeError(stream transport.Stream, cid uint64, err error) {
	resp := &wire.ErrorResponse{
		Code:          int32(werrors.CodeOf(err)),
		Message:       err.Error(),
		CorrelationID: cid,
	}
	_ = wire.WriteFrame(stream, wire.TypeErrorResponse, mustMarshal(resp))
}

// resolvePath maps inode to the real on-disk path, rejecting anything
// that would escape cfg.Root, the one chokepoint every handler that
// touches the filesystem routes through.
func (d *Dispatcher) resolvePath(inode uint64) (string, *vfs.Entry, error) {
	e := d.vfs.Lookup(inode)
	if e == nil {
		return "", nil, werrors.New(werrors.NotFound, "unknown inode")
	}
	abs, err := pathsafety.Resolve(d.cfg.Root, e.RelPath)
	if err != nil {
		return "", nil, err
	}
	return abs, e, nil
}

// stageFor returns the staging file for inode, creating it on first use by
// copying target's current contents so a write touching only part of the
// file still commits a complete copy.
func (d *Dispatcher) stageFor(inode uint64, target string) (*stagedWrite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.staged[inode]; ok {
		return s, nil
	}

	stagingDir := filepath.Join(d.cfg.Root, stagingDirName)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "creating staging directory")
	}

	tmp, err := os.CreateTemp(stagingDir, "write-*.tmp")
	if err != nil {
		return nil, werrors.Wrap(werrors.Io, err, "creating staged write file")
	}

	if src, err := os.Open(target); err == nil {
		_, copyErr := io.Copy(tmp, src)
		src.Close()
		if copyErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, werrors.Wrap(werrors.Io, copyErr, "seeding staged write from existing contents")
		}
	} else if !os.IsNotExist(err) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, werrors.Wrap(werrors.Io, err, "opening existing file to seed staged write")
	}

	s := &stagedWrite{file: tmp, path: tmp.Name(), target: target}
	d.staged[inode] = s
	return s, nil
}

// lookupInodeForToken recovers the inode a commit token applies to.
func (d *Dispatcher) lookupInodeForToken(token lock.Token) (uint64, bool) {
	return d.locks.InodeForToken(token)
}
