package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"
	"github.com/spf13/cobra"

	"github.com/byronwade/wormhole/internal/cache"
	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/events"
	"github.com/byronwade/wormhole/internal/lock"
	"github.com/byronwade/wormhole/internal/logger"
	"github.com/byronwade/wormhole/internal/metrics"
	"github.com/byronwade/wormhole/internal/prefetch"
	"github.com/byronwade/wormhole/internal/scanner"
	"github.com/byronwade/wormhole/internal/transport"
	"github.com/byronwade/wormhole/internal/vfs"
	"github.com/byronwade/wormhole/internal/wire"

	"github.com/byronwade/wormhole/internal/host"
)

var (
	hostListenAddr string
	hostForeground bool
)

var hostCmd = &cobra.Command{
	Use:   "host <shared-directory>",
	Short: "Share a local directory over the network",
	Args:  cobra.ExactArgs(1),
	RunE:  runHost,
}

func init() {
	hostCmd.Flags().StringVar(&hostListenAddr, "listen", ":7777", "UDP address to accept QUIC connections on")
	hostCmd.Flags().BoolVar(&hostForeground, "foreground", false, "Run in the foreground instead of forking a background daemon")
}

// runHost daemonizes itself (re-execing with --foreground, mirroring the
// teacher's own mountWithArgs/daemonize.Run split between the invoking
// process and the one that actually serves) unless --foreground is set,
// in which case it validates the share root, builds every server-side
// component the dispatcher needs, and serves until interrupted.
func runHost(cmd *cobra.Command, args []string) error {
	if !hostForeground {
		return daemonizeHost()
	}

	root, err := filepath.Abs(args[0])
	if err != nil {
		return signalDaemonizeOutcome(fmt.Errorf("resolving share root: %w", err))
	}

	// A scan of the whole tree isn't on the hot path — internal/host's
	// handlers allocate inodes lazily, one os.ReadDir/os.Stat at a time,
	// as the client asks about them — but walking it once up front at
	// startup catches an unreadable file or a symlink escaping root
	// before the first client ever sees the resulting EIO, the same
	// motivation as the teacher's own temp-dir sanity check in
	// mountWithStorageHandle.
	tree, err := scanner.Scan(root, scanner.Options{FollowSymlinks: RunConfig.Host.FollowSymlinks})
	if err != nil {
		return signalDaemonizeOutcome(fmt.Errorf("scanning share root %q: %w", root, err))
	}
	fileCount, dirCount := countTree(tree)
	logger.Infof("wormhole: sharing %q (%d files, %d directories)", root, fileCount, dirCount)

	stateDir := filepath.Join(RunConfig.Cache.L2Path, "host-state")
	cert, err := loadOrGenerateHostCert(stateDir)
	if err != nil {
		return signalDaemonizeOutcome(err)
	}
	tlsConf := transport.NewLANTrustTLSConfig(cert, []string{"wormhole/1"})

	ln, err := transport.ListenQUIC(hostListenAddr, tlsConf, uint32(RunConfig.Network.KeepaliveMs), uint32(RunConfig.Network.IdleTimeoutMs))
	if err != nil {
		return signalDaemonizeOutcome(fmt.Errorf("listening on %q: %w", hostListenAddr, err))
	}
	defer ln.Close()

	c := clock.RealClock{}
	l1 := cache.NewL1(c, RunConfig.Cache.L1Size)
	l2, err := cache.OpenL2(c, RunConfig.Cache.L2Path, RunConfig.Cache.L2MaxSize)
	if err != nil {
		return signalDaemonizeOutcome(fmt.Errorf("opening chunk cache at %q: %w", RunConfig.Cache.L2Path, err))
	}
	defer l2.Close()

	locks := lock.NewTable(c, lock.DefaultTTL)
	stop := make(chan struct{})
	defer close(stop)
	go lock.RunSweeper(locks, c, lock.DefaultTTL/2, stop)

	hub := events.New(c)
	metricsHandle, metricsHTTP, metricsShutdown, err := metrics.NewOTelHandle()
	if err != nil {
		return signalDaemonizeOutcome(fmt.Errorf("initializing metrics: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warnf("wormhole: metrics shutdown: %v", err)
		}
	}()
	serveMetricsHTTP(metricsHTTP)

	dispatcherCfg := host.Config{
		Root:           root,
		ReadOnly:       RunConfig.Security.ReadOnly,
		MaxClients:     RunConfig.Host.MaxClients,
		FollowSymlinks: RunConfig.Host.FollowSymlinks,
		ServerID:       hostServerID(),
		PAKEKey:        lanTrustPAKEKey,
	}
	d := host.New(
		dispatcherCfg,
		c,
		vfs.NewMap(),
		vfs.NewAllocator(),
		vfs.NewTypeCache(c, time.Duration(RunConfig.Cache.AttrTTLSeconds)*time.Second),
		cache.New(c, l1, l2),
		locks,
		prefetch.New(RunConfig.Cache.PrefetchLookahead),
		hub,
		metricsHandle,
	)

	hub.Publish(events.HostStarted, map[string]any{"root": root, "listen": hostListenAddr})
	logger.Infof("wormhole: host listening on %s", hostListenAddr)
	signalDaemonizeOutcome(nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = d.Serve(ctx, ln)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// daemonizeHost re-execs the current binary with --foreground set and the
// same arguments, the way the teacher's mountWithArgs re-execs gcsfuse
// itself for a background mount; daemonize.Run blocks until the
// foregrounded child signals its own outcome via signalDaemonizeOutcome.
func daemonizeHost() error {
	// osext.Executable rather than the stdlib's os.Executable, matching the
	// teacher's own legacy_main.go resolution of its own re-exec target.
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	// Reuse the full original argument list (whatever flags the caller
	// passed, including --config-file) rather than rebuilding it from the
	// parsed Config, mirroring the teacher's own
	// append([]string{"--foreground"}, os.Args[1:]...).
	daemonArgs := append([]string{"--foreground"}, os.Args[1:]...)

	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if wd, err := os.Getwd(); err == nil {
		env = append(env, fmt.Sprintf("WORMHOLE_PARENT_DIR=%s", wd))
	}

	if err := daemonize.Run(path, daemonArgs, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Fprintln(os.Stdout, "wormhole: host started in the background")
	return nil
}

// signalDaemonizeOutcome reports success or failure back to the parent
// process daemonize.Run is blocking in, when running as the daemonized
// child; it is a no-op (and returns err unchanged) when --foreground was
// passed directly by an interactive caller that isn't being supervised by
// daemonize.
func signalDaemonizeOutcome(err error) error {
	if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
		logger.Warnf("wormhole: signaling daemonize outcome: %v", sigErr)
	}
	return err
}

// lanTrustPAKEKey is the fixed key a LAN-trust deployment authenticates
// with in place of a real PAKE exchange (see transport.StaticPAKEProvider
// and transport.PAKEProvider's doc comment); client and host must agree
// on this out of band, which in LAN-trust mode means "both run the same
// build".
var lanTrustPAKEKey = []byte("wormhole-lan-trust-shared-key-v1")

func hostServerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "wormhole-host"
	}
	return hostname
}

func countTree(e scanner.Entry) (files, dirs int) {
	if e.RelPath != "." {
		if e.Type == wire.FileTypeDirectory {
			dirs++
		} else {
			files++
		}
	}
	for _, c := range e.Children {
		cf, cd := countTree(c)
		files += cf
		dirs += cd
	}
	return files, dirs
}

// serveMetricsHTTP starts a best-effort /metrics listener on localhost; a
// bind failure (e.g. the port already taken by a second instance) is
// logged and otherwise ignored, since metrics exposition is diagnostic,
// not load-bearing.
func serveMetricsHTTP(h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: "127.0.0.1:9091", Handler: mux}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Warnf("wormhole: metrics endpoint unavailable: %v", err)
		return
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warnf("wormhole: metrics server stopped: %v", err)
		}
	}()
}
