package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"

	"github.com/byronwade/wormhole/internal/cache"
	"github.com/byronwade/wormhole/internal/client"
	"github.com/byronwade/wormhole/internal/clock"
	"github.com/byronwade/wormhole/internal/fsbridge"
	"github.com/byronwade/wormhole/internal/logger"
	"github.com/byronwade/wormhole/internal/metrics"
	"github.com/byronwade/wormhole/internal/prefetch"
	"github.com/byronwade/wormhole/internal/transport"
	"github.com/byronwade/wormhole/internal/vfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <host-address> <mount-point>",
	Short: "Attach a remote share at a local mount point",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	hostAddr, mountPoint := args[0], args[1]

	mountPoint, err := filepath.Abs(mountPoint)
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}

	c := clock.RealClock{}

	tlsConf := transport.NewClientLANTrustTLSConfig([]string{"wormhole/1"})
	dialer := transport.NewQUICDialer(hostAddr, tlsConf, uint32(RunConfig.Network.KeepaliveMs), uint32(RunConfig.Network.IdleTimeoutMs))

	sessionCfg := transport.Config{
		ClientID:          mountClientID(),
		ServerID:          hostAddr,
		KeepaliveInterval: time.Duration(RunConfig.Network.KeepaliveMs) * time.Millisecond,
		IdleTimeout:       time.Duration(RunConfig.Network.IdleTimeoutMs) * time.Millisecond,
		PAKE:              transport.StaticPAKEProvider(lanTrustPAKEKey),
	}

	onChange := func(from, to transport.State) {
		logger.Infof("wormhole: session %s -> %s", from, to)
	}
	session := transport.NewSession(dialer, c, sessionCfg, onChange)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()
	if err := session.Connect(connectCtx); err != nil {
		return fmt.Errorf("connecting to %q: %w", hostAddr, err)
	}
	defer session.Close()

	actor := client.NewActor(session, c)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go actor.Run(runCtx)
	defer actor.Close()

	metricsHandle, metricsHTTP, metricsShutdown, err := metrics.NewOTelHandle()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warnf("wormhole: metrics shutdown: %v", err)
		}
	}()
	serveMetricsHTTP(metricsHTTP)

	l1 := cache.NewL1(c, RunConfig.Cache.L1Size)
	l2, err := cache.OpenL2(c, RunConfig.Cache.L2Path, RunConfig.Cache.L2MaxSize)
	if err != nil {
		return fmt.Errorf("opening chunk cache at %q: %w", RunConfig.Cache.L2Path, err)
	}
	defer l2.Close()

	vfsMap := vfs.NewMap()
	typeCache := vfs.NewTypeCache(c, time.Duration(RunConfig.Cache.AttrTTLSeconds)*time.Second)
	pf := prefetch.New(RunConfig.Cache.PrefetchLookahead)
	chunkCache := cache.New(c, l1, l2)

	fs := fsbridge.New(actor, vfsMap, typeCache, chunkCache, pf, c, metricsHandle)

	mountCfg := &fuse.MountConfig{
		FSName:                  "wormhole",
		Subtype:                 "wormhole",
		VolumeName:              "wormhole",
		EnableParallelDirOps:    true,
		DisableWritebackCaching: true,
		EnableReaddirplus:       true,
	}

	logger.Infof("wormhole: mounting %q at %q", hostAddr, mountPoint)
	mfs, err := fuse.Mount(mountPoint, fs.Server(), mountCfg)
	if err != nil {
		return fmt.Errorf("mounting at %q: %w", mountPoint, err)
	}
	logger.Infof("wormhole: mounted %q at %q", hostAddr, mountPoint)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("wormhole: unmounting %q", mountPoint)
	if err := fuse.Unmount(mountPoint); err != nil {
		return fmt.Errorf("unmounting %q: %w", mountPoint, err)
	}
	return mfs.Join(context.Background())
}

func mountClientID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "wormhole-client"
	}
	return hostname
}
