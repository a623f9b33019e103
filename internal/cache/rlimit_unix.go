//go:build !windows

package cache

import (
	"golang.org/x/sys/unix"

	"github.com/byronwade/wormhole/internal/logger"
)

// minFDBudget is the file-descriptor headroom OpenL2 wants available
// beyond whatever the process is already holding: one for the bbolt
// index plus a handful for concurrently in-flight chunk reads/writes,
// which open and close their fd per call rather than holding it.
const minFDBudget = 256

// raiseFDLimitIfNeeded raises RLIMIT_NOFILE toward its hard ceiling when
// the current soft limit looks too tight for an L2 cache root, logging
// rather than failing if the raise itself isn't permitted (unprivileged
// processes often can't raise past a ceiling set by the host).
func raiseFDLimitIfNeeded() {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		logger.WithFields(logger.LevelWarn, "L2: could not read RLIMIT_NOFILE", logger.Fields{"error": err.Error()})
		return
	}
	if rl.Cur >= minFDBudget || rl.Cur >= rl.Max {
		return
	}

	want := rl.Max
	if want > minFDBudget*4 {
		want = minFDBudget * 4
	}
	raised := unix.Rlimit{Cur: want, Max: rl.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
		logger.WithFields(logger.LevelWarn, "L2: could not raise RLIMIT_NOFILE", logger.Fields{"error": err.Error(), "current": rl.Cur})
	}
}
