package cfg

import (
	"os"
	"path/filepath"
)

// GetDefaultConfig returns the §6 defaults, to be used during startup
// before any flag, environment variable, or config file has been applied.
func GetDefaultConfig() Config {
	return Config{
		Network: NetworkConfig{
			TimeoutMs:     30000,
			KeepaliveMs:   10000,
			IdleTimeoutMs: 60000,
			MaxStreams:    100,
		},
		Cache: CacheConfig{
			L1Size:            268435456,
			L2Path:            defaultL2Path(),
			L2MaxSize:         10737418240,
			PrefetchLookahead: 4,
			AttrTTLSeconds:    1,
			GCIntervalSeconds: 300,
		},
		Security: SecurityConfig{
			VerifyChecksums: true,
			ReadOnly:        false,
		},
		Host: HostConfig{
			MaxClients:     100,
			FollowSymlinks: false,
		},
	}
}

// defaultL2Path resolves the platform user cache directory the §6 table
// names as the default; a failure to resolve one (no HOME, no
// XDG_CACHE_HOME, etc.) falls back to a relative directory rather than
// erroring, since a missing L2 path is recoverable at OpenL2 time.
func defaultL2Path() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "wormhole-cache"
	}
	return filepath.Join(dir, "wormhole")
}
