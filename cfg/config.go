// Package cfg is the §6 external configuration surface: a Config struct
// bound to command-line flags and an optional YAML file via spf13/viper,
// with defaults.go supplying fallbacks for anything left unset and
// validate.go range-checking everything bounded.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Network  NetworkConfig  `yaml:"network"`
	Cache    CacheConfig    `yaml:"cache"`
	Security SecurityConfig `yaml:"security"`
	Host     HostConfig     `yaml:"host"`
}

type NetworkConfig struct {
	TimeoutMs     int `yaml:"timeout_ms"`
	KeepaliveMs   int `yaml:"keepalive_ms"`
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
	MaxStreams    int `yaml:"max_streams"`
}

type CacheConfig struct {
	L1Size            int64  `yaml:"l1_size"`
	L2Path            string `yaml:"l2_path"`
	L2MaxSize         int64  `yaml:"l2_max_size"`
	PrefetchLookahead int    `yaml:"prefetch_lookahead"`
	AttrTTLSeconds    int    `yaml:"attr_ttl_seconds"`
	GCIntervalSeconds int    `yaml:"gc_interval_seconds"`
}

type SecurityConfig struct {
	VerifyChecksums bool `yaml:"verify_checksums"`
	ReadOnly        bool `yaml:"read_only"`
}

type HostConfig struct {
	MaxClients     int  `yaml:"max_clients"`
	FollowSymlinks bool `yaml:"follow_symlinks"`
}

// BindFlags registers every option in the §6 table as a persistent flag
// and binds it into viper under the same dotted key its yaml tag uses, so
// a flag and a config file key resolve to the same Config field.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.IntP("network-timeout-ms", "", 30000, "Per-request deadline baseline, in milliseconds.")
	if err = viper.BindPFlag("network.timeout_ms", flagSet.Lookup("network-timeout-ms")); err != nil {
		return err
	}

	flagSet.IntP("network-keepalive-ms", "", 10000, "Keepalive interval, in milliseconds; must stay below timeout_ms.")
	if err = viper.BindPFlag("network.keepalive_ms", flagSet.Lookup("network-keepalive-ms")); err != nil {
		return err
	}

	flagSet.IntP("network-idle-timeout-ms", "", 60000, "Session idle disconnect, in milliseconds.")
	if err = viper.BindPFlag("network.idle_timeout_ms", flagSet.Lookup("network-idle-timeout-ms")); err != nil {
		return err
	}

	flagSet.IntP("network-max-streams", "", 100, "Concurrent in-flight requests per connection.")
	if err = viper.BindPFlag("network.max_streams", flagSet.Lookup("network-max-streams")); err != nil {
		return err
	}

	flagSet.Int64P("cache-l1-size", "", 268435456, "L1 in-memory cache capacity, in bytes; 0 disables L1.")
	if err = viper.BindPFlag("cache.l1_size", flagSet.Lookup("cache-l1-size")); err != nil {
		return err
	}

	flagSet.StringP("cache-l2-path", "", defaultL2Path(), "L2 on-disk cache root directory; defaults to the platform user cache directory.")
	if err = viper.BindPFlag("cache.l2_path", flagSet.Lookup("cache-l2-path")); err != nil {
		return err
	}

	flagSet.Int64P("cache-l2-max-size", "", 10737418240, "L2 on-disk cache capacity, in bytes; 0 disables L2.")
	if err = viper.BindPFlag("cache.l2_max_size", flagSet.Lookup("cache-l2-max-size")); err != nil {
		return err
	}

	flagSet.IntP("cache-prefetch-lookahead", "", 4, "Prefetch window, in chunks.")
	if err = viper.BindPFlag("cache.prefetch_lookahead", flagSet.Lookup("cache-prefetch-lookahead")); err != nil {
		return err
	}

	flagSet.IntP("cache-attr-ttl-seconds", "", 1, "Attribute freshness window, in seconds.")
	if err = viper.BindPFlag("cache.attr_ttl_seconds", flagSet.Lookup("cache-attr-ttl-seconds")); err != nil {
		return err
	}

	flagSet.IntP("cache-gc-interval-seconds", "", 300, "Eviction sweep cadence, in seconds.")
	if err = viper.BindPFlag("cache.gc_interval_seconds", flagSet.Lookup("cache-gc-interval-seconds")); err != nil {
		return err
	}

	flagSet.BoolP("security-verify-checksums", "", true, "Require chunk checksum match on every cache fill.")
	if err = viper.BindPFlag("security.verify_checksums", flagSet.Lookup("security-verify-checksums")); err != nil {
		return err
	}

	flagSet.BoolP("security-read-only", "", false, "Reject write-class requests.")
	if err = viper.BindPFlag("security.read_only", flagSet.Lookup("security-read-only")); err != nil {
		return err
	}

	flagSet.IntP("host-max-clients", "", 100, "Concurrent client sessions accepted by a host.")
	if err = viper.BindPFlag("host.max_clients", flagSet.Lookup("host-max-clients")); err != nil {
		return err
	}

	flagSet.BoolP("host-follow-symlinks", "", false, "Scanner policy: follow symlinks when building the share tree.")
	if err = viper.BindPFlag("host.follow_symlinks", flagSet.Lookup("host-follow-symlinks")); err != nil {
		return err
	}

	return nil
}
