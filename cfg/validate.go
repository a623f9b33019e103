package cfg

import "fmt"

const (
	NetworkTimeoutMsInvalidValueError       = "the value of timeout_ms for network must be between 1000 and 300000"
	NetworkKeepaliveMsInvalidValueError     = "the value of keepalive_ms for network must be between 1000 and 60000"
	NetworkKeepaliveMsTooHighError          = "the value of keepalive_ms for network must be less than timeout_ms"
	NetworkIdleTimeoutMsInvalidValueError   = "the value of idle_timeout_ms for network must be between 10000 and 3600000"
	NetworkMaxStreamsInvalidValueError      = "the value of max_streams for network must be between 1 and 1000"
	CacheL1SizeInvalidValueError            = "the value of l1_size for cache must be between 0 and 17179869184"
	CacheL2MaxSizeInvalidValueError         = "the value of l2_max_size for cache must be between 0 and 1099511627776"
	CachePrefetchLookaheadInvalidValueError = "the value of prefetch_lookahead for cache must be between 0 and 16"
	CacheAttrTTLSecondsInvalidValueError    = "the value of attr_ttl_seconds for cache must be between 0 and 3600"
	CacheGCIntervalSecondsInvalidValueError = "the value of gc_interval_seconds for cache must be between 60 and 86400"
	HostMaxClientsInvalidValueError         = "the value of max_clients for host must be between 1 and 1000"
)

const (
	minL1Size    = 0
	maxL1Size    = 16 << 30 // 16 GiB
	minL2MaxSize = 0
	maxL2MaxSize = 1 << 40 // 1 TiB
)

func isValidNetworkConfig(c *NetworkConfig) error {
	if c.TimeoutMs < 1000 || c.TimeoutMs > 300000 {
		return fmt.Errorf(NetworkTimeoutMsInvalidValueError)
	}
	if c.KeepaliveMs < 1000 || c.KeepaliveMs > 60000 {
		return fmt.Errorf(NetworkKeepaliveMsInvalidValueError)
	}
	if c.KeepaliveMs >= c.TimeoutMs {
		return fmt.Errorf(NetworkKeepaliveMsTooHighError)
	}
	if c.IdleTimeoutMs < 10000 || c.IdleTimeoutMs > 3600000 {
		return fmt.Errorf(NetworkIdleTimeoutMsInvalidValueError)
	}
	if c.MaxStreams < 1 || c.MaxStreams > 1000 {
		return fmt.Errorf(NetworkMaxStreamsInvalidValueError)
	}
	return nil
}

func isValidCacheConfig(c *CacheConfig) error {
	if c.L1Size < minL1Size || c.L1Size > maxL1Size {
		return fmt.Errorf(CacheL1SizeInvalidValueError)
	}
	if c.L2MaxSize < minL2MaxSize || c.L2MaxSize > maxL2MaxSize {
		return fmt.Errorf(CacheL2MaxSizeInvalidValueError)
	}
	if c.PrefetchLookahead < 0 || c.PrefetchLookahead > 16 {
		return fmt.Errorf(CachePrefetchLookaheadInvalidValueError)
	}
	if c.AttrTTLSeconds < 0 || c.AttrTTLSeconds > 3600 {
		return fmt.Errorf(CacheAttrTTLSecondsInvalidValueError)
	}
	if c.GCIntervalSeconds < 60 || c.GCIntervalSeconds > 86400 {
		return fmt.Errorf(CacheGCIntervalSecondsInvalidValueError)
	}
	return nil
}

func isValidHostConfig(c *HostConfig) error {
	if c.MaxClients < 1 || c.MaxClients > 1000 {
		return fmt.Errorf(HostMaxClientsInvalidValueError)
	}
	return nil
}

// ValidateConfig returns a non-nil error if config is outside the §6
// bounds. SecurityConfig has no range to check: both of its fields are
// plain booleans.
func ValidateConfig(config *Config) error {
	if err := isValidNetworkConfig(&config.Network); err != nil {
		return fmt.Errorf("error parsing network config: %w", err)
	}
	if err := isValidCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("error parsing cache config: %w", err)
	}
	if err := isValidHostConfig(&config.Host); err != nil {
		return fmt.Errorf("error parsing host config: %w", err)
	}
	return nil
}
