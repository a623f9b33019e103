package metrics

import (
	"context"
	"time"
)

// NewNoopHandle returns a Handle that discards every measurement, for
// runs with metrics disabled in config.
func NewNoopHandle() Handle {
	return noopHandle{}
}

type noopHandle struct{}

func (noopHandle) OpsCount(context.Context, int64, string)                 {}
func (noopHandle) OpsLatency(context.Context, time.Duration, string)       {}
func (noopHandle) OpsErrorCount(context.Context, int64, string, string)    {}
func (noopHandle) CacheReadCount(context.Context, int64, string)           {}
func (noopHandle) CacheReadBytesCount(context.Context, int64, string)      {}
func (noopHandle) CacheReadLatency(context.Context, time.Duration, string) {}
func (noopHandle) LockGrantCount(context.Context, int64, string)           {}
func (noopHandle) LockDenyCount(context.Context, int64, string)            {}
func (noopHandle) RequestCount(context.Context, int64, string)             {}
func (noopHandle) RequestLatency(context.Context, time.Duration, string)   {}
func (noopHandle) BytesTransferredCount(context.Context, int64, string)    {}
func (noopHandle) InFlightRequests(context.Context, int64)                 {}
