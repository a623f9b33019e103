//go:build windows

package cache

// Windows has no RLIMIT_NOFILE equivalent exposed the same way; handle
// table size is governed by the process quota instead, so there is
// nothing useful to raise here.
func raiseFDLimitIfNeeded() {}
