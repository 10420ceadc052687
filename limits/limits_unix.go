// Copyright (c) 2025 The FileZap developers

//go:build !windows && !plan9

package limits

import (
	"fmt"
	"syscall"
)

const (
	// DefaultMaxFileDescriptors is the open file limit requested at startup.
	// Every peer connection holds one descriptor.
	DefaultMaxFileDescriptors = 16384
)

// SetLimits raises the process file descriptor limit as close to
// DefaultMaxFileDescriptors as the hard limit allows. The limit is never
// lowered.
func SetLimits() error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return fmt.Errorf("failed to read file descriptor limit: %v", err)
	}
	if rLimit.Cur >= DefaultMaxFileDescriptors {
		return nil
	}

	rLimit.Cur = DefaultMaxFileDescriptors
	if rLimit.Max < DefaultMaxFileDescriptors {
		rLimit.Cur = rLimit.Max
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return fmt.Errorf("failed to set file descriptor limit: %v", err)
	}
	return nil
}

// FileDescriptorLimit returns the current and maximum file descriptor limits.
func FileDescriptorLimit() (uint64, uint64, error) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, 0, err
	}
	return uint64(rLimit.Cur), uint64(rLimit.Max), nil
}
