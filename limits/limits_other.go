// Copyright (c) 2025 The FileZap developers

//go:build windows || plan9

package limits

import "errors"

// SetLimits is a no-op on platforms without rlimits.
func SetLimits() error {
	return nil
}

// FileDescriptorLimit is not supported on this platform.
func FileDescriptorLimit() (uint64, uint64, error) {
	return 0, 0, errors.New("not supported on this platform")
}
