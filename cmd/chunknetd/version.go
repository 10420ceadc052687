// Copyright (c) 2025 The FileZap developers

package main

import (
	"fmt"

	"github.com/VetheonGames/FileZap/chunknet/pkg/fileshare"
)

const (
	appMajor = 0
	appMinor = 1
	appPatch = 0
)

// appVersion returns the version as major.minor.patch
func appVersion() string {
	return fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
}

// versionString also names the message protocol the daemon speaks.
func versionString() string {
	return fmt.Sprintf("%s (protocol %d)", appVersion(), fileshare.ProtocolVersion)
}
