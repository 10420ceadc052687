// Copyright (c) 2025 The FileZap developers

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/VetheonGames/FileZap/chunknet/config"
	"github.com/VetheonGames/FileZap/chunknet/pkg/database"
	"github.com/VetheonGames/FileZap/chunknet/pkg/fileshare"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
	"github.com/VetheonGames/FileZap/chunknet/pkg/rpcserver"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It is nil until
	// initLogRotator is called.
	logRotator *rotator.Rotator

	cntdLog = backendLog.Logger("CNTD")
	nodeLog = backendLog.Logger("NODE")
	peerLog = backendLog.Logger("PEER")
	fshrLog = backendLog.Logger("FSHR")
	storLog = backendLog.Logger("STOR")
	rpcsLog = backendLog.Logger("RPCS")
)

func init() {
	peer.UseLogger(peerLog)
	node.UseLogger(nodeLog)
	fileshare.UseLogger(fshrLog)
	database.UseLogger(storLog)
	rpcserver.UseLogger(rpcsLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"CNTD": cntdLog,
	"NODE": nodeLog,
	"PEER": peerLog,
	"FSHR": fshrLog,
	"STOR": storLog,
	"RPCS": rpcsLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxSizeMiB int64, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, maxSizeMiB*1024, false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	logRotator = r
	return nil
}

// setLogLevels applies a debuglevel option to the subsystem loggers.
func setLogLevels(debugLevel string) error {
	global, subsystems, err := config.ParseDebugLevels(debugLevel)
	if err != nil {
		return err
	}

	if global != "" {
		level, _ := btclog.LevelFromString(global)
		for _, logger := range subsystemLoggers {
			logger.SetLevel(level)
		}
		return nil
	}

	for subsysID, levelStr := range subsystems {
		logger, ok := subsystemLoggers[subsysID]
		if !ok {
			return fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, supportedSubsystems())
		}
		level, _ := btclog.LevelFromString(levelStr)
		logger.SetLevel(level)
	}
	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}
