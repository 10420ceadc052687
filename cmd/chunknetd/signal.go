// Copyright (c) 2025 The FileZap developers

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// interruptSignal returns a channel that is closed when SIGINT or SIGTERM is
// received. A second signal is left to the default handler so a stuck
// shutdown can still be killed.
func interruptSignal() <-chan struct{} {
	c := make(chan struct{})
	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interruptChan
		signal.Stop(interruptChan)
		cntdLog.Infof("Received signal (%s). Shutting down...", sig)
		close(c)
	}()
	return c
}
