// Copyright (c) 2025 The FileZap developers

package database

import "github.com/btcsuite/btclog"

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log = btclog.Disabled

// UseLogger sets the package-level logger and passes it to every registered
// driver.
func UseLogger(logger btclog.Logger) {
	log = logger

	driversMtx.RLock()
	defer driversMtx.RUnlock()
	for _, drv := range drivers {
		if drv.UseLogger != nil {
			drv.UseLogger(logger)
		}
	}
}
