// Copyright (c) 2025 The FileZap developers

package ldb

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// useLogger is handed to the database package so that database.UseLogger
// reaches this driver too.
func useLogger(logger btclog.Logger) {
	log = logger
}
