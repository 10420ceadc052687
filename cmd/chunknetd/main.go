// Copyright (c) 2025 The FileZap developers

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/VetheonGames/FileZap/chunknet/config"
	"github.com/VetheonGames/FileZap/chunknet/limits"
	"github.com/VetheonGames/FileZap/chunknet/pkg/database"
	"github.com/VetheonGames/FileZap/chunknet/pkg/fileshare"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/rpcserver"

	_ "github.com/VetheonGames/FileZap/chunknet/pkg/database/ldb"
)

const (
	contentDbNamePrefix = "content"
	shutdownTimeout     = 10 * time.Second
)

var cfg *config.Config

// chunknetdMain is the real main function for chunknetd. It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func chunknetdMain() error {
	var err error
	cfg, _, err = config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("chunknetd version %s\n", versionString())
		return nil
	}

	if err := initLogRotator(cfg.LogFile(), cfg.MaxLogSize, cfg.MaxLogFiles); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	// Get a channel that will be closed when a shutdown signal has been
	// triggered.
	quit := interruptSignal()
	defer cntdLog.Info("Shutdown complete")

	cntdLog.Infof("Version %s", versionString())

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		go func() {
			cntdLog.Infof("Profile server listening on %s", cfg.Profile)
			profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			cntdLog.Errorf("%v", http.ListenAndServe(cfg.Profile, nil))
		}()
	}

	db, err := loadContentDB()
	if err != nil {
		cntdLog.Errorf("%v", err)
		return err
	}
	defer func() {
		cntdLog.Infof("Gracefully shutting down the content database...")
		db.Close()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fs, err := fileshare.New(fileshare.Config{
		Node: node.Config{
			ListenAddr:     cfg.Listen,
			MaxPayloadSize: cfg.MaxPayload,
			SendTimeout:    cfg.SendTimeout,
			DedupCacheSize: cfg.DedupCacheSize,
			Registerer:     registry,
		},
		Store:             db,
		ChunkSize:         cfg.ChunkSize,
		RequestTimeout:    cfg.RequestTimeout,
		LocationCacheSize: cfg.LocationCacheSize,
	})
	if err != nil {
		cntdLog.Errorf("Unable to create node: %v", err)
		return err
	}

	if !cfg.NoListen {
		if err := fs.Start(); err != nil {
			cntdLog.Errorf("Unable to start node: %v", err)
			return err
		}
	}
	defer func() {
		cntdLog.Info("Gracefully shutting down the node...")
		fs.Stop()
		fs.WaitForShutdown()
	}()

	connectPeers(fs)

	if cfg.RPCListen != "" {
		srv := rpcserver.NewServer(rpcserver.Config{
			Backend:       fs,
			Gatherer:      registry,
			MaxUploadSize: cfg.RPCMaxUpload,
		})
		go func() {
			if err := srv.ListenAndServe(cfg.RPCListen); err != nil {
				cntdLog.Errorf("RPC server: %v", err)
			}
		}()
		defer func() {
			cntdLog.Info("Gracefully shutting down the RPC server...")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				cntdLog.Errorf("RPC server shutdown: %v", err)
			}
		}()
	}

	<-quit
	return nil
}

// connectPeers dials the remembered peer directory and the peers named on
// the command line. Failures are logged and skipped.
func connectPeers(fs *fileshare.Node) {
	if !cfg.NoDirectory {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		n, err := fs.ConnectKnownPeers(ctx)
		cancel()
		if err != nil {
			cntdLog.Warnf("Unable to read peer directory: %v", err)
		} else {
			cntdLog.Infof("Connected to %d known peers", n)
		}
	}

	for _, addr := range cfg.ConnectPeers {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		id, err := fs.Connect(ctx, addr)
		cancel()
		if err != nil {
			cntdLog.Warnf("Unable to connect to %s: %v", addr, err)
			continue
		}
		cntdLog.Infof("Connected to %s (%s)", addr, id)
	}
}

// loadContentDB opens the content store, creating it when it does not exist
// yet. The memdb driver always starts empty.
func loadContentDB() (database.Store, error) {
	if cfg.DbType == "memdb" {
		cntdLog.Infof("Creating content database in memory.")
		return database.Create(cfg.DbType, "")
	}

	dbPath := filepath.Join(cfg.DataDir, contentDbNamePrefix+"_"+cfg.DbType)
	cntdLog.Infof("Loading content database from '%s'", dbPath)

	db, err := database.Open(cfg.DbType, dbPath)
	if err != nil {
		if !database.IsErrorCode(err, database.ErrDbDoesNotExist) {
			return nil, err
		}

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, err
		}
		db, err = database.Create(cfg.DbType, dbPath)
		if err != nil {
			return nil, err
		}
	}

	cntdLog.Info("Content database loaded")
	return db, nil
}

func main() {
	// Chunks are large and short lived; collect more aggressively unless
	// the operator says otherwise.
	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(20)
	}

	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	if err := chunknetdMain(); err != nil {
		os.Exit(1)
	}
}
