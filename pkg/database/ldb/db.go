// Copyright (c) 2025 The FileZap developers

// Package ldb implements database.Store on top of goleveldb. Importing it
// registers two drivers: "leveldb", backed by files on disk, and "memdb",
// backed by memory only.
package ldb

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/VetheonGames/FileZap/chunknet/pkg/database"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

const (
	// DbType is the driver name for the on-disk store.
	DbType = "leveldb"

	// MemDbType is the driver name for the in-memory store.
	MemDbType = "memdb"
)

var (
	dataPrefix = []byte("d")
	peerPrefix = []byte("p")
)

// db is a database.Store backed by a leveldb instance.
type db struct {
	dbType string
	lvl    *leveldb.DB

	// writeMtx makes the read-then-write of InsertIfAbsent, Remove and the
	// peer counterparts atomic.
	writeMtx sync.Mutex
}

var _ database.Store = (*db)(nil)

func dataKey(key []byte) []byte {
	return append(append([]byte{}, dataPrefix...), key...)
}

func peerKey(addr peer.Addr) []byte {
	return append(append([]byte{}, peerPrefix...), addr.String()...)
}

func convertErr(desc string, err error) error {
	if err == leveldb.ErrClosed {
		return database.MakeError(database.ErrDbNotOpen, desc, err)
	}
	return database.MakeError(database.ErrDriverSpecific, desc, err)
}

func (d *db) Type() string {
	return d.dbType
}

func (d *db) ContainsKey(key []byte) (bool, error) {
	ok, err := d.lvl.Has(dataKey(key), nil)
	if err != nil {
		return false, convertErr("failed to look up key", err)
	}
	return ok, nil
}

func (d *db) InsertIfAbsent(key, value []byte) (bool, error) {
	k := dataKey(key)

	d.writeMtx.Lock()
	defer d.writeMtx.Unlock()

	exists, err := d.lvl.Has(k, nil)
	if err != nil {
		return false, convertErr("failed to look up key", err)
	}
	if exists {
		return false, nil
	}
	if err := d.lvl.Put(k, value, nil); err != nil {
		return false, convertErr("failed to store value", err)
	}
	return true, nil
}

func (d *db) Remove(key []byte) (bool, error) {
	return d.deleteIfPresent(dataKey(key))
}

func (d *db) Get(key []byte) ([]byte, bool, error) {
	value, err := d.lvl.Get(dataKey(key), nil)
	switch {
	case err == leveldb.ErrNotFound:
		return nil, false, nil
	case err != nil:
		return nil, false, convertErr("failed to fetch value", err)
	}
	return value, true, nil
}

func (d *db) Peers() ([]peer.Addr, error) {
	it := d.lvl.NewIterator(util.BytesPrefix(peerPrefix), nil)
	defer it.Release()

	var addrs []peer.Addr
	for it.Next() {
		s := string(bytes.TrimPrefix(it.Key(), peerPrefix))
		addr, err := peer.ParseAddr(s)
		if err != nil {
			log.Warnf("Skipping malformed peer directory entry %q: %v", s, err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if err := it.Error(); err != nil {
		return nil, convertErr("failed to iterate peers", err)
	}
	return addrs, nil
}

func (d *db) InsertPeer(addr peer.Addr) (bool, error) {
	k := peerKey(addr)

	d.writeMtx.Lock()
	defer d.writeMtx.Unlock()

	exists, err := d.lvl.Has(k, nil)
	if err != nil {
		return false, convertErr("failed to look up peer", err)
	}
	if exists {
		return false, nil
	}
	if err := d.lvl.Put(k, nil, nil); err != nil {
		return false, convertErr("failed to store peer", err)
	}
	return true, nil
}

func (d *db) RemovePeer(addr peer.Addr) (bool, error) {
	return d.deleteIfPresent(peerKey(addr))
}

func (d *db) ContainsPeer(addr peer.Addr) (bool, error) {
	ok, err := d.lvl.Has(peerKey(addr), nil)
	if err != nil {
		return false, convertErr("failed to look up peer", err)
	}
	return ok, nil
}

func (d *db) deleteIfPresent(k []byte) (bool, error) {
	d.writeMtx.Lock()
	defer d.writeMtx.Unlock()

	exists, err := d.lvl.Has(k, nil)
	if err != nil {
		return false, convertErr("failed to look up key", err)
	}
	if !exists {
		return false, nil
	}
	if err := d.lvl.Delete(k, nil); err != nil {
		return false, convertErr("failed to delete key", err)
	}
	return true, nil
}

// Close closes the store. leveldb reports a second Close as ErrClosed, which
// surfaces as ErrDbNotOpen.
func (d *db) Close() error {
	if err := d.lvl.Close(); err != nil {
		return convertErr("failed to close database", err)
	}
	return nil
}

// openFile opens the leveldb directory at path, recovering it when the
// manifest is corrupted.
func openFile(path string, create bool) (database.Store, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	switch {
	case create && exists:
		str := fmt.Sprintf("database %q already exists", path)
		return nil, database.MakeError(database.ErrDbExists, str, nil)
	case !create && !exists:
		str := fmt.Sprintf("database %q does not exist", path)
		return nil, database.MakeError(database.ErrDbDoesNotExist, str, nil)
	}

	opts := &opt.Options{
		OpenFilesCacheCapacity: 64,
		ErrorIfMissing:         !create,
		Strict:                 opt.DefaultStrict,
	}
	lvl, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		log.Warnf("Database %q is corrupted, attempting recovery", path)
		lvl, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, convertErr(fmt.Sprintf("failed to open %q", path), err)
	}

	log.Debugf("Opened leveldb store at %s", path)
	return &db{dbType: DbType, lvl: lvl}, nil
}

// openMemory returns a store that lives only as long as the process.
func openMemory(string) (database.Store, error) {
	lvl, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, convertErr("failed to create memory database", err)
	}
	return &db{dbType: MemDbType, lvl: lvl}, nil
}

// NewMemory returns a fresh in-memory store.
func NewMemory() database.Store {
	s, err := openMemory("")
	if err != nil {
		// A memory storage cannot fail to open.
		panic(err)
	}
	return s
}

func init() {
	drivers := []database.Driver{
		{
			DbType:    DbType,
			Create:    func(path string) (database.Store, error) { return openFile(path, true) },
			Open:      func(path string) (database.Store, error) { return openFile(path, false) },
			UseLogger: useLogger,
		},
		{
			DbType:    MemDbType,
			Create:    openMemory,
			Open:      openMemory,
			UseLogger: useLogger,
		},
	}

	for _, drv := range drivers {
		if err := database.RegisterDriver(drv); err != nil {
			panic(fmt.Sprintf("failed to register database driver '%s': %v",
				drv.DbType, err))
		}
	}
}
