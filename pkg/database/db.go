// Copyright (c) 2025 The FileZap developers

// Package database defines the persistent store used by chunknet nodes and a
// registry of backend drivers.
package database

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

// Store is the durable key/value table for chunk data plus the directory of
// known peers. Implementations must be safe for concurrent use.
type Store interface {
	// Type returns the driver type the store was opened with.
	Type() string

	// ContainsKey reports whether a value is stored under key.
	ContainsKey(key []byte) (bool, error)

	// InsertIfAbsent stores value under key unless the key already exists.
	// It reports whether the value was inserted. The check and the insert
	// are atomic.
	InsertIfAbsent(key, value []byte) (bool, error)

	// Remove deletes key and reports whether it was present.
	Remove(key []byte) (bool, error)

	// Get returns the value stored under key. The boolean is false when
	// nothing is stored.
	Get(key []byte) ([]byte, bool, error)

	// Peers returns every entry of the peer directory.
	Peers() ([]peer.Addr, error)

	// InsertPeer adds addr to the directory and reports whether it was new.
	InsertPeer(addr peer.Addr) (bool, error)

	// RemovePeer drops addr from the directory and reports whether it was
	// present.
	RemovePeer(addr peer.Addr) (bool, error)

	// ContainsPeer reports whether addr is in the directory.
	ContainsPeer(addr peer.Addr) (bool, error)

	// Close cleanly shuts down the store.
	Close() error
}

// Error represents a database error.
type Error struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

// ErrorCode identifies a kind of error.
type ErrorCode int

// Error codes.
const (
	// ErrDbTypeRegistered indicates a database type is already registered.
	ErrDbTypeRegistered ErrorCode = iota

	// ErrDbUnknownType indicates an unknown database type.
	ErrDbUnknownType

	// ErrDbDoesNotExist indicates a database does not exist.
	ErrDbDoesNotExist

	// ErrDbExists indicates a database already exists.
	ErrDbExists

	// ErrDbNotOpen indicates a database is not open.
	ErrDbNotOpen

	// ErrInvalid indicates invalid parameters to a database operation.
	ErrInvalid

	// ErrDriverSpecific indicates the backend failed underneath us.
	ErrDriverSpecific
)

var errorCodeStrings = map[ErrorCode]string{
	ErrDbTypeRegistered: "ErrDbTypeRegistered",
	ErrDbUnknownType:    "ErrDbUnknownType",
	ErrDbDoesNotExist:   "ErrDbDoesNotExist",
	ErrDbExists:         "ErrDbExists",
	ErrDbNotOpen:        "ErrDbNotOpen",
	ErrInvalid:          "ErrInvalid",
	ErrDriverSpecific:   "ErrDriverSpecific",
}

func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("database error: %s: %v", e.Description, e.Err)
	}
	return fmt.Sprintf("database error: %s", e.Description)
}

// Unwrap returns the underlying driver error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// MakeError creates an Error given a set of arguments.
func MakeError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsErrorCode reports whether err is an Error carrying code c.
func IsErrorCode(err error, c ErrorCode) bool {
	dbErr, ok := err.(Error)
	return ok && dbErr.ErrorCode == c
}

// Driver defines a store backend.
type Driver struct {
	DbType    string
	Create    func(path string) (Store, error)
	Open      func(path string) (Store, error)
	UseLogger func(logger btclog.Logger)
}

var (
	driversMtx sync.RWMutex
	drivers    = make(map[string]*Driver)
)

// RegisterDriver registers a store backend under its DbType.
func RegisterDriver(d Driver) error {
	driversMtx.Lock()
	defer driversMtx.Unlock()

	if _, exists := drivers[d.DbType]; exists {
		str := fmt.Sprintf("driver %q is already registered", d.DbType)
		return MakeError(ErrDbTypeRegistered, str, nil)
	}

	drivers[d.DbType] = &d
	log.Debugf("Registered database driver %q", d.DbType)
	return nil
}

// SupportedDrivers returns the registered driver types, sorted.
func SupportedDrivers() []string {
	driversMtx.RLock()
	defer driversMtx.RUnlock()

	types := make([]string, 0, len(drivers))
	for t := range drivers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func lookup(dbType string) (*Driver, error) {
	driversMtx.RLock()
	defer driversMtx.RUnlock()

	drv, exists := drivers[dbType]
	if !exists {
		str := fmt.Sprintf("driver %q is not registered", dbType)
		return nil, MakeError(ErrDbUnknownType, str, nil)
	}
	return drv, nil
}

// Create initializes and opens a new store.
func Create(dbType, path string) (Store, error) {
	drv, err := lookup(dbType)
	if err != nil {
		return nil, err
	}
	return drv.Create(path)
}

// Open opens an existing store.
func Open(dbType, path string) (Store, error) {
	drv, err := lookup(dbType)
	if err != nil {
		return nil, err
	}
	return drv.Open(path)
}
