// Copyright (c) 2025 The FileZap developers

// Package fileshare layers a content-addressed chunk store on top of a node.
// Files are split into chunks, every chunk is broadcast to the network and
// stored by each receiver under the SHA-256 of its bytes. Nodes announce what
// they newly stored so peers learn where to ask first when fetching.
package fileshare

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VetheonGames/FileZap/chunknet/pkg/database"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
	"github.com/VetheonGames/FileZap/chunknet/pkg/wire"
)

const (
	// DefaultRequestTimeout bounds the wait for a single peer's answer.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultConcurrency is the number of chunks stored or fetched at once.
	DefaultConcurrency = 8
)

var (
	// ErrNotFound is returned when no peer could supply a chunk.
	ErrNotFound = errors.New("fileshare: resource not found")

	// ErrHashMismatch is returned when a peer answered with bytes that do
	// not hash to the requested key.
	ErrHashMismatch = errors.New("fileshare: content does not match key")
)

// Config holds the parameters of a Node.
type Config struct {
	// Node configures the underlying overlay node. Its handlers are
	// replaced by the file sharing handlers.
	Node node.Config

	// Store holds the chunks this node serves and its peer directory.
	Store database.Store

	ChunkSize         int
	RequestTimeout    time.Duration
	LocationCacheSize int
	Concurrency       int
}

// Node is a content-addressed file sharing participant.
type Node struct {
	node      *node.Node
	store     database.Store
	locations *locations

	chunkSize   int
	timeout     time.Duration
	concurrency int

	// wg tracks announcements sent on behalf of the receive loops.
	wg sync.WaitGroup
}

// New creates a file sharing node. Zero config values fall back to their
// defaults.
func New(cfg Config) (*Node, error) {
	if cfg.Store == nil {
		return nil, errors.New("fileshare: no store configured")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LocationCacheSize == 0 {
		cfg.LocationCacheSize = DefaultLocationCacheSize
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Node.MaxPayloadSize == 0 {
		cfg.Node.MaxPayloadSize = node.DefaultMaxPayloadSize
	}

	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("fileshare: invalid chunk size %d", cfg.ChunkSize)
	}
	// A chunk answer is the largest payload we produce.
	need := uint64(cfg.ChunkSize) + messageHeaderSize + wire.EnvelopeSize
	if need > uint64(cfg.Node.MaxPayloadSize) {
		return nil, fmt.Errorf("fileshare: chunk size %d does not fit in max "+
			"payload %d", cfg.ChunkSize, cfg.Node.MaxPayloadSize)
	}

	locs, err := newLocations(cfg.LocationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("fileshare: %w", err)
	}

	fs := &Node{
		store:       cfg.Store,
		locations:   locs,
		chunkSize:   cfg.ChunkSize,
		timeout:     cfg.RequestTimeout,
		concurrency: cfg.Concurrency,
	}

	nodeCfg := cfg.Node
	nodeCfg.RequestHandler = fs.handleRequest
	nodeCfg.BroadcastHandler = fs.handleBroadcast
	fs.node, err = node.New(nodeCfg)
	if err != nil {
		return nil, err
	}

	return fs, nil
}

// Start begins accepting connections in the background.
func (fs *Node) Start() error {
	return fs.node.Start()
}

// Listen accepts connections until the node is stopped.
func (fs *Node) Listen() error {
	return fs.node.Listen()
}

// Addr returns the bound listen address.
func (fs *Node) Addr() net.Addr {
	return fs.node.Addr()
}

// Peers describes every live connection.
func (fs *Node) Peers() []node.PeerInfo {
	return fs.node.Peers()
}

// Stop closes every connection and the listener.
func (fs *Node) Stop() {
	fs.node.Stop()
}

// WaitForShutdown blocks until the node goroutines exited.
func (fs *Node) WaitForShutdown() {
	fs.node.WaitForShutdown()
	fs.wg.Wait()
}

// Holders returns the connections known to hold key.
func (fs *Node) Holders(key ContentKey) []peer.ID {
	return fs.locations.holders(key)
}

// Connect dials address and, on success, records it in the peer directory.
func (fs *Node) Connect(ctx context.Context, address string) (peer.ID, error) {
	addr, err := peer.ParseAddr(address)
	if err != nil {
		return peer.ID{}, err
	}

	id, err := fs.node.Connect(ctx, addr.String())
	if err != nil {
		return peer.ID{}, err
	}

	if _, err := fs.store.InsertPeer(addr); err != nil {
		log.Warnf("Failed to record peer %s: %v", addr, err)
	}
	return id, nil
}

// ConnectKnownPeers dials every address in the peer directory. Addresses
// that cannot be reached are dropped from the directory. It returns the
// number of connections made.
func (fs *Node) ConnectKnownPeers(ctx context.Context) (int, error) {
	addrs, err := fs.store.Peers()
	if err != nil {
		return 0, err
	}

	var connected int
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return connected, err
		}

		if _, err := fs.node.Connect(ctx, addr.String()); err != nil {
			log.Infof("Removing unreachable peer %s: %v", addr, err)
			if _, err := fs.store.RemovePeer(addr); err != nil {
				log.Warnf("Failed to remove peer %s: %v", addr, err)
			}
			continue
		}
		connected++
	}

	log.Infof("Connected to %d of %d known peers", connected, len(addrs))
	return connected, nil
}

// StoreFile splits data into chunks and broadcasts every chunk for the
// network to store. The returned manifest names the chunks for FetchFile.
func (fs *Node) StoreFile(ctx context.Context, data []byte) (*Manifest, error) {
	if fs.node.PeerCount() == 0 {
		return nil, fmt.Errorf("fileshare: cannot store on network: %w", node.ErrNoPeers)
	}

	f, err := Split(data, fs.chunkSize)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.concurrency)
	for _, c := range f.Chunks {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			msg := Message{Op: OpCreateResource, Body: c.Data}
			delivered, err := fs.node.Flood(msg.Encode())
			if delivered == 0 {
				if err != nil {
					return fmt.Errorf("fileshare: chunk %d (%s) reached no peer: %w: %w",
						c.Index, c.Hash, node.ErrNoPeers, err)
				}
				return fmt.Errorf("fileshare: chunk %d (%s) reached no peer: %w",
					c.Index, c.Hash, node.ErrNoPeers)
			}
			if err != nil {
				log.Warnf("Chunk %d (%s) did not reach every peer: %v",
					c.Index, c.Hash, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := NewManifest(f, fs.chunkSize)
	log.Infof("Stored file %s (%d bytes, %d chunks) on the network",
		m.ID, m.Size, len(m.Chunks))
	return m, nil
}

// StoreLocally splits data into chunks and keeps them in the local store.
// Newly stored chunks are announced to the connected peers.
func (fs *Node) StoreLocally(data []byte) (*Manifest, error) {
	f, err := Split(data, fs.chunkSize)
	if err != nil {
		return nil, err
	}

	for _, c := range f.Chunks {
		inserted, err := fs.storeChunk(c.Hash, c.Data)
		if err != nil {
			return nil, err
		}
		if inserted {
			fs.announce(OpResourceCreated, c.Hash)
		}
	}

	return NewManifest(f, fs.chunkSize), nil
}

// storeChunk inserts data under key and reports whether it was not already
// present.
func (fs *Node) storeChunk(key ContentKey, data []byte) (bool, error) {
	inserted, err := fs.store.InsertIfAbsent(key[:], data)
	if err != nil {
		return false, fmt.Errorf("failed to store chunk %s: %w", key, err)
	}
	if inserted {
		log.Debugf("Stored chunk %s (%d bytes)", key, len(data))
	}
	return inserted, nil
}

// DeleteChunk drops key from the local store and tells the connected peers
// it is no longer held here.
func (fs *Node) DeleteChunk(key ContentKey) (bool, error) {
	removed, err := fs.store.Remove(key[:])
	if err != nil {
		return false, fmt.Errorf("failed to delete chunk %s: %w", key, err)
	}
	if removed {
		fs.announce(OpResourceDeleted, key)
	}
	return removed, nil
}

func (fs *Node) announce(op Op, key ContentKey) {
	msg := Message{Op: op, Body: key[:]}
	if err := fs.node.Broadcast(msg.Encode()); err != nil {
		log.Debugf("Announcing %s for %s: %v", op, key, err)
	}
}

// announceAsync announces from a receive loop, which must not wait for its
// own sends.
func (fs *Node) announceAsync(op Op, key ContentKey) {
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		fs.announce(op, key)
	}()
}

// FetchChunk returns the chunk stored under key, from the local store if it
// is there and from the network otherwise.
func (fs *Node) FetchChunk(ctx context.Context, key ContentKey) ([]byte, error) {
	data, found, err := fs.store.Get(key[:])
	if err != nil {
		return nil, err
	}
	if found {
		return data, nil
	}
	return fs.FetchChunkFromNetwork(ctx, key)
}

// FetchChunkFromNetwork asks the peers known to hold key first, each with its
// own timeout, and falls back to asking the whole network.
func (fs *Node) FetchChunkFromNetwork(ctx context.Context, key ContentKey) ([]byte, error) {
	req := Message{Op: OpRequestResource, Body: key[:]}.Encode()

	for _, holder := range fs.locations.holders(key) {
		resp, err := fs.node.RequestFromPeer(ctx, holder, req, fs.timeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, node.ErrUnknownPeer) {
				fs.locations.remove(key, holder)
			}
			log.Debugf("Holder %s did not supply %s: %v", holder, key, err)
			continue
		}

		data, err := decodeChunkResponse(key, resp)
		if err == nil {
			return data, nil
		}
		log.Debugf("Holder %s did not supply %s: %v", holder, key, err)
	}

	resp, err := fs.node.Request(ctx, req, fs.timeout)
	switch {
	case errors.Is(err, node.ErrTimeout), errors.Is(err, node.ErrNoPeers):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case err != nil:
		return nil, err
	}
	return decodeChunkResponse(key, resp)
}

func decodeChunkResponse(key ContentKey, resp []byte) ([]byte, error) {
	msg, err := DecodeMessage(resp)
	if err != nil {
		return nil, err
	}

	switch msg.Op {
	case OpRequestSuccessful:
		if KeyOf(msg.Body) != key {
			return nil, fmt.Errorf("%w: %s", ErrHashMismatch, key)
		}
		return msg.Body, nil
	case OpResourceNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("%w: unexpected %s answer", ErrInvalidMessage, msg.Op)
	}
}

// FetchFile fetches every chunk named by m and returns the reassembled file.
func (fs *Node) FetchFile(ctx context.Context, m *Manifest) ([]byte, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.concurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			data, err := fs.FetchChunk(gctx, key)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			chunks[i] = Chunk{Index: i, Data: data, Hash: key}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f, err := Reassemble(chunks)
	if err != nil {
		return nil, err
	}
	if f.Size() != m.Size {
		return nil, fmt.Errorf("file %s: got %d bytes, manifest says %d",
			m.ID, f.Size(), m.Size)
	}
	return f.Bytes(), nil
}

// handleBroadcast stores announced chunks and tracks which peers hold what.
// Chunk broadcasts are flooded on; announcements name the direct sender and
// stay with the neighbours.
func (fs *Node) handleBroadcast(rc *node.ReceiveContext) bool {
	msg, err := DecodeMessage(rc.Payload)
	if err != nil {
		log.Debugf("Ignoring broadcast %s from %s: %v", rc.MessageID, rc.Sender, err)
		return false
	}

	switch msg.Op {
	case OpCreateResource:
		key := KeyOf(msg.Body)
		inserted, err := fs.storeChunk(key, msg.Body)
		if err != nil {
			log.Errorf("%v", err)
			return false
		}
		if inserted {
			fs.announceAsync(OpResourceCreated, key)
		}
		return true

	case OpResourceCreated, OpResourceDeleted:
		key, ok := keyFromBytes(msg.Body)
		if !ok {
			log.Debugf("Ignoring %s with %d byte key from %s", msg.Op,
				len(msg.Body), rc.Sender)
			return false
		}
		if msg.Op == OpResourceCreated {
			fs.locations.add(key, rc.Sender)
		} else {
			fs.locations.remove(key, rc.Sender)
		}
		return false

	default:
		log.Debugf("Ignoring %s broadcast from %s", msg.Op, rc.Sender)
		return false
	}
}

// handleRequest answers chunk requests. Every request gets an answer, even
// a malformed one.
func (fs *Node) handleRequest(rc *node.ReceiveContext) {
	reply := func(op Op, body []byte) {
		if err := rc.Respond(Message{Op: op, Body: body}.Encode()); err != nil {
			log.Debugf("Failed to answer %s from %s: %v", rc.MessageID, rc.Sender, err)
		}
	}

	msg, err := DecodeMessage(rc.Payload)
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		reply(OpVersionUnsupported, nil)
		return
	case err != nil:
		reply(OpInvalidRequest, nil)
		return
	}

	if msg.Op != OpRequestResource {
		reply(OpNotImplemented, nil)
		return
	}

	key, ok := keyFromBytes(msg.Body)
	if !ok {
		reply(OpInvalidRequest, nil)
		return
	}

	data, found, err := fs.store.Get(key[:])
	if err != nil {
		log.Errorf("Failed to read chunk %s: %v", key, err)
	}
	if err != nil || !found {
		reply(OpResourceNotFound, nil)
		return
	}
	reply(OpRequestSuccessful, data)
}
