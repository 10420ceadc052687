// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/chunknet/pkg/database"
	"github.com/VetheonGames/FileZap/chunknet/pkg/database/ldb"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

const (
	testChunkSize = 16
	waitFor       = 5 * time.Second
)

type testNode struct {
	*Node
	store database.Store
}

func startTestNode(t *testing.T) *testNode {
	t.Helper()

	return startTestNodeWith(t, Config{
		ChunkSize:      testChunkSize,
		RequestTimeout: 500 * time.Millisecond,
	})
}

// startTestNodeWith starts a listening node on a fresh memdb store.
func startTestNodeWith(t *testing.T, cfg Config) *testNode {
	t.Helper()

	store := ldb.NewMemory()
	cfg.Store = store
	cfg.Node.ListenAddr = "127.0.0.1:0"
	fs, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, fs.Start())

	t.Cleanup(func() {
		fs.Stop()
		fs.WaitForShutdown()
		store.Close()
	})
	return &testNode{Node: fs, store: store}
}

func connect(t *testing.T, a, b *testNode) peer.ID {
	t.Helper()

	aPeers, bPeers := len(a.Peers()), len(b.Peers())
	id, err := a.Connect(context.Background(), b.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(a.Peers()) == aPeers+1 && len(b.Peers()) == bPeers+1
	}, waitFor, 10*time.Millisecond)
	return id
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func hasChunk(s database.Store, key ContentKey) bool {
	ok, err := s.ContainsKey(key[:])
	return err == nil && ok
}

func TestStoreAndFetch(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	bID := connect(t, a, b)

	data := randomBytes(t, 3*testChunkSize+5)
	m, err := a.StoreFile(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, m.Chunks, 4)

	keys, err := m.Keys()
	require.NoError(t, err)

	// b stores every chunk and tells a about it. The originator does not
	// keep a copy of its own broadcast.
	require.Eventually(t, func() bool {
		for _, k := range keys {
			if !hasChunk(b.store, k) || len(a.Holders(k)) != 1 {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
	assert.False(t, hasChunk(a.store, keys[0]))
	assert.Equal(t, []peer.ID{bID}, a.Holders(keys[0]))

	chunk, err := a.FetchChunkFromNetwork(context.Background(), keys[0])
	require.NoError(t, err)
	assert.Equal(t, data[:testChunkSize], chunk)

	got, err := a.FetchFile(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchFallsBackToNetworkRequest(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connect(t, a, b)

	// b holds the chunk without a ever hearing about it.
	data := []byte("held quietly")
	key := KeyOf(data)
	_, err := b.store.InsertIfAbsent(key[:], data)
	require.NoError(t, err)
	require.Empty(t, a.Holders(key))

	got, err := a.FetchChunk(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchUnknownKey(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connect(t, a, b)

	key := KeyOf(randomBytes(t, 32))
	_, err := a.FetchChunkFromNetwork(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)

	lonely := startTestNode(t)
	_, err = lonely.FetchChunk(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFileWithoutPeers(t *testing.T) {
	a := startTestNode(t)
	_, err := a.StoreFile(context.Background(), []byte("nowhere to go"))
	assert.ErrorIs(t, err, node.ErrNoPeers)
}

func TestStoreIsIdempotent(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connect(t, a, b)

	data := []byte("same bytes twice")
	key := KeyOf(data)

	for i := 0; i < 2; i++ {
		_, err := a.StoreFile(context.Background(), data)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return hasChunk(b.store, key) },
		waitFor, 10*time.Millisecond)

	value, found, err := b.store.Get(key[:])
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, data, value)
}

func TestChunksFloodAcrossHops(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	c := startTestNode(t)
	connect(t, a, b)
	connect(t, b, c)

	data := randomBytes(t, 2*testChunkSize)
	m, err := a.StoreFile(context.Background(), data)
	require.NoError(t, err)

	keys, err := m.Keys()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, k := range keys {
			if !hasChunk(c.store, k) {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)

	got, err := c.FetchFile(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDeleteChunkUpdatesLocations(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connect(t, a, b)

	m, err := b.StoreLocally([]byte("short"))
	require.NoError(t, err)
	keys, err := m.Keys()
	require.NoError(t, err)
	key := keys[0]

	require.Eventually(t, func() bool { return len(a.Holders(key)) == 1 },
		waitFor, 10*time.Millisecond)

	removed, err := b.DeleteChunk(key)
	require.NoError(t, err)
	assert.True(t, removed)

	require.Eventually(t, func() bool { return len(a.Holders(key)) == 0 },
		waitFor, 10*time.Millisecond)

	removed, err = b.DeleteChunk(key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRequestHandlerAnswers(t *testing.T) {
	server := startTestNode(t)

	client, err := node.New(node.Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Stop()
		client.WaitForShutdown()
	})
	id, err := client.Connect(context.Background(), server.Addr().String())
	require.NoError(t, err)

	data := []byte("served")
	key := KeyOf(data)
	_, err = server.store.InsertIfAbsent(key[:], data)
	require.NoError(t, err)

	missing := KeyOf([]byte("missing"))
	otherVersion := Message{Op: OpRequestResource, Body: key[:]}.Encode()
	otherVersion[0] = ProtocolVersion + 1

	tests := []struct {
		name     string
		payload  []byte
		wantOp   Op
		wantBody []byte
	}{
		{
			name:     "found",
			payload:  Message{Op: OpRequestResource, Body: key[:]}.Encode(),
			wantOp:   OpRequestSuccessful,
			wantBody: data,
		},
		{
			name:    "not found",
			payload: Message{Op: OpRequestResource, Body: missing[:]}.Encode(),
			wantOp:  OpResourceNotFound,
		},
		{
			name:    "short key",
			payload: Message{Op: OpRequestResource, Body: []byte{1, 2}}.Encode(),
			wantOp:  OpInvalidRequest,
		},
		{
			name:    "garbage",
			payload: []byte{0xff},
			wantOp:  OpInvalidRequest,
		},
		{
			name:    "other version",
			payload: otherVersion,
			wantOp:  OpVersionUnsupported,
		},
		{
			name:    "unsupported op",
			payload: Message{Op: OpDeleteResource, Body: key[:]}.Encode(),
			wantOp:  OpNotImplemented,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.RequestFromPeer(context.Background(), id, tt.payload, waitFor)
			require.NoError(t, err)

			msg, err := DecodeMessage(resp)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, msg.Op)
			assert.True(t, bytes.Equal(tt.wantBody, msg.Body))
		})
	}
}

func TestConnectKnownPeers(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)

	// Reserve a port and free it so nothing answers there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead, err := peer.ParseAddr(l.Addr().String())
	require.NoError(t, err)
	l.Close()

	live, err := peer.ParseAddr(b.Addr().String())
	require.NoError(t, err)

	for _, addr := range []peer.Addr{live, dead} {
		_, err := a.store.InsertPeer(addr)
		require.NoError(t, err)
	}

	n, err := a.ConnectKnownPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, a.Peers(), 1)

	peers, err := a.store.Peers()
	require.NoError(t, err)
	assert.Equal(t, []peer.Addr{live}, peers)
}

func TestConnectRemembersPeer(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	connect(t, a, b)

	addr, err := peer.ParseAddr(b.Addr().String())
	require.NoError(t, err)

	ok, err := a.store.ContainsPeer(addr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRejectsOversizedChunks(t *testing.T) {
	_, err := New(Config{
		Node:      node.Config{MaxPayloadSize: 1024},
		Store:     ldb.NewMemory(),
		ChunkSize: 1024,
	})
	assert.Error(t, err)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestStoreAndFetchBothWays(t *testing.T) {
	cfg := Config{
		Node:           node.Config{SendTimeout: 3 * time.Second},
		RequestTimeout: waitFor,
	}
	a := startTestNodeWith(t, cfg)
	b := startTestNodeWith(t, cfg)
	connect(t, a, b)

	const size = 8*DefaultChunkSize + 100
	nodes := []*testNode{a, b}
	data := [][]byte{randomBytes(t, size), randomBytes(t, size)}
	manifests := make([]*Manifest, 2)

	// Both sides push full-size chunks at each other at the same time.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			manifests[i], errs[i] = nodes[i].StoreFile(context.Background(), data[i])
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	for i, n := range nodes {
		other := nodes[1-i]
		keys, err := manifests[i].Keys()
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			for _, k := range keys {
				if !hasChunk(other.store, k) {
					return false
				}
			}
			return true
		}, waitFor, 10*time.Millisecond)
		assert.Len(t, n.Peers(), 1)
	}

	// Each side now fetches its own file back from the other, again at
	// the same time.
	got := make([][]byte, 2)
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = nodes[i].FetchFile(context.Background(), manifests[i])
		}(i)
	}
	wg.Wait()
	for i := range nodes {
		require.NoError(t, errs[i])
		assert.True(t, bytes.Equal(data[i], got[i]))
		assert.Len(t, nodes[i].Peers(), 1)
	}
}

// deadEndConn fails every write and blocks reads until it is closed.
type deadEndConn struct {
	net.Conn
}

func (deadEndConn) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

type deadEndDialer struct {
	t *testing.T
}

func (d deadEndDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	local, remote := net.Pipe()
	d.t.Cleanup(func() { remote.Close() })
	return deadEndConn{Conn: local}, nil
}

func TestStoreFileNoPeerReached(t *testing.T) {
	store := ldb.NewMemory()
	fs, err := New(Config{
		Node:      node.Config{Dialer: deadEndDialer{t: t}},
		Store:     store,
		ChunkSize: testChunkSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Stop()
		fs.WaitForShutdown()
		store.Close()
	})

	_, err = fs.Connect(context.Background(), "127.0.0.1:9")
	require.NoError(t, err)
	require.Len(t, fs.Peers(), 1)

	m, err := fs.StoreFile(context.Background(), randomBytes(t, 2*testChunkSize))
	assert.ErrorIs(t, err, node.ErrNoPeers)
	assert.Nil(t, m)
}
