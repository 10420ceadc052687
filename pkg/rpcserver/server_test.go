// Copyright (c) 2025 The FileZap developers

package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/chunknet/pkg/fileshare"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

// fakeBackend keeps chunks in a map and pretends to be connected.
type fakeBackend struct {
	chunks    map[fileshare.ContentKey][]byte
	peers     []node.PeerInfo
	noPeers   bool
	connected []string
	holders   map[fileshare.ContentKey][]peer.ID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chunks:  make(map[fileshare.ContentKey][]byte),
		holders: make(map[fileshare.ContentKey][]peer.ID),
	}
}

func (f *fakeBackend) Peers() []node.PeerInfo { return f.peers }

func (f *fakeBackend) Connect(_ context.Context, address string) (peer.ID, error) {
	if _, err := peer.ParseAddr(address); err != nil {
		return peer.ID{}, err
	}
	f.connected = append(f.connected, address)
	return peer.NewID(), nil
}

func (f *fakeBackend) StoreLocally(data []byte) (*fileshare.Manifest, error) {
	file, err := fileshare.Split(data, 4)
	if err != nil {
		return nil, err
	}
	for _, c := range file.Chunks {
		f.chunks[c.Hash] = c.Data
	}
	return fileshare.NewManifest(file, 4), nil
}

func (f *fakeBackend) StoreFile(_ context.Context, data []byte) (*fileshare.Manifest, error) {
	if f.noPeers {
		return nil, node.ErrNoPeers
	}
	return f.StoreLocally(data)
}

func (f *fakeBackend) FetchChunk(_ context.Context, key fileshare.ContentKey) ([]byte, error) {
	data, ok := f.chunks[key]
	if !ok {
		return nil, fileshare.ErrNotFound
	}
	return data, nil
}

func (f *fakeBackend) FetchFile(ctx context.Context, m *fileshare.Manifest) ([]byte, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, k := range keys {
		data, err := f.FetchChunk(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (f *fakeBackend) DeleteChunk(key fileshare.ContentKey) (bool, error) {
	_, ok := f.chunks[key]
	delete(f.chunks, key)
	return ok, nil
}

func (f *fakeBackend) Holders(key fileshare.ContentKey) []peer.ID {
	return f.holders[key]
}

func setupTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()

	backend := newFakeBackend()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunknet_test_total",
		Help: "Test counter.",
	}))

	return NewServer(Config{Backend: backend, Gatherer: reg}), backend
}

func serve(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)
	return resp
}

func TestPingEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := serve(srv, "GET", "/ping", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestPeersEndpoints(t *testing.T) {
	srv, backend := setupTestServer(t)
	backend.peers = []node.PeerInfo{{ID: peer.NewID(), Addr: "10.0.0.1:9000", Inbound: true}}

	t.Run("list", func(t *testing.T) {
		resp := serve(srv, "GET", "/peers", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var peers []peerInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
		require.Len(t, peers, 1)
		assert.Equal(t, "10.0.0.1:9000", peers[0].Addr)
		assert.True(t, peers[0].Inbound)
	})

	t.Run("connect", func(t *testing.T) {
		body, err := json.Marshal(connectRequest{Address: "/ip4/10.0.0.2/tcp/9000"})
		require.NoError(t, err)

		resp := serve(srv, "POST", "/peers", body)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/9000"}, backend.connected)
	})

	t.Run("connect failure", func(t *testing.T) {
		body, err := json.Marshal(connectRequest{Address: "no-port"})
		require.NoError(t, err)

		resp := serve(srv, "POST", "/peers", body)
		assert.Equal(t, http.StatusBadGateway, resp.Code)
	})

	t.Run("invalid request body", func(t *testing.T) {
		resp := serve(srv, "POST", "/peers", []byte("invalid json"))
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestContentLifecycle(t *testing.T) {
	srv, _ := setupTestServer(t)
	data := []byte("ten bytes!")

	resp := serve(srv, "POST", "/content", data)
	require.Equal(t, http.StatusCreated, resp.Code)

	var m fileshare.Manifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	require.Len(t, m.Chunks, 3)
	assert.Equal(t, int64(len(data)), m.Size)

	// Chunks can be addressed by hex or by CID.
	key, err := fileshare.ParseKey(m.Chunks[0].Hash)
	require.NoError(t, err)
	for _, name := range []string{key.String(), key.Cid().String()} {
		resp = serve(srv, "GET", "/content/"+name, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, data[:4], resp.Body.Bytes())
		assert.Equal(t, key.Cid().String(), resp.Header().Get("X-Content-Cid"))
	}

	manifest, err := json.Marshal(&m)
	require.NoError(t, err)
	resp = serve(srv, "POST", "/files", manifest)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, data, resp.Body.Bytes())

	resp = serve(srv, "DELETE", "/content/"+key.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = serve(srv, "GET", "/content/"+key.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = serve(srv, "DELETE", "/content/"+key.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = serve(srv, "POST", "/files", manifest)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestStoreWithoutPeers(t *testing.T) {
	srv, backend := setupTestServer(t)
	backend.noPeers = true

	resp := serve(srv, "POST", "/content", []byte("data"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	resp = serve(srv, "POST", "/content?local=true", []byte("data"))
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestHoldersEndpoint(t *testing.T) {
	srv, backend := setupTestServer(t)
	key := fileshare.KeyOf([]byte("x"))
	id := peer.NewID()
	backend.holders[key] = []peer.ID{id}

	resp := serve(srv, "GET", "/content/"+key.String()+"/holders", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var ids []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ids))
	assert.Equal(t, []string{id.String()}, ids)
}

func TestBadRequests(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := serve(srv, "GET", "/content/not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = serve(srv, "POST", "/files", []byte(`{"id":"x","size":5,"chunks":[]}`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	small := NewServer(Config{Backend: newFakeBackend(), MaxUploadSize: 4})
	resp = serve(small, "POST", "/content", []byte("too large"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp := serve(srv, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), "chunknet_test_total"))

	noMetrics := NewServer(Config{Backend: newFakeBackend()})
	resp = serve(noMetrics, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestFakeBackendSatisfiesInterface(t *testing.T) {
	var b Backend = newFakeBackend()
	_, err := b.FetchChunk(context.Background(), fileshare.KeyOf(nil))
	assert.True(t, errors.Is(err, fileshare.ErrNotFound))
}
