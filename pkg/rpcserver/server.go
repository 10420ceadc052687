// Copyright (c) 2025 The FileZap developers

// Package rpcserver exposes a chunknet node over HTTP for local control:
// peer management, storing and fetching content, and metrics.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VetheonGames/FileZap/chunknet/pkg/fileshare"
	"github.com/VetheonGames/FileZap/chunknet/pkg/node"
	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

// DefaultMaxUploadSize bounds the request bodies accepted by the server.
const DefaultMaxUploadSize = 256 << 20

// Backend is the node the server controls. *fileshare.Node satisfies it.
type Backend interface {
	Peers() []node.PeerInfo
	Connect(ctx context.Context, address string) (peer.ID, error)
	StoreFile(ctx context.Context, data []byte) (*fileshare.Manifest, error)
	StoreLocally(data []byte) (*fileshare.Manifest, error)
	FetchChunk(ctx context.Context, key fileshare.ContentKey) ([]byte, error)
	FetchFile(ctx context.Context, m *fileshare.Manifest) ([]byte, error)
	DeleteChunk(key fileshare.ContentKey) (bool, error)
	Holders(key fileshare.ContentKey) []peer.ID
}

var _ Backend = (*fileshare.Node)(nil)

// Config holds the parameters of a Server.
type Config struct {
	Backend Backend

	// Gatherer is served on /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer

	MaxUploadSize int64
}

// Server represents the HTTP control server.
type Server struct {
	backend   Backend
	router    *mux.Router
	maxUpload int64

	mtx        sync.Mutex
	httpServer *http.Server
}

// NewServer creates a control server for cfg.Backend.
func NewServer(cfg Config) *Server {
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}

	s := &Server{
		backend:   cfg.Backend,
		router:    mux.NewRouter(),
		maxUpload: cfg.MaxUploadSize,
	}
	s.setupRoutes(cfg.Gatherer)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/ping", s.handlePing).Methods("GET")

	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET")
	s.router.HandleFunc("/peers", s.handleConnect).Methods("POST")

	s.router.HandleFunc("/content", s.handleStore).Methods("POST")
	s.router.HandleFunc("/content/{key}", s.handleFetch).Methods("GET")
	s.router.HandleFunc("/content/{key}", s.handleDelete).Methods("DELETE")
	s.router.HandleFunc("/content/{key}/holders", s.handleHolders).Methods("GET")

	s.router.HandleFunc("/files", s.handleFetchFile).Methods("POST")

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).
			Methods("GET")
	}
}

// Handler returns the router, for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mtx.Lock()
	s.httpServer = srv
	s.mtx.Unlock()

	log.Infof("RPC server listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server started by ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mtx.Lock()
	srv := s.httpServer
	s.mtx.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type peerInfo struct {
	ID            string `json:"id"`
	Addr          string `json:"addr"`
	Inbound       bool   `json:"inbound"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.backend.Peers()
	infos := make([]peerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, peerInfo{
			ID:            p.ID.String(),
			Addr:          p.Addr,
			Inbound:       p.Inbound,
			BytesSent:     p.BytesSent,
			BytesReceived: p.BytesReceived,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.backend.Connect(r.Context(), req.Address)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to connect: %v", err), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

// handleStore stores the raw request body. With ?local=true the chunks are
// kept on this node only; otherwise they are broadcast to the network.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusRequestEntityTooLarge)
		return
	}

	var m *fileshare.Manifest
	if r.URL.Query().Get("local") == "true" {
		m, err = s.backend.StoreLocally(data)
	} else {
		m, err = s.backend.StoreFile(r.Context(), data)
	}
	switch {
	case errors.Is(err, node.ErrNoPeers):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("Failed to store content: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) parseKey(w http.ResponseWriter, r *http.Request) (fileshare.ContentKey, bool) {
	key, err := fileshare.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return key, false
	}
	return key, true
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKey(w, r)
	if !ok {
		return
	}

	data, err := s.backend.FetchChunk(r.Context(), key)
	switch {
	case errors.Is(err, fileshare.ErrNotFound):
		http.Error(w, "Content not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("Failed to fetch content: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-Cid", key.Cid().String())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKey(w, r)
	if !ok {
		return
	}

	removed, err := s.backend.DeleteChunk(key)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to delete content: %v", err), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "Content not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHolders(w http.ResponseWriter, r *http.Request) {
	key, ok := s.parseKey(w, r)
	if !ok {
		return
	}

	holders := s.backend.Holders(key)
	ids := make([]string, 0, len(holders))
	for _, id := range holders {
		ids = append(ids, id.String())
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleFetchFile(w http.ResponseWriter, r *http.Request) {
	m, err := fileshare.ReadManifest(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid manifest: %v", err), http.StatusBadRequest)
		return
	}

	data, err := s.backend.FetchFile(r.Context(), m)
	switch {
	case errors.Is(err, fileshare.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("Failed to fetch file: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}
