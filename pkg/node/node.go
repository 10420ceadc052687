// Copyright (c) 2025 The FileZap developers

// Package node implements a symmetric overlay node. A node keeps a set of
// TCP connections, frames every message with a wire.Header, correlates
// responses with the requests they answer and floods broadcasts while
// dropping copies it has already seen.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
	"github.com/VetheonGames/FileZap/chunknet/pkg/wire"
)

const (
	// DefaultMaxPayloadSize bounds the payload a peer may announce in a
	// header. Larger frames are treated as malformed.
	DefaultMaxPayloadSize = 64 << 20

	// DefaultSendTimeout bounds a single frame write.
	DefaultSendTimeout = 30 * time.Second

	// DefaultDedupCacheSize is the number of message ids remembered for
	// duplicate suppression.
	DefaultDedupCacheSize = 1 << 17

	acceptBackoff = 100 * time.Millisecond
)

var (
	// ErrTimeout is returned when no response arrived in time.
	ErrTimeout = errors.New("node: request timed out")

	// ErrUnknownPeer is returned when a connection id is not registered.
	ErrUnknownPeer = errors.New("node: unknown peer")

	// ErrNoPeers is returned by Request when nothing is connected.
	ErrNoPeers = errors.New("node: no connected peers")

	// ErrClosed is returned by operations on a stopped node.
	ErrClosed = errors.New("node: closed")

	// ErrPayloadTooLarge is the failure recorded on a connection whose peer
	// announced a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("node: payload too large")
)

// RequestHandler is invoked once for every distinct request. It may answer
// through ReceiveContext.Respond.
//
// Handlers run on the receive loop of the connection the message arrived on.
// They must not wait for sends to complete: Respond only queues the answer,
// and Broadcast, Request and RequestFromPeer have to be called from another
// goroutine.
type RequestHandler func(rc *ReceiveContext)

// BroadcastHandler is invoked once for every distinct broadcast. Returning
// true floods the broadcast on to every other connection. The same
// restrictions as for RequestHandler apply.
type BroadcastHandler func(rc *ReceiveContext) bool

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the parameters of a Node.
type Config struct {
	// ListenAddr is the TCP address Listen and Start bind, e.g. ":9000".
	ListenAddr string

	RequestHandler   RequestHandler
	BroadcastHandler BroadcastHandler

	// MaxPayloadSize, SendTimeout and DedupCacheSize fall back to their
	// defaults when zero.
	MaxPayloadSize uint32
	SendTimeout    time.Duration
	DedupCacheSize uint

	// Dialer defaults to a plain net.Dialer.
	Dialer Dialer

	// Registerer receives the node metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// PeerInfo describes a registered connection.
type PeerInfo struct {
	ID            peer.ID
	Addr          string
	Inbound       bool
	BytesSent     uint64
	BytesReceived uint64
}

// Node is a single overlay participant.
type Node struct {
	cfg     Config
	metrics *metrics

	// mtx guards conns, listener and closed. It is never held across
	// socket I/O.
	mtx      sync.RWMutex
	conns    map[peer.ID]*peer.Conn
	listener net.Listener
	closed   bool

	pending   *pendingRequests
	processed *processedSet

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a node. It neither binds nor dials.
func New(cfg Config) (*Node, error) {
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.RequestHandler == nil {
		cfg.RequestHandler = func(*ReceiveContext) {}
	}
	if cfg.BroadcastHandler == nil {
		cfg.BroadcastHandler = func(*ReceiveContext) bool { return false }
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return &Node{
		cfg:       cfg,
		metrics:   m,
		conns:     make(map[peer.ID]*peer.Conn),
		pending:   newPendingRequests(),
		processed: newProcessedSet(cfg.DedupCacheSize),
		quit:      make(chan struct{}),
	}, nil
}

// Listen binds ListenAddr and accepts connections until the node is stopped.
// A bind failure is returned immediately.
func (n *Node) Listen() error {
	l, err := n.bind()
	if err != nil {
		return err
	}
	n.acceptLoop(l)
	return nil
}

// Start binds ListenAddr and accepts connections in the background.
func (n *Node) Start() error {
	l, err := n.bind()
	if err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(l)
	}()
	return nil
}

// Addr returns the bound listen address, or nil before Listen or Start.
func (n *Node) Addr() net.Addr {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

func (n *Node) bind() (net.Listener, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if n.listener != nil {
		return nil, fmt.Errorf("node already listening on %s", n.listener.Addr())
	}

	l, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = l

	log.Infof("Listening on %s", l.Addr())
	return l, nil
}

// acceptLoop registers every accepted connection. Accept errors are logged
// and the loop continues until the listener is closed.
func (n *Node) acceptLoop(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-n.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.Errorf("Failed to accept connection: %v", err)
			select {
			case <-n.quit:
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		pc, err := n.addConn(c, true)
		if err != nil {
			c.Close()
			return
		}
		log.Infof("Accepted connection %s", pc)
	}
}

// Connect dials address, registers the connection and starts its receive
// loop. The address may be host:port or a TCP multiaddr.
func (n *Node) Connect(ctx context.Context, address string) (peer.ID, error) {
	addr, err := peer.ParseAddr(address)
	if err != nil {
		return peer.ID{}, err
	}

	c, err := n.cfg.Dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return peer.ID{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	pc, err := n.addConn(c, false)
	if err != nil {
		c.Close()
		return peer.ID{}, err
	}

	log.Infof("Connected to %s", pc)
	return pc.ID(), nil
}

func (n *Node) addConn(c net.Conn, inbound bool) (*peer.Conn, error) {
	pc := peer.NewConn(c, inbound)
	pc.SetWriteTimeout(n.cfg.SendTimeout)

	n.mtx.Lock()
	if n.closed {
		n.mtx.Unlock()
		return nil, ErrClosed
	}
	n.conns[pc.ID()] = pc
	n.wg.Add(1)
	n.mtx.Unlock()

	n.metrics.peers.Inc()
	go n.inHandler(pc)
	return pc, nil
}

func (n *Node) removeConn(pc *peer.Conn) {
	n.mtx.Lock()
	if n.conns[pc.ID()] == pc {
		delete(n.conns, pc.ID())
	}
	n.mtx.Unlock()

	pc.Close()
	n.metrics.peers.Dec()
}

// lookup returns the live connection registered under id.
func (n *Node) lookup(id peer.ID) *peer.Conn {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	pc := n.conns[id]
	if pc == nil || !pc.Live() {
		return nil
	}
	return pc
}

// snapshot returns every live connection except the one with id skip.
func (n *Node) snapshot(skip *peer.ID) []*peer.Conn {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	conns := make([]*peer.Conn, 0, len(n.conns))
	for id, pc := range n.conns {
		if skip != nil && id == *skip {
			continue
		}
		if pc.Live() {
			conns = append(conns, pc)
		}
	}
	return conns
}

// Peers returns a description of every live connection.
func (n *Node) Peers() []PeerInfo {
	conns := n.snapshot(nil)
	infos := make([]PeerInfo, 0, len(conns))
	for _, pc := range conns {
		infos = append(infos, PeerInfo{
			ID:            pc.ID(),
			Addr:          pc.RemoteAddr().String(),
			Inbound:       pc.Inbound(),
			BytesSent:     pc.BytesSent(),
			BytesReceived: pc.BytesReceived(),
		})
	}
	return infos
}

// PeerCount returns the number of live connections.
func (n *Node) PeerCount() int {
	return len(n.snapshot(nil))
}

// Disconnect closes the connection registered under id.
func (n *Node) Disconnect(id peer.ID) error {
	pc := n.lookup(id)
	if pc == nil {
		return ErrUnknownPeer
	}
	log.Infof("Disconnecting %s", pc)
	return pc.Close()
}

// inHandler is the receive loop of a single connection. It owns every read
// on the connection and runs handlers inline.
func (n *Node) inHandler(pc *peer.Conn) {
	defer n.wg.Done()
	defer n.removeConn(pc)

	for {
		buf, err := pc.ReceiveExact(wire.HeaderSize)
		if err != nil {
			n.logDisconnect(pc)
			return
		}

		hdr, err := wire.DecodeHeader(buf)
		if err != nil {
			log.Warnf("Malformed header from %s: %v", pc, err)
			pc.Fail(err)
			return
		}
		if hdr.PayloadLength > n.cfg.MaxPayloadSize {
			err := fmt.Errorf("%w: %d bytes announced by %s", ErrPayloadTooLarge,
				hdr.PayloadLength, pc)
			log.Warnf("%v", err)
			pc.Fail(err)
			return
		}

		// The payload is always consumed, even for messages that end up
		// dropped, so the stream stays aligned on frame boundaries.
		payload, err := pc.ReceiveExact(int(hdr.PayloadLength))
		if err != nil {
			n.logDisconnect(pc)
			return
		}

		n.metrics.framesReceived.WithLabelValues(hdr.Kind.String()).Inc()
		n.metrics.bytesReceived.Add(float64(wire.HeaderSize + len(payload)))
		n.dispatch(pc, hdr, payload)
	}
}

func (n *Node) logDisconnect(pc *peer.Conn) {
	select {
	case <-n.quit:
		return
	default:
	}
	if err := pc.LastError(); err != nil {
		log.Infof("Lost connection %s: %v", pc, err)
	} else {
		log.Infof("Connection %s closed", pc)
	}
}

func (n *Node) dispatch(pc *peer.Conn, hdr wire.Header, payload []byte) {
	switch hdr.Kind {
	case wire.KindResponse:
		ref, body, err := wire.DecodeResponse(payload)
		if err != nil {
			log.Debugf("Discarding malformed response %s from %s: %v",
				hdr.ID, pc, err)
			return
		}
		if !n.pending.resolve(ref, body) {
			log.Tracef("Discarding response to unknown request %s from %s",
				ref, pc)
			n.metrics.unmatched.Inc()
		}

	case wire.KindRequest, wire.KindBroadcast:
		if !n.processed.markIfNew(hdr.ID) {
			log.Tracef("Dropping duplicate %s %s from %s", hdr.Kind, hdr.ID, pc)
			n.metrics.duplicates.Inc()
			return
		}

		rc := &ReceiveContext{
			Payload:   payload,
			Sender:    pc.ID(),
			MessageID: hdr.ID,
			Kind:      hdr.Kind,
			conn:      pc,
		}
		if hdr.Kind == wire.KindRequest {
			n.cfg.RequestHandler(rc)
			return
		}
		if n.cfg.BroadcastHandler(rc) {
			n.forward(pc.ID(), hdr, payload)
		}
	}
}

// forward re-sends a broadcast, unchanged, to every connection but the one
// it arrived on.
func (n *Node) forward(from peer.ID, hdr wire.Header, payload []byte) {
	targets := n.snapshot(&from)
	if len(targets) == 0 {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := n.fanOut(targets, hdr, payload); err != nil {
			log.Debugf("Forwarding broadcast %s: %v", hdr.ID, err)
		}
	}()
}

// Broadcast sends payload to every connection. Send failures do not stop the
// remaining sends; they are returned together once every send finished.
func (n *Node) Broadcast(payload []byte) error {
	_, err := n.Flood(payload)
	return err
}

// Flood is Broadcast that also reports how many connections the payload was
// written to.
func (n *Node) Flood(payload []byte) (int, error) {
	hdr := wire.Header{ID: wire.NewMessageID(), Kind: wire.KindBroadcast}

	// Echoes of our own broadcast must not reach our handler.
	n.processed.markIfNew(hdr.ID)

	return n.fanOut(n.snapshot(nil), hdr, payload)
}

// fanOut queues one frame on every target and waits for the writes. It must
// not be called from a receive loop.
func (n *Node) fanOut(targets []*peer.Conn, hdr wire.Header, payload []byte) (int, error) {
	frame := wire.EncodeFrame(hdr, payload)

	results := make([]chan error, len(targets))
	for i, pc := range targets {
		results[i] = make(chan error, 1)
		pc.QueueMessage(frame, results[i])
	}

	var (
		delivered int
		result    *multierror.Error
	)
	for i, pc := range targets {
		if err := <-results[i]; err != nil {
			result = multierror.Append(result, fmt.Errorf("send to %s: %w", pc, err))
			continue
		}
		delivered++
	}

	return delivered, result.ErrorOrNil()
}

// Request sends payload to each connection in turn, waiting up to timeout
// after each send, and returns the first response. Every attempt shares one
// message id, so an answer from an earlier peer that arrives while the
// request is still outstanding is accepted as well.
func (n *Node) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	targets := n.snapshot(nil)
	if len(targets) == 0 {
		return nil, ErrNoPeers
	}

	id := wire.NewMessageID()
	slot := n.pending.add(id)
	defer n.pending.remove(id)

	frame := wire.EncodeFrame(wire.Header{ID: id, Kind: wire.KindRequest}, payload)
	for _, pc := range targets {
		if err := pc.SendAll(frame); err != nil {
			log.Debugf("Request %s to %s failed: %v", id, pc, err)
			continue
		}

		resp, err := n.await(ctx, slot, timeout)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		log.Debugf("Request %s to %s timed out", id, pc)
	}

	n.metrics.timeouts.Inc()
	return nil, ErrTimeout
}

// RequestFromPeer sends payload to the single connection id and waits up to
// timeout for its response.
func (n *Node) RequestFromPeer(ctx context.Context, id peer.ID, payload []byte,
	timeout time.Duration) ([]byte, error) {

	pc := n.lookup(id)
	if pc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	msgID := wire.NewMessageID()
	slot := n.pending.add(msgID)
	defer n.pending.remove(msgID)

	hdr := wire.Header{ID: msgID, Kind: wire.KindRequest}
	if err := pc.SendFrame(hdr, payload); err != nil {
		return nil, fmt.Errorf("request to %s: %w", pc, err)
	}

	resp, err := n.await(ctx, slot, timeout)
	if errors.Is(err, ErrTimeout) {
		n.metrics.timeouts.Inc()
	}
	return resp, err
}

func (n *Node) await(ctx context.Context, slot <-chan []byte,
	timeout time.Duration) ([]byte, error) {

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.quit:
		return nil, ErrClosed
	}
}

// Stop closes the listener and every connection. It does not wait for the
// node goroutines; use WaitForShutdown for that.
func (n *Node) Stop() {
	n.mtx.Lock()
	if n.closed {
		n.mtx.Unlock()
		return
	}
	n.closed = true
	l := n.listener
	conns := make([]*peer.Conn, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.mtx.Unlock()

	log.Info("Node shutting down")
	close(n.quit)

	if l != nil {
		l.Close()
	}
	for _, pc := range conns {
		pc.Close()
	}
}

// WaitForShutdown blocks until every goroutine started by the node exited.
func (n *Node) WaitForShutdown() {
	n.wg.Wait()
}
