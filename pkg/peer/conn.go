// Copyright (c) 2025 The FileZap developers

package peer

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/VetheonGames/FileZap/chunknet/pkg/wire"
)

// ErrNotLive is returned by I/O on a connection that has already failed or
// been closed.
var ErrNotLive = errors.New("peer: connection is not live")

// ID is the local identity of a connection. It is assigned when the
// connection is established and is not exchanged with the remote side.
type ID [16]byte

// NewID returns a fresh random connection id.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the textual form produced by ID.String.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// State represents the state of a connection.
type State int

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// outMsg is a frame waiting for the write goroutine. done, when not nil,
// receives the result of the write and must be buffered.
type outMsg struct {
	frame []byte
	done  chan<- error
}

// Conn wraps a stream socket with exact-length reads, whole-buffer writes and
// a one-way liveness latch. The first I/O failure marks the connection dead,
// records the error and closes the socket.
//
// Every write goes through a queue drained by a single goroutine, so frames
// never interleave and queueing never waits on the remote side reading.
type Conn struct {
	id      ID
	conn    net.Conn
	inbound bool

	live          atomic.Bool
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	writeTimeout  atomic.Int64

	// queueMtx guards outputQueue and queueClosed.
	queueMtx    sync.Mutex
	outputQueue *list.List
	queueClosed bool
	sendSignal  chan struct{}
	quit        chan struct{}

	errMtx  sync.Mutex
	lastErr error

	closeOnce sync.Once
}

// NewConn wraps an established socket and starts its write goroutine, which
// runs until the connection is closed.
func NewConn(c net.Conn, inbound bool) *Conn {
	pc := &Conn{
		id:          NewID(),
		conn:        c,
		inbound:     inbound,
		outputQueue: list.New(),
		sendSignal:  make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	pc.live.Store(true)
	go pc.outHandler()
	return pc
}

// ID returns the connection identity.
func (c *Conn) ID() ID {
	return c.id
}

// Inbound reports whether the remote side dialed us.
func (c *Conn) Inbound() bool {
	return c.inbound
}

// RemoteAddr returns the address of the remote endpoint.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Live reports whether the connection is still usable.
func (c *Conn) Live() bool {
	return c.live.Load()
}

// State returns StateConnected while the connection is live.
func (c *Conn) State() State {
	if c.Live() {
		return StateConnected
	}
	return StateDisconnected
}

// BytesSent returns the number of bytes written to the socket.
func (c *Conn) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the number of bytes read from the socket.
func (c *Conn) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// LastError returns the error that made the connection fail, if any.
func (c *Conn) LastError() error {
	c.errMtx.Lock()
	defer c.errMtx.Unlock()
	return c.lastErr
}

// SetWriteTimeout bounds every subsequent write. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout.Store(int64(d))
}

// SendAll writes every byte of b, retrying partial writes until the buffer
// is exhausted or the socket fails. It waits for frames queued before it.
func (c *Conn) SendAll(b []byte) error {
	done := make(chan error, 1)
	c.QueueMessage(b, done)
	return <-done
}

// SendFrame writes a header followed by payload as one frame and waits for
// the write to finish. The header's PayloadLength is taken from len(payload).
func (c *Conn) SendFrame(h wire.Header, payload []byte) error {
	return c.SendAll(wire.EncodeFrame(h, payload))
}

// QueueFrame queues a header and payload for sending without waiting for the
// write. It returns ErrNotLive when the connection is already dead.
func (c *Conn) QueueFrame(h wire.Header, payload []byte) error {
	if !c.QueueMessage(wire.EncodeFrame(h, payload), nil) {
		return ErrNotLive
	}
	return nil
}

// QueueMessage appends b to the write queue and returns immediately. The
// result of the write is delivered on done when it is not nil; done must be
// buffered. It reports false, after delivering ErrNotLive, when the
// connection is already closed.
func (c *Conn) QueueMessage(b []byte, done chan<- error) bool {
	c.queueMtx.Lock()
	if c.queueClosed {
		c.queueMtx.Unlock()
		if done != nil {
			done <- ErrNotLive
		}
		return false
	}
	c.outputQueue.PushBack(outMsg{frame: b, done: done})
	c.queueMtx.Unlock()

	select {
	case c.sendSignal <- struct{}{}:
	default:
	}
	return true
}

// outHandler writes queued frames in order until the connection is closed.
// Frames still queued at that point fail with ErrNotLive.
func (c *Conn) outHandler() {
	for {
		select {
		case <-c.sendSignal:
		case <-c.quit:
			c.drainQueue()
			return
		}

		for {
			msg, ok := c.dequeue()
			if !ok {
				break
			}
			err := c.sendAll(msg.frame)
			if msg.done != nil {
				msg.done <- err
			}
		}
	}
}

func (c *Conn) dequeue() (outMsg, bool) {
	c.queueMtx.Lock()
	defer c.queueMtx.Unlock()

	e := c.outputQueue.Front()
	if e == nil {
		return outMsg{}, false
	}
	return c.outputQueue.Remove(e).(outMsg), true
}

func (c *Conn) drainQueue() {
	c.queueMtx.Lock()
	pending := c.outputQueue
	c.outputQueue = list.New()
	c.queueMtx.Unlock()

	for e := pending.Front(); e != nil; e = e.Next() {
		if msg := e.Value.(outMsg); msg.done != nil {
			msg.done <- ErrNotLive
		}
	}
}

// QueueLen returns the number of frames waiting to be written.
func (c *Conn) QueueLen() int {
	c.queueMtx.Lock()
	defer c.queueMtx.Unlock()
	return c.outputQueue.Len()
}

// sendAll is only called from outHandler.
func (c *Conn) sendAll(b []byte) error {
	if !c.Live() {
		return ErrNotLive
	}

	if d := time.Duration(c.writeTimeout.Load()); d > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(d))
	}

	for len(b) > 0 {
		n, err := c.conn.Write(b)
		c.bytesSent.Add(uint64(n))
		if err != nil {
			c.fail(fmt.Errorf("write to %s: %w", c.RemoteAddr(), err))
			return err
		}
		if n == 0 {
			err := io.ErrShortWrite
			c.fail(fmt.Errorf("write to %s: %w", c.RemoteAddr(), err))
			return err
		}
		b = b[n:]
	}

	return nil
}

// ReceiveExact blocks until exactly n bytes have been read and returns them.
// A clean close by the remote side is reported as io.EOF or
// io.ErrUnexpectedEOF.
func (c *Conn) ReceiveExact(n int) ([]byte, error) {
	if !c.Live() {
		return nil, ErrNotLive
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(c.conn, buf)
	c.bytesReceived.Add(uint64(read))
	if err != nil {
		c.fail(fmt.Errorf("read from %s: %w", c.RemoteAddr(), err))
		return nil, err
	}

	return buf, nil
}

// Fail marks the connection dead because of err and closes it.
func (c *Conn) Fail(err error) {
	c.fail(err)
}

// Close marks the connection dead and closes the socket. It is safe to call
// more than once.
func (c *Conn) Close() error {
	c.live.Store(false)
	var err error
	c.closeOnce.Do(func() {
		// Nothing can be queued once queueClosed is set, so the drain in
		// outHandler sees every waiter.
		c.queueMtx.Lock()
		c.queueClosed = true
		c.queueMtx.Unlock()
		close(c.quit)

		err = c.conn.Close()
	})
	return err
}

func (c *Conn) fail(err error) {
	c.errMtx.Lock()
	if c.lastErr == nil && c.Live() {
		c.lastErr = err
	}
	c.errMtx.Unlock()

	if c.Live() {
		log.Debugf("Connection %s (%s) failed: %v", c.id, c.RemoteAddr(), err)
	}
	c.Close()
}

func (c *Conn) String() string {
	dir := "outbound"
	if c.inbound {
		dir = "inbound"
	}
	return fmt.Sprintf("%s (%s, %s)", c.id, c.RemoteAddr(), dir)
}
