// Copyright (c) 2025 The FileZap developers

package node

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
	"github.com/VetheonGames/FileZap/chunknet/pkg/wire"
)

var (
	// ErrNotRequest is returned when answering a broadcast.
	ErrNotRequest = errors.New("node: only requests can be answered")

	// ErrAlreadyResponded is returned by a second Respond call.
	ErrAlreadyResponded = errors.New("node: request already answered")
)

// ReceiveContext carries one inbound request or broadcast to its handler.
type ReceiveContext struct {
	Payload   []byte
	Sender    peer.ID
	MessageID wire.MessageID
	Kind      wire.Kind

	conn      *peer.Conn
	responded atomic.Bool
}

// RemoteAddr returns the address of the connection the message arrived on.
func (rc *ReceiveContext) RemoteAddr() net.Addr {
	return rc.conn.RemoteAddr()
}

// Respond queues the answer to a request on the connection it arrived on and
// returns without waiting for the write. It may be called at most once, and
// may be called after the handler returned.
func (rc *ReceiveContext) Respond(body []byte) error {
	if rc.Kind != wire.KindRequest {
		return ErrNotRequest
	}
	if !rc.responded.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}

	hdr := wire.Header{ID: wire.NewMessageID(), Kind: wire.KindResponse}
	return rc.conn.QueueFrame(hdr, wire.EncodeResponse(rc.MessageID, body))
}
