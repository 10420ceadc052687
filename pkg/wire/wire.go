// Copyright (c) 2025 The FileZap developers

// Package wire implements the framing used between chunknet peers.
//
// Every message on a connection is a fixed size header followed by
// PayloadLength bytes of payload:
//
//	id (16) | kind (1) | payloadLength (4, big-endian)
//
// A response payload starts with an envelope naming the request it answers:
//
//	referenceId (16) | length (4, big-endian) | body
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// IDSize is the size of a message id in bytes.
	IDSize = 16

	// HeaderSize is the encoded size of a Header.
	HeaderSize = IDSize + 1 + 4

	// EnvelopeSize is the encoded size of an Envelope.
	EnvelopeSize = IDSize + 4
)

var (
	// ErrShortBuffer is returned when a buffer is too small to hold the
	// structure being decoded.
	ErrShortBuffer = errors.New("wire: short buffer")

	// ErrUnknownKind is returned when a header carries a kind byte that is
	// not a known message kind.
	ErrUnknownKind = errors.New("wire: unknown message kind")
)

// MessageID identifies a single physical message.
type MessageID [IDSize]byte

// NewMessageID returns a fresh random message id.
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

// String returns the id as lowercase hex.
func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// Kind is the message kind carried in a header.
type Kind uint8

const (
	KindResponse  Kind = 0
	KindRequest   Kind = 1
	KindBroadcast Kind = 2
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindBroadcast
}

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindRequest:
		return "request"
	case KindBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header precedes every payload on the wire.
type Header struct {
	ID            MessageID
	Kind          Kind
	PayloadLength uint32
}

// PutHeader writes h into b, which must be at least HeaderSize bytes.
func PutHeader(b []byte, h Header) {
	copy(b[:IDSize], h.ID[:])
	b[IDSize] = byte(h.Kind)
	binary.BigEndian.PutUint32(b[IDSize+1:HeaderSize], h.PayloadLength)
}

// EncodeHeader returns the HeaderSize byte encoding of h.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	PutHeader(b, h)
	return b
}

// DecodeHeader parses a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: header needs %d bytes, got %d",
			ErrShortBuffer, HeaderSize, len(b))
	}

	copy(h.ID[:], b[:IDSize])
	h.Kind = Kind(b[IDSize])
	if !h.Kind.Valid() {
		return h, fmt.Errorf("%w: %d", ErrUnknownKind, b[IDSize])
	}
	h.PayloadLength = binary.BigEndian.Uint32(b[IDSize+1 : HeaderSize])

	return h, nil
}

// EncodeFrame returns header and payload as a single buffer. The header's
// PayloadLength is set from len(payload).
func EncodeFrame(h Header, payload []byte) []byte {
	h.PayloadLength = uint32(len(payload))
	b := make([]byte, HeaderSize+len(payload))
	PutHeader(b, h)
	copy(b[HeaderSize:], payload)
	return b
}

// Envelope leads the payload of every response.
type Envelope struct {
	ReferenceID MessageID
	Length      uint32
}

// EncodeEnvelope returns the EnvelopeSize byte encoding of e.
func EncodeEnvelope(e Envelope) []byte {
	b := make([]byte, EnvelopeSize)
	copy(b[:IDSize], e.ReferenceID[:])
	binary.BigEndian.PutUint32(b[IDSize:EnvelopeSize], e.Length)
	return b
}

// DecodeEnvelope parses an envelope from the first EnvelopeSize bytes of b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if len(b) < EnvelopeSize {
		return e, fmt.Errorf("%w: envelope needs %d bytes, got %d",
			ErrShortBuffer, EnvelopeSize, len(b))
	}

	copy(e.ReferenceID[:], b[:IDSize])
	e.Length = binary.BigEndian.Uint32(b[IDSize:EnvelopeSize])

	return e, nil
}

// EncodeResponse builds a response payload answering the request ref.
func EncodeResponse(ref MessageID, body []byte) []byte {
	b := make([]byte, EnvelopeSize+len(body))
	copy(b[:IDSize], ref[:])
	binary.BigEndian.PutUint32(b[IDSize:EnvelopeSize], uint32(len(body)))
	copy(b[EnvelopeSize:], body)
	return b
}

// DecodeResponse splits a response payload into the id of the request it
// answers and the response body.
func DecodeResponse(payload []byte) (MessageID, []byte, error) {
	e, err := DecodeEnvelope(payload)
	if err != nil {
		return MessageID{}, nil, err
	}

	rest := payload[EnvelopeSize:]
	if uint64(e.Length) > uint64(len(rest)) {
		return e.ReferenceID, nil, fmt.Errorf("%w: response body of %d bytes "+
			"declared, %d present", ErrShortBuffer, e.Length, len(rest))
	}

	return e.ReferenceID, rest[:e.Length], nil
}
