// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the version byte written into every message.
const ProtocolVersion = 1

// messageHeaderSize is version (1) | op (1) | length (4, big-endian).
const messageHeaderSize = 6

var (
	// ErrInvalidMessage is returned for payloads that are not well formed
	// messages.
	ErrInvalidMessage = errors.New("fileshare: invalid message")

	// ErrUnsupportedVersion is returned for messages of another protocol
	// version.
	ErrUnsupportedVersion = errors.New("fileshare: unsupported protocol version")
)

// Op identifies what a message asks for or reports. Values below 128 are
// requests and announcements, values from 128 up are responses.
type Op uint8

const (
	OpRequestResource Op = 3
	OpCreateResource  Op = 4
	OpDeleteResource  Op = 6

	OpRequestSuccessful  Op = 128
	OpInvalidRequest     Op = 129
	OpResourceNotFound   Op = 130
	OpResourceCreated    Op = 131
	OpResourceDeleted    Op = 134
	OpVersionUnsupported Op = 135
	OpNotImplemented     Op = 136
)

var opStrings = map[Op]string{
	OpRequestResource:    "RequestResource",
	OpCreateResource:     "CreateResource",
	OpDeleteResource:     "DeleteResource",
	OpRequestSuccessful:  "RequestSuccessful",
	OpInvalidRequest:     "InvalidRequest",
	OpResourceNotFound:   "ResourceNotFound",
	OpResourceCreated:    "ResourceCreated",
	OpResourceDeleted:    "ResourceDeleted",
	OpVersionUnsupported: "VersionUnsupported",
	OpNotImplemented:     "NotImplemented",
}

func (op Op) String() string {
	if s, ok := opStrings[op]; ok {
		return s
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Message is the application payload carried inside node requests,
// responses and broadcasts.
type Message struct {
	Op   Op
	Body []byte
}

// Encode serializes m for the current protocol version.
func (m Message) Encode() []byte {
	b := make([]byte, messageHeaderSize+len(m.Body))
	b[0] = ProtocolVersion
	b[1] = byte(m.Op)
	binary.BigEndian.PutUint32(b[2:messageHeaderSize], uint32(len(m.Body)))
	copy(b[messageHeaderSize:], m.Body)
	return b
}

// DecodeMessage parses a payload produced by Message.Encode.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) < messageHeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than a header",
			ErrInvalidMessage, len(b))
	}
	if b[0] != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}

	length := binary.BigEndian.Uint32(b[2:messageHeaderSize])
	body := b[messageHeaderSize:]
	if uint64(length) != uint64(len(body)) {
		return Message{}, fmt.Errorf("%w: body length %d, header says %d",
			ErrInvalidMessage, len(body), length)
	}

	return Message{Op: Op(b[1]), Body: body}, nil
}
