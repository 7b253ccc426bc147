// Package protocol implements the BitTorrent peer wire protocol: the
// length-prefixed message codec and the initial handshake exchange.
package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
)

// MaxMessageSize bounds a single frame: one 16KiB block plus the largest
// header (Piece's 8-byte index/begin plus the 4-byte length prefix and
// 1-byte id).
const MaxMessageSize = 16*1024 + 13

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "Not Interested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("Unknown(%d)", mid)
	}
}

// Message represents a single BitTorrent length-prefixed message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise: <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("protocol: short message")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrBadPayloadSize  = errors.New("protocol: invalid payload size for message")
	ErrMessageTooLarge = errors.New("protocol: message exceeds MaxMessageSize")
	ErrUnknownMessage  = errors.New("protocol: unknown message id")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: Bitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: Piece, Payload: payload}
}

func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: Cancel, Payload: payload}
}

func MessagePort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)

	return &Message{ID: Port, Payload: payload}
}

// ParseHave returns the piece index for a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request payload into index, begin, and length.
func (m *Message) ParseRequest() (idx, begin, length uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// The returned block aliases m.Payload; callers must copy it before reusing
// the message buffer.
func (m *Message) ParsePiece() (idx, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// ParsePort returns the listener port carried by a Port message.
func (m *Message) ParsePort() (port uint16, ok bool) {
	if m == nil || m.ID != Port || len(m.Payload) != 2 {
		return 0, false
	}

	return binary.BigEndian.Uint16(m.Payload), true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	// length prefix excludes itself; includes id + payload.
	length := 1 + len(m.Payload)
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary decodes a single complete frame. Unlike Decode, it
// requires buf to contain exactly one frame with no trailing bytes.
func (m *Message) UnmarshalBinary(buf []byte) error {
	msg, consumed, err := Decode(buf)
	if err != nil {
		return err
	}
	if consumed != len(buf) {
		return ErrShortMessage
	}

	if msg == nil {
		*m = Message{}
		return nil
	}
	*m = *msg
	return nil
}

// Decode attempts to parse a single frame from the front of buf.
//
// On success, consumed is the number of bytes the frame occupied; the
// caller should discard buf[:consumed] and keep the remainder for the
// next call. msg is nil for a keep-alive frame.
//
// If buf does not yet contain a complete frame, Decode returns
// (nil, 0, nil) — "need more bytes" — without consuming anything. This
// lets a peer session feed Decode from a growing read buffer without
// blocking mid-frame.
//
// A length prefix describing a frame larger than MaxMessageSize fails
// immediately with ErrMessageTooLarge, before the payload is read, so a
// malicious or buggy peer can't force an unbounded allocation.
func Decode(buf []byte) (msg *Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil
	}
	if length > MaxMessageSize {
		return nil, 0, ErrMessageTooLarge
	}

	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	id := MessageID(buf[4])
	payload := make([]byte, length-1)
	copy(payload, buf[5:total])

	m := &Message{ID: id, Payload: payload}
	if err := m.ValidatePayloadSize(); err != nil {
		return nil, total, err
	}

	return m, total, nil
}

// Encode appends the wire encoding of m to dst and returns the result.
// If m is nil it appends a keep-alive frame.
func Encode(dst []byte, m *Message) ([]byte, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil // keep-alive
	}

	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Bitfield:
		// length is torrent-dependent; any size (including zero) is valid.
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case Port:
		if len(m.Payload) != 2 {
			return ErrBadPayloadSize
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessage, m.ID)
	}
	return nil
}
