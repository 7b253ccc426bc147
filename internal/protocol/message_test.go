package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(42),
		MessageBitfield([]byte{0xAA, 0xF0}),
		MessageRequest(1, 16384, 16384),
		MessagePiece(1, 0, []byte("hello world")),
		MessageCancel(1, 16384, 16384),
		MessagePort(6881),
	}

	for _, m := range cases {
		buf, err := m.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary(%v): %v", m.ID, err)
		}

		got, consumed, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", m.ID, err)
		}
		if consumed != len(buf) {
			t.Fatalf("Decode(%v) consumed = %d, want %d", m.ID, consumed, len(buf))
		}
		if got.ID != m.ID || !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("Decode(%v) = %+v, want %+v", m.ID, got, m)
		}
	}
}

func TestDecodeKeepAlive(t *testing.T) {
	msg, consumed, err := Decode([]byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Decode keep-alive: %v", err)
	}
	if msg != nil {
		t.Fatalf("Decode keep-alive: got %+v, want nil", msg)
	}
	if consumed != 4 {
		t.Fatalf("consumed = %d, want 4", consumed)
	}
}

func TestDecodeNeedsMoreBytesDoesNotConsume(t *testing.T) {
	full, _ := MessageHave(5).MarshalBinary()

	for n := 0; n < len(full); n++ {
		msg, consumed, err := Decode(full[:n])
		if err != nil {
			t.Fatalf("Decode(partial %d bytes): unexpected error %v", n, err)
		}
		if msg != nil || consumed != 0 {
			t.Fatalf("Decode(partial %d bytes) = (%v, %d), want (nil, 0)", n, msg, consumed)
		}
	}
}

func TestDecodeOversizedLengthFailsBeforeAllocating(t *testing.T) {
	var lenPrefix [4]byte
	big := uint32(MaxMessageSize + 1)
	lenPrefix[0] = byte(big >> 24)
	lenPrefix[1] = byte(big >> 16)
	lenPrefix[2] = byte(big >> 8)
	lenPrefix[3] = byte(big)

	msg, consumed, err := Decode(lenPrefix[:])
	if err != ErrMessageTooLarge {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
	if msg != nil || consumed != 0 {
		t.Fatalf("Decode(oversized) = (%v, %d), want (nil, 0)", msg, consumed)
	}
}

func TestDecodeUnknownIDFails(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 200}

	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("Decode(unknown id): want error, got nil")
	}
}

func TestDecodeBadPayloadSizeFails(t *testing.T) {
	// Have with a 2-byte payload instead of 4.
	buf := []byte{0, 0, 0, 3, byte(Have), 0, 1}

	_, _, err := Decode(buf)
	if err != ErrBadPayloadSize {
		t.Fatalf("err = %v, want ErrBadPayloadSize", err)
	}
}

func TestParseHelpers(t *testing.T) {
	if idx, ok := MessageHave(7).ParseHave(); !ok || idx != 7 {
		t.Fatalf("ParseHave = (%d, %v), want (7, true)", idx, ok)
	}

	idx, begin, length, ok := MessageRequest(1, 2, 3).ParseRequest()
	if !ok || idx != 1 || begin != 2 || length != 3 {
		t.Fatalf("ParseRequest = (%d, %d, %d, %v)", idx, begin, length, ok)
	}

	idx, begin, block, ok := MessagePiece(4, 8, []byte{1, 2, 3}).ParsePiece()
	if !ok || idx != 4 || begin != 8 || !bytes.Equal(block, []byte{1, 2, 3}) {
		t.Fatalf("ParsePiece = (%d, %d, %v, %v)", idx, begin, block, ok)
	}

	port, ok := MessagePort(6881).ParsePort()
	if !ok || port != 6881 {
		t.Fatalf("ParsePort = (%d, %v), want (6881, true)", port, ok)
	}
}

func TestIsKeepAlive(t *testing.T) {
	if !IsKeepAlive(nil) {
		t.Fatal("IsKeepAlive(nil) = false, want true")
	}
	if IsKeepAlive(MessageChoke()) {
		t.Fatal("IsKeepAlive(Choke) = true, want false")
	}
}

func TestBitfieldPayloadAllowsAnyLength(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		m := MessageBitfield(make([]byte, n))
		if err := m.ValidatePayloadSize(); err != nil {
			t.Fatalf("ValidatePayloadSize(Bitfield len=%d): %v", n, err)
		}
	}
}
