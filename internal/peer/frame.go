package peer

import (
	"net"

	"github.com/relaydev/leecher/internal/protocol"
)

// frameReader accumulates bytes read from a connection and decodes one
// length-prefixed frame at a time, feeding protocol.Decode from a
// growing buffer so a frame split across multiple TCP reads is handled
// transparently.
type frameReader struct {
	conn net.Conn
	buf  []byte
	tmp  []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{
		conn: conn,
		buf:  make([]byte, 0, protocol.MaxMessageSize),
		tmp:  make([]byte, 8192),
	}
}

// next blocks until one complete frame is available and returns it (nil
// for a keep-alive), or an error if the connection fails or a frame
// violates the wire protocol.
func (fr *frameReader) next() (*protocol.Message, error) {
	for {
		msg, consumed, err := protocol.Decode(fr.buf)
		if err != nil {
			return nil, err
		}
		if consumed > 0 {
			fr.buf = append(fr.buf[:0], fr.buf[consumed:]...)
			return msg, nil
		}

		n, err := fr.conn.Read(fr.tmp)
		if n > 0 {
			fr.buf = append(fr.buf, fr.tmp[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}
