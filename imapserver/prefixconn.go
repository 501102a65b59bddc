package imapserver

import (
	"bufio"
	"bytes"
	"io"
	"net"
)

// prefixConn is a net.Conn with a buffered part to read first, used for the
// bytes a client sent after its STARTTLS command before we handed the
// connection to the TLS layer.
type prefixConn struct {
	prefix io.Reader
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(buf)
		if err == io.EOF {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
			return c.Conn.Read(buf)
		}
		return n, err
	}
	return c.Conn.Read(buf)
}

// xprefixConn returns a connection that first drains whatever br has
// buffered, then continues with nc.
func xprefixConn(nc net.Conn, br *bufio.Reader) net.Conn {
	n := br.Buffered()
	if n == 0 {
		return nc
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(br, buf)
	xcheckf(err, "reading buffered data")
	return &prefixConn{prefix: bytes.NewReader(buf), Conn: nc}
}
