package netutil

import (
	"net"

	"github.com/xiaonanln/netconnutil"
)

// Connection is a network connection whose writes may be buffered until Flush
type Connection interface {
	netconnutil.FlushableConn
}

// NetConn makes a plain net.Conn a Connection
type NetConn struct {
	net.Conn
}

// Flush does nothing: writes of a plain net.Conn are not buffered
func (n NetConn) Flush() error {
	return nil
}

// NewPeerConnection wraps a connected peer link: temporary errors are retried, the stream is optionally
// snappy compressed and reads and writes are buffered
func NewPeerConnection(conn net.Conn, compress bool, readBufferSize, writeBufferSize int) Connection {
	conn = netconnutil.NewNoTempErrorConn(conn)
	var c Connection = NetConn{conn}
	if compress {
		c = netconnutil.NewSnappyConn(c)
	}
	return netconnutil.NewBufferedConn(c, readBufferSize, writeBufferSize)
}
