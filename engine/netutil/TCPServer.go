package netutil

import (
	"net"

	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// TCPServerDelegate is the implementations that a TCP server should provide
type TCPServerDelegate interface {
	ServeTCPConnection(net.Conn)
}

// ServeListener accepts connections from ln until it is closed
func ServeListener(ln net.Listener, delegate TCPServerDelegate) error {
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if IsTimeoutError(err) {
				continue
			} else {
				return err
			}
		}

		gwlog.Debugf("Connection from: %s", conn.RemoteAddr())
		go delegate.ServeTCPConnection(conn)
	}
}
