package netutil

import (
	"context"
	"fmt"
	"net"

	"github.com/xiaonanln/pktconn"
)

// PacketConnection sends and receives packets upon a network stream connection
type PacketConnection pktconn.PacketConn

// NewPacketConnection creates a packet connection based on a network connection; it is closed when ctx is done
func NewPacketConnection(ctx context.Context, conn Connection, tag interface{}) *PacketConnection {
	config := pktconn.DefaultConfig()
	config.Tag = tag
	return (*PacketConnection)(pktconn.NewPacketConnWithConfig(ctx, conn, config))
}

// SendPayload sends payload as one packet; an empty payload is sent as an empty packet
func (pc *PacketConnection) SendPayload(payload []byte) {
	packet := pktconn.NewPacket()
	if len(payload) > 0 {
		packet.WriteBytes(payload)
	}
	(*pktconn.PacketConn)(pc).Send(packet)
	packet.Release()
}

// RecvChan receives packets into recvChan until the connection fails
func (pc *PacketConnection) RecvChan(recvChan chan *pktconn.Packet) error {
	return (*pktconn.PacketConn)(pc).RecvChan(recvChan)
}

// Close the connection
func (pc *PacketConnection) Close() error {
	return (*pktconn.PacketConn)(pc).Close()
}

// RemoteAddr return the remote address
func (pc *PacketConnection) RemoteAddr() net.Addr {
	return (*pktconn.PacketConn)(pc).RemoteAddr()
}

// LocalAddr returns the local address
func (pc *PacketConnection) LocalAddr() net.Addr {
	return (*pktconn.PacketConn)(pc).LocalAddr()
}

func (pc *PacketConnection) String() string {
	return fmt.Sprintf("[%s >>> %s]", pc.LocalAddr(), pc.RemoteAddr())
}

// TakePayload copies the payload out of a received packet and releases it
func TakePayload(packet *pktconn.Packet) []byte {
	src := packet.Payload()
	payload := make([]byte, len(src))
	copy(payload, src)
	packet.Release()
	return payload
}
