// Package transport defines how cellapps exchange messages
//
// Delivery is best effort and at most once, ordered per (source, target) channel.
package transport

import (
	"github.com/xiaonanln/cellworld/engine/common"
)

// Handler receives the events of a Transport; it may be called from any goroutine
//
// Handlers must not block: the loopback transport calls them in the goroutine of the sender.
type Handler interface {
	// OnMessage is called for every received message. The handler owns payload
	OnMessage(src common.Addr, payload []byte)
	// OnPeerUnreachable is called when a peer is considered dead, possibly more than once per address
	OnPeerUnreachable(addr common.Addr)
}

// Transport sends messages to other cellapps by address
type Transport interface {
	LocalAddr() common.Addr
	// Start begins delivering received messages to h
	Start(h Handler) error
	// Send queues payload for to and never blocks. The caller must not modify payload afterwards
	Send(to common.Addr, payload []byte)
	Close() error
}
