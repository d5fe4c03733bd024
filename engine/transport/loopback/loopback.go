// Package loopback is an in-process Transport network for tests and single-process clusters
package loopback

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/transport"
)

type channel struct {
	from, to common.Addr
}

// Network connects loopback endpoints
//
// Messages are delivered synchronously by Send unless the channel is held, in which case they
// queue until Deliver or Release.
type Network struct {
	sync.Mutex
	endpoints map[common.Addr]*Endpoint
	held      map[channel]bool
	queues    map[channel][][]byte
	dead      common.AddrSet
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		endpoints: map[common.Addr]*Endpoint{},
		held:      map[channel]bool{},
		queues:    map[channel][][]byte{},
		dead:      common.AddrSet{},
	}
}

// Endpoint is the Transport of one address on a Network
type Endpoint struct {
	net     *Network
	addr    common.Addr
	handler transport.Handler
	closed  bool
}

var _ transport.Transport = (*Endpoint)(nil)

// Endpoint creates the endpoint of addr
func (n *Network) Endpoint(addr common.Addr) *Endpoint {
	n.Lock()
	defer n.Unlock()
	if ep := n.endpoints[addr]; ep != nil {
		gwlog.Panicf("loopback: endpoint %s already exists", addr)
	}
	ep := &Endpoint{net: n, addr: addr}
	n.endpoints[addr] = ep
	n.dead.Remove(addr)
	return ep
}

// LocalAddr returns the address of the endpoint
func (ep *Endpoint) LocalAddr() common.Addr {
	return ep.addr
}

// Start sets the handler of received messages
func (ep *Endpoint) Start(h transport.Handler) error {
	ep.net.Lock()
	defer ep.net.Unlock()
	if ep.closed {
		return errors.Errorf("loopback: endpoint %s is closed", ep.addr)
	}
	ep.handler = h
	return nil
}

// Send delivers a copy of payload to the endpoint of to, or queues it if the channel is held
func (ep *Endpoint) Send(to common.Addr, payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)

	n := ep.net
	n.Lock()
	if ep.closed {
		n.Unlock()
		return
	}
	ch := channel{ep.addr, to}
	if n.held[ch] || len(n.queues[ch]) > 0 {
		n.queues[ch] = append(n.queues[ch], data)
		n.Unlock()
		return
	}
	target := n.endpoints[to]
	n.Unlock()

	deliver(ep.addr, target, data)
}

// Close detaches the endpoint without notifying peers
func (ep *Endpoint) Close() error {
	n := ep.net
	n.Lock()
	defer n.Unlock()
	ep.closed = true
	if n.endpoints[ep.addr] == ep {
		delete(n.endpoints, ep.addr)
	}
	return nil
}

func deliver(from common.Addr, target *Endpoint, data []byte) {
	if target == nil {
		return
	}
	target.net.Lock()
	h := target.handler
	closed := target.closed
	target.net.Unlock()
	if h == nil || closed {
		return
	}
	h.OnMessage(from, data)
}

// Hold queues messages from -> to until Deliver or Release
func (n *Network) Hold(from, to common.Addr) {
	n.Lock()
	n.held[channel{from, to}] = true
	n.Unlock()
}

// Release delivers the queued messages from -> to and stops holding the channel
func (n *Network) Release(from, to common.Addr) int {
	n.Lock()
	delete(n.held, channel{from, to})
	n.Unlock()
	return n.Deliver(from, to)
}

// Pending returns the number of queued messages from -> to
func (n *Network) Pending(from, to common.Addr) int {
	n.Lock()
	defer n.Unlock()
	return len(n.queues[channel{from, to}])
}

// Deliver delivers the queued messages from -> to in order and returns how many were delivered
func (n *Network) Deliver(from, to common.Addr) int {
	count := 0
	for n.deliverOne(channel{from, to}) {
		count++
	}
	return count
}

// DeliverOne delivers the first queued message from -> to
func (n *Network) DeliverOne(from, to common.Addr) bool {
	return n.deliverOne(channel{from, to})
}

func (n *Network) deliverOne(ch channel) bool {
	n.Lock()
	msgs := n.queues[ch]
	if len(msgs) == 0 {
		n.Unlock()
		return false
	}
	data := msgs[0]
	if len(msgs) == 1 {
		delete(n.queues, ch)
	} else {
		n.queues[ch] = msgs[1:]
	}
	target := n.endpoints[ch.to]
	n.Unlock()

	deliver(ch.from, target, data)
	return true
}

// Take removes the queued messages from -> to without delivering them
func (n *Network) Take(from, to common.Addr) [][]byte {
	n.Lock()
	defer n.Unlock()
	ch := channel{from, to}
	msgs := n.queues[ch]
	delete(n.queues, ch)
	return msgs
}

// DeliverAll delivers queued messages of all channels until none is left
func (n *Network) DeliverAll() int {
	count := 0
	for {
		channels := n.pendingChannels()
		if len(channels) == 0 {
			return count
		}
		for _, ch := range channels {
			for n.deliverOne(ch) {
				count++
			}
		}
	}
}

func (n *Network) pendingChannels() []channel {
	n.Lock()
	defer n.Unlock()
	var channels []channel
	for ch, msgs := range n.queues {
		if len(msgs) > 0 {
			channels = append(channels, ch)
		}
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].from != channels[j].from {
			return channels[i].from < channels[j].from
		}
		return channels[i].to < channels[j].to
	})
	return channels
}

// Kill removes the endpoint of addr, drops its queued messages and reports it unreachable to every other endpoint
func (n *Network) Kill(addr common.Addr) {
	n.Lock()
	if ep := n.endpoints[addr]; ep != nil {
		ep.closed = true
		delete(n.endpoints, addr)
	}
	n.dead.Add(addr)
	for ch := range n.queues {
		if ch.from == addr || ch.to == addr {
			delete(n.queues, ch)
		}
	}
	var handlers []transport.Handler
	for _, a := range n.sortedAddrs() {
		if h := n.endpoints[a].handler; h != nil {
			handlers = append(handlers, h)
		}
	}
	n.Unlock()

	gwlog.Warnf("loopback: %s killed", addr)
	for _, h := range handlers {
		h.OnPeerUnreachable(addr)
	}
}

// IsDead returns if addr was killed and not recreated
func (n *Network) IsDead(addr common.Addr) bool {
	n.Lock()
	defer n.Unlock()
	return n.dead.Contains(addr)
}

func (n *Network) sortedAddrs() []common.Addr {
	addrs := make([]common.Addr, 0, len(n.endpoints))
	for addr := range n.endpoints {
		addrs = append(addrs, addr)
	}
	common.SortAddrs(addrs)
	return addrs
}
