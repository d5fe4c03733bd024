// Package peers publishes peer death to every owner of per-peer state
package peers

import (
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
)

// DeathHandler is notified when a peer cellapp is confirmed dead
type DeathHandler interface {
	OnPeerDeath(addr common.Addr)
}

// RevivalHandler is optionally implemented by subscribers that keep dead peers rejected
type RevivalHandler interface {
	OnPeerRevived(addr common.Addr)
}

// DeathHandlerFunc adapts a function to DeathHandler
type DeathHandlerFunc func(addr common.Addr)

// OnPeerDeath calls f(addr)
func (f DeathHandlerFunc) OnPeerDeath(addr common.Addr) {
	f(addr)
}

type subscriber struct {
	name    string
	handler DeathHandler
}

// Notifier is the peer death bus of one cellapp
//
// Notifier is used from the tick goroutine only.
type Notifier struct {
	subscribers []subscriber
	dead        common.AddrSet
}

// NewNotifier creates a Notifier without subscribers
func NewNotifier() *Notifier {
	return &Notifier{dead: common.AddrSet{}}
}

// Subscribe adds a handler; handlers are notified in subscription order
func (n *Notifier) Subscribe(name string, handler DeathHandler) {
	n.subscribers = append(n.subscribers, subscriber{name, handler})
}

// PublishDeath notifies all subscribers that addr is dead. It returns false if addr was already dead
func (n *Notifier) PublishDeath(addr common.Addr) bool {
	if n.dead.Contains(addr) {
		return false
	}
	n.dead.Add(addr)
	gwlog.Warnf("peers: %s is dead, notifying %d subscribers", addr, len(n.subscribers))
	for _, s := range n.subscribers {
		s := s
		gwutils.RunPanicless(func() {
			s.handler.OnPeerDeath(addr)
		})
	}
	return true
}

// PublishRevival notifies subscribers that a cellapp is hosted at addr again
func (n *Notifier) PublishRevival(addr common.Addr) bool {
	if !n.dead.Contains(addr) {
		return false
	}
	n.dead.Remove(addr)
	gwlog.Infof("peers: %s is back", addr)
	for _, s := range n.subscribers {
		if rh, ok := s.handler.(RevivalHandler); ok {
			gwutils.RunPanicless(func() {
				rh.OnPeerRevived(addr)
			})
		}
	}
	return true
}

// IsDead returns if addr has been published dead and not revived
func (n *Notifier) IsDead(addr common.Addr) bool {
	return n.dead.Contains(addr)
}

// DeadPeers returns the dead addresses in ascending order
func (n *Notifier) DeadPeers() []common.Addr {
	return n.dead.Sorted()
}
