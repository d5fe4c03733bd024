// Package tombstone tracks sources whose ghost messages must be discarded
package tombstone

import (
	"sort"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// ReplacedGhost records that the ghost of EntityID was recreated from a new real while OldSrc may still be sending
type ReplacedGhost struct {
	EntityID common.EntityID
	OldSrc   common.Addr
}

// CancelledHandoff records a promotion request whose entity was destroyed before the answer came
type CancelledHandoff struct {
	HandoffID common.HandoffID
	EntityID  common.EntityID
	Target    common.Addr
}

// Tracker owns replaced-ghost tombstones, cancelled handoffs and the set of dead peers
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	replaced  map[common.EntityID]common.AddrSet
	handoffs  map[common.HandoffID]CancelledHandoff
	dead      common.AddrSet
	numStones int
}

// NewTracker creates an empty Tracker
func NewTracker() *Tracker {
	return &Tracker{
		replaced: map[common.EntityID]common.AddrSet{},
		handoffs: map[common.HandoffID]CancelledHandoff{},
		dead:     common.AddrSet{},
	}
}

// RecordReplacedGhost discards further messages for id from oldSrc until released
func (t *Tracker) RecordReplacedGhost(id common.EntityID, oldSrc common.Addr) {
	if t.dead.Contains(oldSrc) {
		// dead peers are rejected anyway
		return
	}
	srcs := t.replaced[id]
	if srcs == nil {
		srcs = common.AddrSet{}
		t.replaced[id] = srcs
	}
	if srcs.Contains(oldSrc) {
		return
	}
	srcs.Add(oldSrc)
	t.numStones++
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("tombstone: ghost %s replaced, discarding messages from %s", id, oldSrc)
	}
}

// IsStale returns if a message for id from src must be discarded
func (t *Tracker) IsStale(id common.EntityID, from common.Addr) bool {
	if t.dead.Contains(from) {
		return true
	}
	return t.replaced[id].Contains(from)
}

// ReleaseOnExplicitAck removes the tombstone after the old source said it stopped sending
func (t *Tracker) ReleaseOnExplicitAck(id common.EntityID, from common.Addr) bool {
	srcs := t.replaced[id]
	if !srcs.Contains(from) {
		return false
	}
	srcs.Remove(from)
	if len(srcs) == 0 {
		delete(t.replaced, id)
	}
	t.numStones--
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("tombstone: ghost %s released by %s", id, from)
	}
	return true
}

// ReleaseOnPeerDeath removes every tombstone and cancelled handoff naming the dead peer, and
// rejects the peer from now on. It returns the number of removed records
func (t *Tracker) ReleaseOnPeerDeath(deadAddr common.Addr) int {
	t.dead.Add(deadAddr)
	n := 0
	for id, srcs := range t.replaced {
		if srcs.Contains(deadAddr) {
			srcs.Remove(deadAddr)
			n++
			if len(srcs) == 0 {
				delete(t.replaced, id)
			}
		}
	}
	t.numStones -= n
	for hid, h := range t.handoffs {
		if h.Target == deadAddr {
			delete(t.handoffs, hid)
			n++
		}
	}
	if n > 0 {
		gwlog.Infof("tombstone: released %d records of dead peer %s", n, deadAddr)
	}
	return n
}

// OnPeerDeath implements peers.DeathHandler
func (t *Tracker) OnPeerDeath(addr common.Addr) {
	t.ReleaseOnPeerDeath(addr)
}

// ForgetPeer accepts messages from addr again, after a new cellapp took that address
func (t *Tracker) ForgetPeer(addr common.Addr) {
	t.dead.Remove(addr)
}

// OnPeerRevived implements peers.RevivalHandler
func (t *Tracker) OnPeerRevived(addr common.Addr) {
	t.ForgetPeer(addr)
}

// IsDead returns if addr is rejected as dead
func (t *Tracker) IsDead(addr common.Addr) bool {
	return t.dead.Contains(addr)
}

// RecordCancelledHandoff remembers a handoff cancelled by entity destruction
func (t *Tracker) RecordCancelledHandoff(hid common.HandoffID, id common.EntityID, target common.Addr) {
	t.handoffs[hid] = CancelledHandoff{HandoffID: hid, EntityID: id, Target: target}
}

// TakeCancelledHandoff returns and forgets the cancelled handoff, if any
func (t *Tracker) TakeCancelledHandoff(hid common.HandoffID) (CancelledHandoff, bool) {
	h, ok := t.handoffs[hid]
	if ok {
		delete(t.handoffs, hid)
	}
	return h, ok
}

// NumTombstones returns the number of replaced-ghost tombstones
func (t *Tracker) NumTombstones() int {
	return t.numStones
}

// NumCancelledHandoffs returns the number of cancelled handoffs waiting for a late answer
func (t *Tracker) NumCancelledHandoffs() int {
	return len(t.handoffs)
}

// Tombstones returns all replaced-ghost tombstones ordered by entity ID and source
func (t *Tracker) Tombstones() []ReplacedGhost {
	var list []ReplacedGhost
	for id, srcs := range t.replaced {
		for src := range srcs {
			list = append(list, ReplacedGhost{EntityID: id, OldSrc: src})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].EntityID != list[j].EntityID {
			return list[i].EntityID < list[j].EntityID
		}
		return list[i].OldSrc < list[j].OldSrc
	})
	return list
}
