package replication

import (
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// AddHaunt creates a ghost of the real entity on addr
func (r *Replicator) AddHaunt(e *entity.Entity, addr common.Addr) bool {
	if addr == r.cfg.LocalAddr || e.Haunt(addr) != nil || !e.IsActive() {
		return false
	}
	if r.tracker.IsDead(addr) {
		return false
	}

	h := e.AddHaunt(addr, r.tick)
	state := e.State()
	r.sendGhostMessage(addr, &proto.GhostMessage{
		Type:     proto.MT_CREATE_GHOST,
		EntityID: e.ID,
		Seq:      h.NextSeq(),
		State:    &state,
		Tick:     r.tick,
	})
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("%s: %s haunts %s", r.cfg.Name, e, addr)
	}
	return true
}

// RemoveHaunt deletes the ghost of the real entity on addr
func (r *Replicator) RemoveHaunt(e *entity.Entity, addr common.Addr) bool {
	h := e.Haunt(addr)
	if h == nil || !e.IsReal() {
		return false
	}
	r.sendGhostMessage(addr, &proto.GhostMessage{
		Type:     proto.MT_DEL_GHOST,
		EntityID: e.ID,
		Seq:      h.NextSeq(),
	})
	e.RemoveHaunt(addr)
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("%s: %s stops haunting %s", r.cfg.Name, e, addr)
	}
	return true
}

// FlushDirty sends the delta of every changed real entity to its haunts. It returns the number of entities flushed
func (r *Replicator) FlushDirty() int {
	n := 0
	for _, e := range r.registry.Reals() {
		if r.flushEntity(e) {
			n++
		}
	}
	return n
}

func (r *Replicator) flushEntity(e *entity.Entity) bool {
	if !e.HasDelta() {
		return false
	}
	delta := e.TakeDelta()
	for _, addr := range e.HauntAddrs() {
		h := e.Haunt(addr)
		r.sendGhostMessage(addr, &proto.GhostMessage{
			Type:     proto.MT_GHOST_UPDATE,
			EntityID: e.ID,
			Seq:      h.NextSeq(),
			Delta:    &delta,
		})
	}
	return true
}
