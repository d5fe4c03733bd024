package replication

import (
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// DestroyReal despawns a real entity and deletes all its ghosts
//
// A handoff in flight is cancelled: its late answer will be discarded.
func (r *Replicator) DestroyReal(id common.EntityID) bool {
	e := r.registry.FindReal(id)
	if e == nil {
		return false
	}
	if h := e.Handoff(); h != nil {
		delete(r.handoffs, h.ID)
		r.tracker.RecordCancelledHandoff(h.ID, id, h.Target)
		gwlog.Infof("%s: %s destroyed during handoff %s to %s", r.cfg.Name, e, h.ID, h.Target)
	}
	for _, addr := range e.HauntAddrs() {
		r.RemoveHaunt(e, addr)
	}
	r.registry.Destroy(id)
	r.buffer.DropEntity(id)
	if r.OnRealDestroyed != nil {
		r.OnRealDestroyed(e)
	}
	return true
}

// RequestDestroy despawns the entity wherever its real is
func (r *Replicator) RequestDestroy(id common.EntityID) {
	r.HandleDestroyEntity(r.cfg.LocalAddr, &proto.DestroyEntity{EntityID: id})
}

// HandleDestroyEntity destroys the real entity, or forwards the request towards it
func (r *Replicator) HandleDestroyEntity(src common.Addr, m *proto.DestroyEntity) {
	if r.DestroyReal(m.EntityID) {
		return
	}

	ghost := r.registry.FindGhost(m.EntityID)
	if ghost == nil {
		gwlog.Warnf("%s: destroy %s from %s: entity not found", r.cfg.Name, m.EntityID, src)
		return
	}
	if int(m.Hops) >= consts.MAX_DESTROY_FORWARD_HOPS {
		gwlog.Errorf("%s: destroy %s from %s dropped after %d hops", r.cfg.Name, m.EntityID, src, m.Hops)
		return
	}
	to := nextHop(ghost)
	if to.IsNil() || r.tracker.IsDead(to) {
		gwlog.Warnf("%s: destroy %s: real of ghost is unreachable", r.cfg.Name, m.EntityID)
		return
	}
	r.send(to, proto.EncodeDestroyEntity(&proto.DestroyEntity{EntityID: m.EntityID, Hops: m.Hops + 1}))
}

func nextHop(ghost *entity.Entity) common.Addr {
	if next := ghost.NextRealAddr(); !next.IsNil() {
		return next
	}
	return ghost.RealAddr()
}
