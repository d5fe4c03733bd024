package replication

import (
	"github.com/xiaonanln/cellworld/engine/buffering"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/metrics"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// HandleGhostMessage applies a received ghost message, or buffers it until it can be applied
func (r *Replicator) HandleGhostMessage(m *proto.GhostMessage) {
	switch r.TryApply(m) {
	case buffering.Applied:
		r.drain(m)
	case buffering.Deferred:
		r.buffer.Add(m, r.tick)
		r.recordResult(m, "buffered")
	}
}

func (r *Replicator) drain(m *proto.GhostMessage) {
	if r.draining {
		return
	}
	r.draining = true
	r.buffer.Drain(m.EntityID, buffering.ApplierFunc(r.TryApply))
	r.draining = false
}

// TryApply applies the message if its preconditions hold
//
// Discarded messages are counted here; deferred messages are left to the caller.
func (r *Replicator) TryApply(m *proto.GhostMessage) buffering.ApplyResult {
	id, src := m.EntityID, m.Src
	if r.tracker.IsStale(id, src) {
		if m.Type == proto.MT_GHOST_SET_NEXT_REAL || m.Type == proto.MT_DEL_GHOST {
			r.tracker.ReleaseOnExplicitAck(id, src)
		}
		r.discardStale(m, "superseded or dead source")
		return buffering.Discarded
	}

	if real := r.registry.FindReal(id); real != nil {
		if m.Type == proto.MT_CREATE_GHOST {
			r.report(diag.DuplicateAuthority, id, src, "create ghost of an entity that is real here", nil)
		}
		r.discardStale(m, "entity is real here")
		return buffering.Discarded
	}

	ghost := r.registry.FindGhost(id)
	if ghost != nil && ghost.IsStale() && m.Type != proto.MT_CREATE_GHOST {
		// frozen until a new real creates the ghost again
		r.discardStale(m, "ghost is frozen")
		return buffering.Discarded
	}
	switch m.Type {
	case proto.MT_CREATE_GHOST:
		return r.applyCreateGhost(ghost, m)
	case proto.MT_GHOST_SET_REAL:
		return r.applySetReal(ghost, m)
	}

	if ghost == nil || ghost.RealAddr() != src {
		return buffering.Deferred
	}
	last := ghost.LastSeq(src)
	if last == 0 {
		// the stream from src has not been opened yet
		return buffering.Deferred
	}
	if m.Seq <= last {
		r.recordResult(m, "duplicate")
		return buffering.Discarded
	}
	if m.Seq != last+1 {
		return buffering.Deferred
	}

	switch m.Type {
	case proto.MT_GHOST_UPDATE:
		ghost.ApplyDelta(*m.Delta)
		ghost.SetLastSeq(src, m.Seq)
	case proto.MT_GHOST_SET_NEXT_REAL:
		ghost.SetNextRealAddr(m.NextReal)
		ghost.EndStream(src)
	case proto.MT_DEL_GHOST:
		r.registry.Destroy(id)
		r.buffer.DropEntity(id)
	default:
		gwlog.Errorf("%s: unexpected ghost message %s", r.cfg.Name, m)
		return buffering.Discarded
	}
	r.recordApplied(m)
	return buffering.Applied
}

func (r *Replicator) applyCreateGhost(ghost *entity.Entity, m *proto.GhostMessage) buffering.ApplyResult {
	id, src := m.EntityID, m.Src
	if ghost != nil && ghost.IsStale() {
		return r.replaceStaleGhost(ghost, m)
	}
	if ghost != nil {
		if ghost.RealAddr() == src {
			if ghost.LastSeq(src) >= 1 {
				r.recordResult(m, "duplicate")
				return buffering.Discarded
			}
			// a demoted real waiting for the stream of its new real
			ghost.ApplyState(*m.State)
			ghost.SetLastSeq(src, 1)
			r.recordApplied(m)
			return buffering.Applied
		}

		oldSrc := ghost.RealAddr()
		if ghost.NextRealAddr().IsNil() {
			// the old real may still be sending
			r.tracker.RecordReplacedGhost(id, oldSrc)
		}
		r.buffer.DropQueue(oldSrc, id)
		r.registry.Destroy(id)
		gwlog.Infof("%s: ghost %s replaced: real moved from %s to %s", r.cfg.Name, id, oldSrc, src)
	}
	return r.registerGhost(m)
}

// replaceStaleGhost drops a ghost frozen by a peer death in favour of the one created by m
func (r *Replicator) replaceStaleGhost(ghost *entity.Entity, m *proto.GhostMessage) buffering.ApplyResult {
	id, src := m.EntityID, m.Src
	oldSrc, oldNext := ghost.RealAddr(), ghost.NextRealAddr()
	if oldSrc != src {
		if oldNext.IsNil() {
			r.tracker.RecordReplacedGhost(id, oldSrc)
		}
		r.buffer.DropQueue(oldSrc, id)
	}
	if !oldNext.IsNil() && oldNext != src {
		r.buffer.DropQueue(oldNext, id)
	}
	r.registry.Destroy(id)
	gwlog.Infof("%s: frozen ghost %s of %s recreated by %s", r.cfg.Name, id, oldSrc, src)
	return r.registerGhost(m)
}

func (r *Replicator) registerGhost(m *proto.GhostMessage) buffering.ApplyResult {
	ghost, err := r.registry.RegisterGhost(m.EntityID, m.Src, *m.State)
	if err != nil {
		gwlog.Errorf("%s: create ghost %s: %v", r.cfg.Name, m, err)
		return buffering.Discarded
	}
	ghost.SetLastSeq(m.Src, 1)
	r.recordApplied(m)
	return buffering.Applied
}

func (r *Replicator) applySetReal(ghost *entity.Entity, m *proto.GhostMessage) buffering.ApplyResult {
	src := m.Src
	if ghost == nil {
		return buffering.Deferred
	}
	if ghost.RealAddr() == src {
		if ghost.LastSeq(src) >= 1 {
			r.recordResult(m, "duplicate")
			return buffering.Discarded
		}
	} else if ghost.NextRealAddr() != src {
		// the old real has not announced src yet
		return buffering.Deferred
	}

	ghost.SetRealAddr(src)
	ghost.SetLastSeq(src, 1)
	r.recordApplied(m)
	return buffering.Applied
}

func (r *Replicator) discardStale(m *proto.GhostMessage, reason string) {
	metrics.RecordStaleMessage(r.cfg.Name)
	r.recordResult(m, "stale")
	if r.staleLog.Allow() {
		gwlog.Warnf("%s: discard stale %s: %s", r.cfg.Name, m, reason)
	}
}

func (r *Replicator) recordApplied(m *proto.GhostMessage) {
	r.recordResult(m, "applied")
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("%s: applied %s", r.cfg.Name, m)
	}
}

func (r *Replicator) recordResult(m *proto.GhostMessage, result string) {
	metrics.RecordGhostMessage(r.cfg.Name, m.Type.String(), result)
}
