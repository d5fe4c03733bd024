package replication

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/metrics"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// BeginHandoff quiesces the real entity and asks target to take over authority
//
// If keepGhost is set, the entity stays here as a ghost of the new real once the handoff completes.
func (r *Replicator) BeginHandoff(e *entity.Entity, target common.Addr, keepGhost bool) error {
	if target == r.cfg.LocalAddr {
		return errors.Errorf("%s: handoff to self", e)
	}
	if r.tracker.IsDead(target) {
		return errors.Errorf("%s: handoff target %s is dead", e, target)
	}
	if r.tick < e.HandoffCooldownUntil() {
		return errors.Errorf("%s: handoff cooling down until tick %d", e, e.HandoffCooldownUntil())
	}

	// haunts must have every change before the stream of this real ends
	r.flushEntity(e)
	h := &entity.Handoff{
		ID:        common.GenHandoffID(),
		Target:    target,
		KeepGhost: keepGhost,
		Attempts:  1,
		StartTick: r.tick,
		SentTick:  r.tick,
	}
	if err := e.BeginHandoff(h); err != nil {
		return err
	}
	r.handoffs[h.ID] = e
	r.sendOnload(e, h)
	metrics.RecordHandoff(r.cfg.Name, "started")
	if consts.DEBUG_HANDOFF {
		gwlog.Debugf("%s: %s handoff %s to %s started", r.cfg.Name, e, h.ID, target)
	}
	return nil
}

func (r *Replicator) sendOnload(e *entity.Entity, h *entity.Handoff) {
	r.send(h.Target, proto.EncodeOnload(&proto.Onload{
		HandoffID: h.ID,
		Attempt:   uint16(h.Attempts),
		EntityID:  e.ID,
		State:     e.State(),
		Haunts:    e.HauntAddrs(),
		KeepGhost: h.KeepGhost,
	}, r.cfg.CompressThreshold))
}

// HandleOnload makes the entity real here and acknowledges the promotion request
func (r *Replicator) HandleOnload(src common.Addr, m *proto.Onload) {
	if r.tracker.IsDead(src) {
		gwlog.Warnf("%s: ignore onload of %s from dead peer %s", r.cfg.Name, m.EntityID, src)
		return
	}

	if real := r.registry.FindReal(m.EntityID); real != nil {
		if real.PromotedBy() == m.HandoffID {
			// the ack was lost and the request retried
			gwlog.Infof("%s: onload %s of %s attempt %d: already real here, ack again", r.cfg.Name, m.HandoffID, m.EntityID, m.Attempt)
			r.sendOnloadAck(src, m, true, "")
			return
		}
		r.report(diag.DuplicateAuthority, m.EntityID, src, "promotion request for an entity that is real here", &m.State)
		r.sendOnloadAck(src, m, false, "duplicate authority")
		metrics.RecordHandoff(r.cfg.Name, "refused")
		return
	}

	var e *entity.Entity
	if ghost := r.registry.FindGhost(m.EntityID); ghost != nil {
		if ghost.RealAddr() != src {
			gwlog.Warnf("%s: onload of %s from %s, but the ghost follows %s", r.cfg.Name, m.EntityID, src, ghost.RealAddr())
		}
		ghost.ApplyState(m.State)
		var err error
		if e, err = r.registry.PromoteGhostToReal(m.EntityID); err != nil {
			gwlog.Errorf("%s: onload %s: %v", r.cfg.Name, m.HandoffID, err)
			r.sendOnloadAck(src, m, false, err.Error())
			return
		}
	} else {
		e = entity.NewEntity(m.EntityID, m.State)
		if err := r.registry.RegisterReal(e); err != nil {
			gwlog.Errorf("%s: onload %s: %v", r.cfg.Name, m.HandoffID, err)
			r.sendOnloadAck(src, m, false, err.Error())
			return
		}
	}
	e.SetPromotedBy(m.HandoffID)
	r.buffer.DropEntity(m.EntityID)

	for _, addr := range m.Haunts {
		if addr != r.cfg.LocalAddr && !r.tracker.IsDead(addr) {
			e.AddHaunt(addr, r.tick)
		}
	}
	if m.KeepGhost {
		e.AddHaunt(src, r.tick)
	}

	r.sendOnloadAck(src, m, true, "")
	for _, addr := range e.HauntAddrs() {
		r.sendGhostMessage(addr, &proto.GhostMessage{
			Type:     proto.MT_GHOST_SET_REAL,
			EntityID: e.ID,
			Seq:      e.Haunt(addr).NextSeq(),
		})
	}
	metrics.RecordHandoff(r.cfg.Name, "promoted")
	gwlog.Infof("%s: %s is real here, handoff %s from %s", r.cfg.Name, e, m.HandoffID, src)
}

func (r *Replicator) sendOnloadAck(to common.Addr, m *proto.Onload, accepted bool, reason string) {
	r.send(to, proto.EncodeOnloadAck(&proto.OnloadAck{
		HandoffID: m.HandoffID,
		EntityID:  m.EntityID,
		Accepted:  accepted,
		Reason:    reason,
	}))
}

// HandleOnloadAck completes or rolls back a handoff
func (r *Replicator) HandleOnloadAck(src common.Addr, m *proto.OnloadAck) {
	if c, ok := r.tracker.TakeCancelledHandoff(m.HandoffID); ok {
		if m.Accepted {
			// the entity was destroyed while the request was in flight
			gwlog.Infof("%s: late ack of cancelled handoff %s, destroying %s on %s", r.cfg.Name, m.HandoffID, c.EntityID, src)
			r.send(src, proto.EncodeDestroyEntity(&proto.DestroyEntity{EntityID: c.EntityID}))
		}
		return
	}

	e := r.handoffs[m.HandoffID]
	if e == nil || e.Handoff() == nil || e.Handoff().ID != m.HandoffID {
		if consts.DEBUG_HANDOFF {
			gwlog.Debugf("%s: ignore ack of unknown handoff %s from %s", r.cfg.Name, m.HandoffID, src)
		}
		return
	}
	delete(r.handoffs, m.HandoffID)
	h := e.Handoff()

	if !m.Accepted {
		gwlog.Warnf("%s: handoff %s of %s refused by %s: %s", r.cfg.Name, h.ID, e, src, m.Reason)
		e.RollbackHandoff(r.tick + r.cfg.HandoffCooldownTicks)
		metrics.RecordHandoff(r.cfg.Name, "refused")
		return
	}

	if err := e.CompleteHandoff(); err != nil {
		gwlog.Errorf("%s: %v", r.cfg.Name, err)
		return
	}
	for _, addr := range e.HauntAddrs() {
		if addr == h.Target {
			continue
		}
		r.sendGhostMessage(addr, &proto.GhostMessage{
			Type:     proto.MT_GHOST_SET_NEXT_REAL,
			EntityID: e.ID,
			Seq:      e.Haunt(addr).NextSeq(),
			NextReal: h.Target,
		})
	}

	if h.KeepGhost {
		r.registry.DemoteRealToGhost(e.ID, h.Target)
	} else {
		r.registry.Destroy(e.ID)
		r.buffer.DropEntity(e.ID)
	}
	metrics.RecordHandoff(r.cfg.Name, "completed")
	gwlog.Infof("%s: %s handed off to %s after %d ticks", r.cfg.Name, e, h.Target, r.tick-h.StartTick)
}

// CheckHandoffs retries unanswered promotion requests and gives up after the configured retries
func (r *Replicator) CheckHandoffs() {
	for _, hid := range sortedHandoffIDs(r.handoffs) {
		e := r.handoffs[hid]
		h := e.Handoff()
		if r.tick < h.SentTick+r.cfg.HandoffTimeoutTicks {
			continue
		}

		if h.Attempts > r.cfg.HandoffMaxRetries {
			r.giveUpHandoff(e, h)
			continue
		}
		h.Attempts++
		h.SentTick = r.tick
		gwlog.Warnf("%s: handoff %s of %s to %s timed out, attempt %d", r.cfg.Name, h.ID, e, h.Target, h.Attempts)
		r.sendOnload(e, h)
		metrics.RecordHandoff(r.cfg.Name, "retried")
	}
}

func (r *Replicator) giveUpHandoff(e *entity.Entity, h *entity.Handoff) {
	delete(r.handoffs, h.ID)
	snapshot := e.State()
	r.report(diag.HandoffTimeout, e.ID, h.Target, "promotion request never answered", nil)
	r.report(diag.ConsistencyViolation, e.ID, h.Target, "entity lost in handoff "+string(h.ID), &snapshot)
	metrics.RecordHandoff(r.cfg.Name, "timeout")

	for _, addr := range e.HauntAddrs() {
		if addr != h.Target {
			r.RemoveHaunt(e, addr)
		}
	}
	r.registry.Destroy(e.ID)
	r.buffer.DropEntity(e.ID)
	if r.OnRealLost != nil {
		r.OnRealLost(e)
	}
}
