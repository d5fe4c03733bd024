// Package replication keeps ghosts in sync with their real entities and moves authority between cellapps
package replication

import (
	"sort"

	"github.com/xiaonanln/cellworld/engine/buffering"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/metrics"
	"github.com/xiaonanln/cellworld/engine/proto"
	"github.com/xiaonanln/cellworld/engine/tombstone"
	"golang.org/x/time/rate"
)

// Sender queues an outbound message; it must not block
type Sender interface {
	Send(to common.Addr, payload []byte)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(to common.Addr, payload []byte)

// Send calls f(to, payload)
func (f SenderFunc) Send(to common.Addr, payload []byte) {
	f(to, payload)
}

// Config holds the replication parameters of one cellapp
type Config struct {
	Name                 string // cellapp name used in logs and metrics
	LocalAddr            common.Addr
	HandoffTimeoutTicks  uint64
	HandoffMaxRetries    int
	HandoffCooldownTicks uint64
	CompressThreshold    int
}

// Replicator implements the ghost replication protocol of one cellapp
//
// Replicator is not safe for concurrent use; every method is called from the tick goroutine.
type Replicator struct {
	cfg      Config
	registry *entity.Registry
	buffer   *buffering.Layer
	tracker  *tombstone.Tracker
	reporter *diag.Reporter
	out      Sender

	tick     uint64
	draining bool
	handoffs map[common.HandoffID]*entity.Entity
	staleLog *rate.Limiter

	// OnRealDestroyed is called after a real entity is destroyed by despawn
	OnRealDestroyed func(e *entity.Entity)
	// OnRealLost is called after a real entity is dropped because its handoff timed out
	OnRealLost func(e *entity.Entity)
}

// New creates a Replicator
func New(cfg Config, registry *entity.Registry, buffer *buffering.Layer, tracker *tombstone.Tracker, reporter *diag.Reporter, out Sender) *Replicator {
	return &Replicator{
		cfg:      cfg,
		registry: registry,
		buffer:   buffer,
		tracker:  tracker,
		reporter: reporter,
		out:      out,
		handoffs: map[common.HandoffID]*entity.Entity{},
		staleLog: rate.NewLimiter(rate.Limit(consts.STALE_MESSAGE_LOG_RATE), consts.STALE_MESSAGE_LOG_RATE),
	}
}

// SetTick sets the current logical tick
func (r *Replicator) SetTick(tick uint64) {
	r.tick = tick
}

// Tick returns the current logical tick
func (r *Replicator) Tick() uint64 {
	return r.tick
}

// LocalAddr returns the address of this cellapp
func (r *Replicator) LocalAddr() common.Addr {
	return r.cfg.LocalAddr
}

// HandleMessage decodes and handles one inbound message from src
func (r *Replicator) HandleMessage(src common.Addr, payload []byte) {
	msg, err := proto.Decode(src, payload)
	if err != nil {
		gwlog.Errorf("%s: drop message: %v", r.cfg.Name, err)
		return
	}
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("%s: <<< %s from %s", r.cfg.Name, proto.PeekMsgType(payload), src)
	}

	switch m := msg.(type) {
	case *proto.GhostMessage:
		r.HandleGhostMessage(m)
	case *proto.Onload:
		r.HandleOnload(src, m)
	case *proto.OnloadAck:
		r.HandleOnloadAck(src, m)
	case *proto.DestroyEntity:
		r.HandleDestroyEntity(src, m)
	}
}

// OnPeerDeath freezes ghosts of reals on the dead peer, forgets haunts on it and rolls back handoffs to it
func (r *Replicator) OnPeerDeath(dead common.Addr) {
	stale := 0
	for _, g := range r.registry.Ghosts() {
		if (g.RealAddr() == dead && g.NextRealAddr().IsNil()) || g.NextRealAddr() == dead {
			if !g.IsStale() {
				g.MarkStale()
				stale++
			}
		}
	}

	rolledBack := 0
	for _, e := range r.registry.Reals() {
		e.RemoveHaunt(dead)
		if h := e.Handoff(); h != nil && h.Target == dead {
			delete(r.handoffs, h.ID)
			e.RollbackHandoff(r.tick + r.cfg.HandoffCooldownTicks)
			metrics.RecordHandoff(r.cfg.Name, "rolled_back")
			rolledBack++
		}
	}
	gwlog.Warnf("%s: peer %s died: %d ghosts frozen, %d handoffs rolled back", r.cfg.Name, dead, stale, rolledBack)
}

// NumPendingHandoffs returns the number of promotion requests waiting for an answer
func (r *Replicator) NumPendingHandoffs() int {
	return len(r.handoffs)
}

func (r *Replicator) send(to common.Addr, payload []byte) {
	if consts.DEBUG_PACKETS {
		gwlog.Debugf("%s: >>> %s to %s", r.cfg.Name, proto.PeekMsgType(payload), to)
	}
	r.out.Send(to, payload)
}

func (r *Replicator) sendGhostMessage(to common.Addr, m *proto.GhostMessage) {
	r.send(to, proto.EncodeGhostMessage(m, r.cfg.CompressThreshold))
}

func (r *Replicator) report(kind diag.Kind, id common.EntityID, peer common.Addr, detail string, snapshot *entity.State) {
	v := diag.Violation{
		Kind:      kind,
		EntityID:  id,
		LocalAddr: r.cfg.LocalAddr,
		PeerAddr:  peer,
		Tick:      r.tick,
		Detail:    detail,
	}
	if snapshot != nil {
		v.Snapshot = map[string]interface{}{
			"type":     snapshot.TypeName,
			"space":    snapshot.SpaceID,
			"position": snapshot.Position.String(),
			"yaw":      snapshot.Yaw,
			"props":    snapshot.Props,
		}
	}
	r.reporter.Report(v)
}

func sortedHandoffIDs(handoffs map[common.HandoffID]*entity.Entity) []common.HandoffID {
	ids := make([]common.HandoffID, 0, len(handoffs))
	for id := range handoffs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
