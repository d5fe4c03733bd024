package cellapp

import (
	"time"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/metrics"
	timer "github.com/xiaonanln/goTimer"
)

// OnMessage queues an inbound message for the next drain phase
//
// It is called by the transport, possibly from another goroutine, and never blocks: a backlog
// above the inbound queue size is counted and reported instead.
func (a *CellApp) OnMessage(src common.Addr, payload []byte) {
	a.pushInbound(inboundItem{src: src, payload: payload})
}

// OnPeerUnreachable queues the death of a peer; it is handled in order with the inbound messages
func (a *CellApp) OnPeerUnreachable(addr common.Addr) {
	a.pushInbound(inboundItem{src: addr, unreachable: true})
}

func (a *CellApp) pushInbound(item inboundItem) {
	a.inbound.Push(item)
	if n := a.inbound.Len(); n > a.inboundHighWater {
		metrics.RecordInboundBacklog(a.name)
		if a.backlogLog.Allow() {
			gwlog.Warnf("%s: %d inbound messages pending, over the queue size %d", a.name, n, a.inboundHighWater)
		}
	}
}

// DrainInbound runs posted callbacks and handles at most budget inbound messages
func (a *CellApp) DrainInbound(tick uint64, budget int) (drained int, remaining int) {
	a.repl.SetTick(tick)
	a.post.Tick()

	for budget <= 0 || drained < budget {
		v, ok := a.inbound.TryPop()
		if !ok {
			return drained, 0
		}
		item := v.(inboundItem)
		drained++
		if item.unreachable {
			a.notifier.PublishDeath(item.src)
			continue
		}
		if a.notifier.IsDead(item.src) {
			if consts.DEBUG_PACKETS {
				gwlog.Debugf("%s: drop message from dead peer %s", a.name, item.src)
			}
			continue
		}
		a.repl.HandleMessage(item.src, item.payload)
	}
	return drained, a.inbound.Len()
}

// StepEntities runs the behavior of every active real entity
func (a *CellApp) StepEntities(tick uint64, dt time.Duration) {
	a.registry.StepReals(dt)
}

// EvaluateBoundaries starts handoffs of entities that left the local cells and keeps their ghosts
// on the cellapps within ghost distance
func (a *CellApp) EvaluateBoundaries(tick uint64, throttle float64) {
	deleteBudget := int(float64(a.sim.MaxGhostsToDelete) * throttle)
	if deleteBudget < 1 {
		deleteBudget = 1
	}

	for _, e := range a.registry.Reals() {
		if !e.IsActive() {
			continue
		}
		pos := e.Position()
		x, z := float32(pos.X), float32(pos.Z)
		if owner, ok := a.directory.CellForPoint(e.SpaceID, x, z); ok && owner.Host != a.localAddr {
			if a.startHandoff(e, owner.Host, x, z, tick) {
				continue
			}
		}
		deleteBudget -= a.updateHaunts(e, x, z, tick, deleteBudget)
	}

	// under pressure, check timeouts of in-flight handoffs every other tick
	if throttle >= 0.5 || tick%2 == 0 {
		a.repl.CheckHandoffs()
	}
}

func (a *CellApp) startHandoff(e *entity.Entity, target common.Addr, x, z float32, tick uint64) bool {
	if tick < e.HandoffCooldownUntil() || a.notifier.IsDead(target) {
		return false
	}
	keepGhost := false
	for _, c := range a.directory.CellsNear(e.SpaceID, x, z, a.sim.GhostDistance) {
		if c.Host == a.localAddr {
			keepGhost = true
			break
		}
	}
	if err := a.repl.BeginHandoff(e, target, keepGhost); err != nil {
		gwlog.Warnf("%s: %v", a.name, err)
		return false
	}
	return true
}

// updateHaunts adds ghosts within ghost distance and deletes at most budget ghosts beyond the hysteresis band
func (a *CellApp) updateHaunts(e *entity.Entity, x, z float32, tick uint64, budget int) (deleted int) {
	wanted := common.AddrSet{}
	keep := common.AddrSet{}
	for _, c := range a.directory.CellsNear(e.SpaceID, x, z, a.sim.GhostDistance+a.sim.GhostHysteresis) {
		if c.Host == a.localAddr || a.notifier.IsDead(c.Host) {
			continue
		}
		keep.Add(c.Host)
		if c.Rect.DistanceTo(x, z) <= a.sim.GhostDistance {
			wanted.Add(c.Host)
		}
	}

	for _, addr := range wanted.Sorted() {
		if e.Haunt(addr) == nil {
			a.repl.AddHaunt(e, addr)
		}
	}

	for _, addr := range e.HauntAddrs() {
		if keep.Contains(addr) {
			continue
		}
		if deleted >= budget {
			break
		}
		h := e.Haunt(addr)
		if tick < h.CreatedTick+a.sim.MinGhostLifespanTicks {
			continue
		}
		if a.repl.RemoveHaunt(e, addr) {
			deleted++
		}
	}
	return
}

// FlushOutbound replicates the changes of this tick and sends everything queued for the peers
func (a *CellApp) FlushOutbound(tick uint64) {
	a.repl.FlushDirty()
	a.flushOutbox()
	a.updateGauges()
	timer.Tick()
}

func (a *CellApp) send(to common.Addr, payload []byte) {
	a.outbox = append(a.outbox, outboundItem{to, payload})
}

func (a *CellApp) flushOutbox() {
	outbox := a.outbox
	a.outbox = nil
	for _, item := range outbox {
		if a.notifier.IsDead(item.to) {
			continue
		}
		a.transport.Send(item.to, item.payload)
	}
}

func (a *CellApp) updateGauges() {
	reals, ghosts := a.registry.NumReals(), a.registry.NumGhosts()
	metrics.SetEntities(a.name, reals, ghosts)
	metrics.SetBuffered(a.name, a.buffer.Len())
	metrics.SetTombstones(a.name, a.tracker.NumTombstones())
}
