package cellapp

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

var (
	// ErrNotLocal means the position is not inside a cell hosted by this cellapp
	ErrNotLocal = errors.New("position is not in a local cell")
	// ErrNotRunning means the cellapp is not started or already stopped
	ErrNotRunning = errors.New("cellapp is not running")
)

// CreateCallback is called on the tick goroutine once a created entity is registered
type CreateCallback func(e *entity.Entity, err error)

// CreateEntity creates a real entity at pos, which must be inside a local cell
//
// An entity of a persistent type is loaded from storage first; the saved state, if any,
// replaces the given one. A nil id creates a new entity.
func (a *CellApp) CreateEntity(typeName string, id common.EntityID, spaceID common.SpaceID, pos entity.Vector3, props map[string]interface{}, callback CreateCallback) {
	if callback == nil {
		callback = func(e *entity.Entity, err error) {
			if err != nil {
				gwlog.Errorf("%s: create %s %s failed: %v", a.name, typeName, id, err)
			}
		}
	}
	if !a.IsRunning() {
		callback(nil, ErrNotRunning)
		return
	}
	if id.IsNil() {
		id = common.GenEntityID()
	}
	if err := a.checkLocal(spaceID, pos); err != nil {
		callback(nil, errors.Wrapf(err, "create %s %s at %s", typeName, id, pos))
		return
	}

	state := entity.State{
		TypeName: typeName,
		SpaceID:  spaceID,
		Position: pos,
		Props:    props,
	}
	desc := entity.GetEntityTypeDesc(typeName)
	if a.storage == nil || desc == nil || !desc.IsPersistent {
		e, err := a.registerReal(id, state)
		callback(e, err)
		return
	}

	a.storage.Load(typeName, id, func(saved *entity.State, err error) {
		if err != nil {
			callback(nil, errors.Wrapf(err, "load %s %s", typeName, id))
			return
		}
		if saved != nil {
			if consts.DEBUG_SAVE_LOAD {
				gwlog.Debugf("%s: %s %s loaded at %s", a.name, typeName, id, saved.Position)
			}
			state = *saved
		}
		if !a.IsRunning() {
			callback(nil, ErrNotRunning)
			return
		}
		e, err := a.registerReal(id, state)
		callback(e, err)
	})
}

func (a *CellApp) checkLocal(spaceID common.SpaceID, pos entity.Vector3) error {
	cell, ok := a.directory.CellForPoint(spaceID, float32(pos.X), float32(pos.Z))
	if !ok || cell.Host != a.localAddr {
		return ErrNotLocal
	}
	return nil
}

func (a *CellApp) registerReal(id common.EntityID, state entity.State) (*entity.Entity, error) {
	if ghost := a.registry.FindGhost(id); ghost != nil {
		// the entity is real on the cellapp this ghost follows
		a.reporter.Report(diag.Violation{
			Kind:      diag.DuplicateAuthority,
			EntityID:  id,
			LocalAddr: a.localAddr,
			PeerAddr:  ghost.RealAddr(),
			Tick:      a.scheduler.CurrentTick(),
			Detail:    "create of an entity that has a ghost here",
		})
		return nil, errors.Wrapf(entity.ErrDuplicateAuthority, "create %s", id)
	}
	e := entity.NewEntity(id, state)
	if err := a.registry.RegisterReal(e); err != nil {
		return nil, err
	}
	e.SetLastCheckpointTick(a.scheduler.CurrentTick())
	gwlog.Infof("%s: %s created at %s", a.name, e, e.Position())
	return e, nil
}

// DestroyEntity despawns the entity; the request is forwarded to its real if it is a ghost here
func (a *CellApp) DestroyEntity(id common.EntityID) {
	a.repl.RequestDestroy(id)
}

func (a *CellApp) onRealDestroyed(e *entity.Entity) {
	a.save(e, "despawn")
}

func (a *CellApp) onRealLost(e *entity.Entity) {
	gwlog.Errorf("%s: %s lost in handoff, last state kept in the violation report", a.name, e)
}

// checkpoint saves every active persistent real entity
func (a *CellApp) checkpoint(tick uint64) {
	n := 0
	for _, e := range a.registry.Reals() {
		if !e.IsActive() {
			continue
		}
		if a.save(e, "checkpoint") {
			e.SetLastCheckpointTick(tick)
			n++
		}
	}
	if n > 0 {
		gwlog.Infof("%s: checkpoint at tick %d saved %d entities", a.name, tick, n)
	}
}

func (a *CellApp) save(e *entity.Entity, reason string) bool {
	if a.storage == nil || !e.Desc().IsPersistent {
		return false
	}
	id, typeName := e.ID, e.TypeName
	a.storage.Save(typeName, id, e.State(), func(err error) {
		if err != nil {
			gwlog.Errorf("%s: %s save %s %s failed: %v", a.name, reason, typeName, id, err)
		} else if consts.DEBUG_SAVE_LOAD {
			gwlog.Debugf("%s: %s saved %s %s", a.name, reason, typeName, id)
		}
	})
	return true
}
