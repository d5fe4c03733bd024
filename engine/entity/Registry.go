package entity

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/go-aoi"
)

type spaceAOI struct {
	mgr   aoi.AOIManager
	count int
}

// Registry owns the real and ghost entities of one cellapp
//
// Registry is not safe for concurrent use; it belongs to the tick goroutine.
type Registry struct {
	reals  EntityMap
	ghosts EntityMap
	spaces map[common.SpaceID]*spaceAOI
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		reals:  EntityMap{},
		ghosts: EntityMap{},
		spaces: map[common.SpaceID]*spaceAOI{},
	}
}

// FindReal returns the real entity of id on this cellapp, or nil
func (r *Registry) FindReal(id common.EntityID) *Entity {
	return r.reals.Get(id)
}

// FindGhost returns the ghost of id on this cellapp, or nil
func (r *Registry) FindGhost(id common.EntityID) *Entity {
	return r.ghosts.Get(id)
}

// Find returns the real or ghost of id, or nil
func (r *Registry) Find(id common.EntityID) *Entity {
	if e := r.reals.Get(id); e != nil {
		return e
	}
	return r.ghosts.Get(id)
}

// RegisterReal adds a real entity created by NewEntity
func (r *Registry) RegisterReal(e *Entity) error {
	if r.reals.Get(e.ID) != nil {
		return errors.Wrapf(ErrDuplicateAuthority, "register real %s", e.ID)
	}
	if r.ghosts.Get(e.ID) != nil {
		return errors.Wrapf(ErrGhostExists, "register real %s", e.ID)
	}

	e.isReal = true
	e.authority = AuthorityActive
	e.registry = r
	r.reals.Add(e)
	r.enterAOI(e)
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("Registry: register real %s at %s", e, e.position)
	}
	return nil
}

// RegisterGhost creates a ghost of id following the real entity on src
func (r *Registry) RegisterGhost(id common.EntityID, src common.Addr, state State) (*Entity, error) {
	if r.reals.Get(id) != nil {
		return nil, errors.Wrapf(ErrDuplicateAuthority, "register ghost %s from %s", id, src)
	}
	if r.ghosts.Get(id) != nil {
		return nil, errors.Wrapf(ErrGhostExists, "register ghost %s from %s", id, src)
	}

	e := newEntity(id, state)
	e.realAddr = src
	e.registry = r
	r.ghosts.Add(e)
	r.enterAOI(e)
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("Registry: register ghost %s from %s", e, src)
	}
	return e, nil
}

// PromoteGhostToReal turns the ghost of id into the real entity
func (r *Registry) PromoteGhostToReal(id common.EntityID) (*Entity, error) {
	if r.reals.Get(id) != nil {
		return nil, errors.Wrapf(ErrDuplicateAuthority, "promote %s", id)
	}
	e := r.ghosts.Get(id)
	if e == nil {
		return nil, errors.Wrapf(ErrNoSuchGhost, "promote %s", id)
	}

	r.ghosts.Del(id)
	r.reals.Add(e)
	e.isReal = true
	e.authority = AuthorityActive
	e.realAddr = ""
	e.nextRealAddr = ""
	e.stale = false
	e.lastSeq = map[common.Addr]uint32{}
	e.haunts = map[common.Addr]*Haunt{}
	e.handoff = nil
	e.clearDelta()

	r.callBehavior(e, func(b Behavior) { b.OnPromoted(e) })
	return e, nil
}

// DemoteRealToGhost turns the real entity of id into a ghost following newSrc
func (r *Registry) DemoteRealToGhost(id common.EntityID, newSrc common.Addr) (*Entity, error) {
	e := r.reals.Get(id)
	if e == nil {
		return nil, errors.Wrapf(ErrNoSuchReal, "demote %s", id)
	}

	r.reals.Del(id)
	r.ghosts.Add(e)
	e.isReal = false
	e.authority = AuthorityTransferred
	e.realAddr = newSrc
	e.nextRealAddr = ""
	e.stale = false
	e.lastSeq = map[common.Addr]uint32{}
	e.haunts = map[common.Addr]*Haunt{}
	e.handoff = nil
	e.promotedBy = ""
	e.clearDelta()

	r.callBehavior(e, func(b Behavior) { b.OnDemoted(e) })
	return e, nil
}

// Destroy removes the real or ghost of id; it returns nil if none exists
func (r *Registry) Destroy(id common.EntityID) *Entity {
	e := r.reals.Get(id)
	if e != nil {
		r.reals.Del(id)
	} else if e = r.ghosts.Get(id); e != nil {
		r.ghosts.Del(id)
	} else {
		return nil
	}

	r.leaveAOI(e)
	e.destroyed = true
	e.registry = nil
	if consts.DEBUG_GHOSTS {
		gwlog.Debugf("Registry: destroyed %s", e)
	}
	return e
}

// Reals returns all real entities ordered by ID
func (r *Registry) Reals() []*Entity {
	return r.reals.Sorted()
}

// Ghosts returns all ghosts ordered by ID
func (r *Registry) Ghosts() []*Entity {
	return r.ghosts.Sorted()
}

// NumReals returns the number of real entities
func (r *Registry) NumReals() int {
	return len(r.reals)
}

// NumGhosts returns the number of ghosts
func (r *Registry) NumGhosts() int {
	return len(r.ghosts)
}

// Spaces returns the spaces that have at least one entity here
func (r *Registry) Spaces() []common.SpaceID {
	ids := make([]common.SpaceID, 0, len(r.spaces))
	for id := range r.spaces {
		ids = append(ids, id)
	}
	return ids
}

// StepReals calls OnStep of every active real entity
func (r *Registry) StepReals(dt time.Duration) {
	for _, e := range r.reals.Sorted() {
		if !e.IsActive() {
			continue
		}
		r.callBehavior(e, func(b Behavior) { b.OnStep(e, dt) })
	}
}

func (r *Registry) callBehavior(e *Entity, f func(b Behavior)) {
	b := e.desc.Behavior
	if b == nil {
		return
	}
	gwutils.RunPanicless(func() {
		f(b)
	})
}

func (r *Registry) enterAOI(e *Entity) {
	sa := r.spaces[e.SpaceID]
	if sa == nil {
		sa = &spaceAOI{mgr: aoi.NewXZListAOIManager(aoi.Coord(_DEFAULT_AOI_DISTANCE))}
		r.spaces[e.SpaceID] = sa
		if consts.DEBUG_SPACES {
			gwlog.Debugf("Registry: space %d referenced", e.SpaceID)
		}
	}
	sa.count++
	sa.mgr.Enter(&e.aoi, aoi.Coord(e.position.X), aoi.Coord(e.position.Z))
	e.inAOI = true
}

func (r *Registry) leaveAOI(e *Entity) {
	if !e.inAOI {
		return
	}
	sa := r.spaces[e.SpaceID]
	sa.mgr.Leave(&e.aoi)
	e.inAOI = false
	for neighbor := range e.Neighbors {
		neighbor.Neighbors.Del(e)
	}
	e.Neighbors = EntitySet{}

	sa.count--
	if sa.count == 0 {
		delete(r.spaces, e.SpaceID)
		if consts.DEBUG_SPACES {
			gwlog.Debugf("Registry: space %d released", e.SpaceID)
		}
	}
}

func (r *Registry) moved(e *Entity) {
	if !e.inAOI {
		return
	}
	r.spaces[e.SpaceID].mgr.Moved(&e.aoi, aoi.Coord(e.position.X), aoi.Coord(e.position.Z))
}
