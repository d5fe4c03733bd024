package entity

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/go-aoi"
	"github.com/xiaonanln/typeconv"
)

// AuthorityState is the handoff phase of a real entity
type AuthorityState int

const (
	// AuthorityActive means the real entity runs behavior and replicates its state
	AuthorityActive AuthorityState = iota
	// AuthorityQuiescing means a promotion request is in flight; the entity is frozen
	AuthorityQuiescing
	// AuthorityTransferred means the promotion was acknowledged; the instance is no longer real
	AuthorityTransferred
)

func (s AuthorityState) String() string {
	switch s {
	case AuthorityActive:
		return "Active"
	case AuthorityQuiescing:
		return "Quiescing"
	case AuthorityTransferred:
		return "Transferred"
	}
	return fmt.Sprintf("AuthorityState(%d)", int(s))
}

// Haunt is a ghost of a real entity hosted by another cellapp
type Haunt struct {
	Addr        common.Addr
	CreatedTick uint64
	lastSeq     uint32
}

// NextSeq allocates the sequence marker of the next message sent to this haunt
func (h *Haunt) NextSeq() uint32 {
	h.lastSeq++
	return h.lastSeq
}

// Handoff is the outstanding promotion request of a quiescing real entity
type Handoff struct {
	ID        common.HandoffID
	Target    common.Addr
	KeepGhost bool
	Attempts  int
	StartTick uint64
	SentTick  uint64
}

// State is the full replicated state of an entity
type State struct {
	TypeName string
	SpaceID  common.SpaceID
	Position Vector3
	Yaw      Yaw
	Props    map[string]interface{}
}

// Delta is the replicated change of an entity since the last flush
type Delta struct {
	Position *Vector3
	Yaw      *Yaw
	Set      map[string]interface{}
	Deleted  []string
}

// IsEmpty returns if the delta carries no change
func (d *Delta) IsEmpty() bool {
	return d.Position == nil && d.Yaw == nil && len(d.Set) == 0 && len(d.Deleted) == 0
}

// Entity is a real or ghost instance of one simulated entity on this cellapp
type Entity struct {
	ID        common.EntityID
	TypeName  string
	SpaceID   common.SpaceID
	Neighbors EntitySet

	position  Vector3
	yaw       Yaw
	props     map[string]interface{}
	desc      *EntityTypeDesc
	registry  *Registry
	aoi       aoi.AOI
	inAOI     bool
	isReal    bool
	destroyed bool

	// real side
	authority      AuthorityState
	haunts         map[common.Addr]*Haunt
	handoff        *Handoff
	cooldownUntil  uint64
	promotedBy     common.HandoffID
	posDirty       bool
	yawDirty       bool
	dirtyProps     common.StringSet
	deletedProps   common.StringSet
	lastCheckpoint uint64

	// ghost side
	realAddr     common.Addr
	nextRealAddr common.Addr
	stale        bool
	lastSeq      map[common.Addr]uint32
}

// NewEntity creates an unregistered real entity
func NewEntity(id common.EntityID, state State) *Entity {
	e := newEntity(id, state)
	e.isReal = true
	e.authority = AuthorityActive
	return e
}

func newEntity(id common.EntityID, state State) *Entity {
	e := &Entity{
		ID:           id,
		TypeName:     state.TypeName,
		SpaceID:      state.SpaceID,
		Neighbors:    EntitySet{},
		position:     state.Position,
		yaw:          state.Yaw,
		props:        map[string]interface{}{},
		desc:         getEntityTypeDesc(state.TypeName),
		haunts:       map[common.Addr]*Haunt{},
		dirtyProps:   common.StringSet{},
		deletedProps: common.StringSet{},
		lastSeq:      map[common.Addr]uint32{},
	}
	for k, v := range state.Props {
		e.props[k] = normalizeValue(v)
	}
	aoi.InitAOI(&e.aoi, aoi.Coord(_DEFAULT_AOI_DISTANCE), e, e)
	return e
}

func (e *Entity) String() string {
	kind := "ghost"
	if e.isReal {
		kind = "real"
	}
	return fmt.Sprintf("%s<%s|%s>", e.TypeName, e.ID, kind)
}

// IsReal returns if this instance is the authoritative one
func (e *Entity) IsReal() bool {
	return e.isReal
}

// IsGhost returns if this instance is a ghost
func (e *Entity) IsGhost() bool {
	return !e.isReal
}

// IsDestroyed returns if the entity has been removed from its registry
func (e *Entity) IsDestroyed() bool {
	return e.destroyed
}

// Desc returns the entity type description
func (e *Entity) Desc() *EntityTypeDesc {
	return e.desc
}

// Authority returns the handoff phase of a real entity
func (e *Entity) Authority() AuthorityState {
	return e.authority
}

// IsActive returns if the entity is real and not involved in a handoff
func (e *Entity) IsActive() bool {
	return e.isReal && e.authority == AuthorityActive && !e.destroyed
}

// Position returns the entity position
func (e *Entity) Position() Vector3 {
	return e.position
}

// Yaw returns the entity yaw
func (e *Entity) Yaw() Yaw {
	return e.yaw
}

func (e *Entity) checkWritable(op string) error {
	if !e.IsActive() {
		err := errors.Errorf("%s: %s on entity that is not an active real (authority=%s)", e, op, e.authority)
		gwlog.Errorf("%v", err)
		return err
	}
	return nil
}

// SetPosition moves a real entity
func (e *Entity) SetPosition(pos Vector3) error {
	if err := e.checkWritable("SetPosition"); err != nil {
		return err
	}
	if pos == e.position {
		return nil
	}
	e.position = pos
	e.posDirty = true
	if e.registry != nil {
		e.registry.moved(e)
	}
	return nil
}

// SetYaw turns a real entity
func (e *Entity) SetYaw(yaw Yaw) error {
	if err := e.checkWritable("SetYaw"); err != nil {
		return err
	}
	if yaw == e.yaw {
		return nil
	}
	e.yaw = yaw
	e.yawDirty = true
	return nil
}

// Set sets a script-visible property of a real entity
func (e *Entity) Set(key string, val interface{}) error {
	if err := e.checkWritable("Set"); err != nil {
		return err
	}
	val = normalizeValue(val)
	if old, ok := e.props[key]; ok && reflect.DeepEqual(old, val) {
		return nil
	}
	e.props[key] = val
	e.dirtyProps.Add(key)
	e.deletedProps.Remove(key)
	return nil
}

// Del deletes a script-visible property of a real entity
func (e *Entity) Del(key string) error {
	if err := e.checkWritable("Del"); err != nil {
		return err
	}
	if _, ok := e.props[key]; !ok {
		return nil
	}
	delete(e.props, key)
	e.dirtyProps.Remove(key)
	e.deletedProps.Add(key)
	return nil
}

// HasKey returns if the property exists
func (e *Entity) HasKey(key string) bool {
	_, ok := e.props[key]
	return ok
}

// Get returns a property value
func (e *Entity) Get(key string) interface{} {
	return e.props[key]
}

// GetInt returns a property as int64
func (e *Entity) GetInt(key string) int64 {
	val, ok := e.props[key]
	if !ok {
		return 0
	}
	return typeconv.Int(val)
}

// GetFloat returns a property as float64
func (e *Entity) GetFloat(key string) float64 {
	val, ok := e.props[key]
	if !ok {
		return 0
	}
	return typeconv.Convert(val, reflect.TypeOf(float64(0))).Float()
}

// GetStr returns a property as string
func (e *Entity) GetStr(key string) string {
	val, ok := e.props[key]
	if !ok {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}

// Props returns a copy of all properties
func (e *Entity) Props() map[string]interface{} {
	return copyProps(e.props)
}

// State returns a copy of the full replicated state
func (e *Entity) State() State {
	return State{
		TypeName: e.TypeName,
		SpaceID:  e.SpaceID,
		Position: e.position,
		Yaw:      e.yaw,
		Props:    copyProps(e.props),
	}
}

// HasDelta returns if the real entity changed since the last TakeDelta
func (e *Entity) HasDelta() bool {
	return e.posDirty || e.yawDirty || len(e.dirtyProps) > 0 || len(e.deletedProps) > 0
}

// TakeDelta returns the changes since the last call and clears them
func (e *Entity) TakeDelta() Delta {
	var d Delta
	if e.posDirty {
		pos := e.position
		d.Position = &pos
	}
	if e.yawDirty {
		yaw := e.yaw
		d.Yaw = &yaw
	}
	if len(e.dirtyProps) > 0 {
		d.Set = make(map[string]interface{}, len(e.dirtyProps))
		for key := range e.dirtyProps {
			d.Set[key] = e.props[key]
		}
	}
	if len(e.deletedProps) > 0 {
		d.Deleted = e.deletedProps.ToList()
		sort.Strings(d.Deleted)
	}
	e.clearDelta()
	return d
}

func (e *Entity) clearDelta() {
	e.posDirty = false
	e.yawDirty = false
	if len(e.dirtyProps) > 0 {
		e.dirtyProps = common.StringSet{}
	}
	if len(e.deletedProps) > 0 {
		e.deletedProps = common.StringSet{}
	}
}

// Haunts

// Haunt returns the haunt on addr, or nil
func (e *Entity) Haunt(addr common.Addr) *Haunt {
	return e.haunts[addr]
}

// AddHaunt records a ghost of this real entity on addr
func (e *Entity) AddHaunt(addr common.Addr, tick uint64) *Haunt {
	h := &Haunt{Addr: addr, CreatedTick: tick}
	e.haunts[addr] = h
	return h
}

// RemoveHaunt forgets the ghost on addr
func (e *Entity) RemoveHaunt(addr common.Addr) {
	delete(e.haunts, addr)
}

// HauntAddrs returns addresses of all haunts in ascending order
func (e *Entity) HauntAddrs() []common.Addr {
	addrs := make([]common.Addr, 0, len(e.haunts))
	for addr := range e.haunts {
		addrs = append(addrs, addr)
	}
	common.SortAddrs(addrs)
	return addrs
}

// NumHaunts returns the number of ghosts of this real entity
func (e *Entity) NumHaunts() int {
	return len(e.haunts)
}

// Handoff state machine: Active -> Quiescing -> Transferred, Quiescing -> Active on rollback

// BeginHandoff moves an active real entity to Quiescing
func (e *Entity) BeginHandoff(h *Handoff) error {
	if !e.IsActive() {
		return errors.Errorf("%s: can not begin handoff in state %s", e, e.authority)
	}
	e.authority = AuthorityQuiescing
	e.handoff = h
	return nil
}

// Handoff returns the in-flight promotion request, or nil
func (e *Entity) Handoff() *Handoff {
	return e.handoff
}

// RollbackHandoff returns a quiescing entity to Active
func (e *Entity) RollbackHandoff(cooldownUntil uint64) error {
	if !e.isReal || e.authority != AuthorityQuiescing {
		return errors.Errorf("%s: can not rollback handoff in state %s", e, e.authority)
	}
	e.authority = AuthorityActive
	e.handoff = nil
	e.cooldownUntil = cooldownUntil
	return nil
}

// CompleteHandoff moves a quiescing entity to Transferred
func (e *Entity) CompleteHandoff() error {
	if !e.isReal || e.authority != AuthorityQuiescing {
		return errors.Errorf("%s: can not complete handoff in state %s", e, e.authority)
	}
	e.authority = AuthorityTransferred
	return nil
}

// HandoffCooldownUntil returns the tick before which no new handoff should start
func (e *Entity) HandoffCooldownUntil() uint64 {
	return e.cooldownUntil
}

// PromotedBy returns the handoff that made this entity real here
func (e *Entity) PromotedBy() common.HandoffID {
	return e.promotedBy
}

// SetPromotedBy records the handoff that made this entity real here
func (e *Entity) SetPromotedBy(id common.HandoffID) {
	e.promotedBy = id
}

// LastCheckpointTick returns the tick of the last save
func (e *Entity) LastCheckpointTick() uint64 {
	return e.lastCheckpoint
}

// SetLastCheckpointTick records the tick of the last save
func (e *Entity) SetLastCheckpointTick(tick uint64) {
	e.lastCheckpoint = tick
}

// Ghost side

// RealAddr returns the address of the real entity this ghost follows
func (e *Entity) RealAddr() common.Addr {
	return e.realAddr
}

// SetRealAddr switches the ghost to a new real entity
func (e *Entity) SetRealAddr(addr common.Addr) {
	e.realAddr = addr
	e.nextRealAddr = ""
}

// NextRealAddr returns the announced next real address, if any
func (e *Entity) NextRealAddr() common.Addr {
	return e.nextRealAddr
}

// SetNextRealAddr records the announced next real address
func (e *Entity) SetNextRealAddr(addr common.Addr) {
	e.nextRealAddr = addr
}

// IsStale returns if the ghost is frozen because its real died
func (e *Entity) IsStale() bool {
	return e.stale
}

// MarkStale freezes the ghost
func (e *Entity) MarkStale() {
	e.stale = true
}

// LastSeq returns the last applied sequence marker from src
func (e *Entity) LastSeq(src common.Addr) uint32 {
	return e.lastSeq[src]
}

// SetLastSeq records the last applied sequence marker from src
func (e *Entity) SetLastSeq(src common.Addr, seq uint32) {
	e.lastSeq[src] = seq
}

// EndStream forgets the sequence marker of a finished stream from src
func (e *Entity) EndStream(src common.Addr) {
	delete(e.lastSeq, src)
}

// ApplyDelta applies a replicated delta to a ghost
func (e *Entity) ApplyDelta(d Delta) {
	if d.Position != nil && *d.Position != e.position {
		e.position = *d.Position
		if e.registry != nil {
			e.registry.moved(e)
		}
	}
	if d.Yaw != nil {
		e.yaw = *d.Yaw
	}
	for k, v := range d.Set {
		e.props[k] = normalizeValue(v)
	}
	for _, k := range d.Deleted {
		delete(e.props, k)
	}
}

// ApplyState replaces the replicated state of a ghost with a full snapshot
func (e *Entity) ApplyState(state State) {
	e.ApplyDelta(Delta{Position: &state.Position, Yaw: &state.Yaw})
	e.props = map[string]interface{}{}
	for k, v := range state.Props {
		e.props[k] = normalizeValue(v)
	}
}

// AOI callbacks

// OnEnterAOI is called by the space AOI manager when other entity comes into range
func (e *Entity) OnEnterAOI(otherAoi *aoi.AOI) {
	e.Neighbors.Add(otherAoi.Data.(*Entity))
}

// OnLeaveAOI is called by the space AOI manager when other entity goes out of range
func (e *Entity) OnLeaveAOI(otherAoi *aoi.AOI) {
	e.Neighbors.Del(otherAoi.Data.(*Entity))
}

func copyProps(props map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(props))
	for k, v := range props {
		cp[k] = copyValue(v)
	}
	return cp
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyProps(val)
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = copyValue(item)
		}
		return cp
	}
	return v
}

// normalizeValue converts numeric kinds to int64/float64 so values compare equal after a wire round trip
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = normalizeValue(item)
		}
		return m
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeValue(item)
		}
		return m
	case []interface{}:
		l := make([]interface{}, len(val))
		for i, item := range val {
			l[i] = normalizeValue(item)
		}
		return l
	}
	return v
}

// NormalizeProps returns props with numeric values converted to int64/float64
func NormalizeProps(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	m := make(map[string]interface{}, len(props))
	for k, v := range props {
		m[k] = normalizeValue(v)
	}
	return m
}
