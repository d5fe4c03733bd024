package entity

import (
	"sync"
	"time"

	"github.com/xiaonanln/cellworld/engine/gwlog"
)

const _DEFAULT_AOI_DISTANCE = 100

// Behavior is the script surface of an entity type
//
// OnStep is only ever called on active real entities. Ghosts never receive behavior callbacks.
type Behavior interface {
	OnStep(e *Entity, dt time.Duration)
	OnPromoted(e *Entity)
	OnDemoted(e *Entity)
}

// NopBehavior implements Behavior with empty callbacks; embed it to override only what is needed
type NopBehavior struct{}

// OnStep does nothing
func (NopBehavior) OnStep(e *Entity, dt time.Duration) {}

// OnPromoted does nothing
func (NopBehavior) OnPromoted(e *Entity) {}

// OnDemoted does nothing
func (NopBehavior) OnDemoted(e *Entity) {}

// EntityTypeDesc is the entity type description for registering entity types
type EntityTypeDesc struct {
	Name         string
	Behavior     Behavior
	IsPersistent bool
}

var (
	registeredEntityTypesLock sync.RWMutex
	registeredEntityTypes     = map[string]*EntityTypeDesc{}
	unknownEntityTypeDesc     = &EntityTypeDesc{Behavior: NopBehavior{}}
)

// RegisterEntity registers the behavior of an entity type
func RegisterEntity(typeName string, behavior Behavior, isPersistent bool) *EntityTypeDesc {
	registeredEntityTypesLock.Lock()
	defer registeredEntityTypesLock.Unlock()

	if _, ok := registeredEntityTypes[typeName]; ok {
		gwlog.Panicf("RegisterEntity: Entity type %s already registered", typeName)
	}

	desc := &EntityTypeDesc{
		Name:         typeName,
		Behavior:     behavior,
		IsPersistent: isPersistent,
	}
	registeredEntityTypes[typeName] = desc
	gwlog.Infof(">>> RegisterEntity %s => %T (persistent=%v) <<<", typeName, behavior, isPersistent)
	return desc
}

// GetEntityTypeDesc returns the registered type, or nil
func GetEntityTypeDesc(typeName string) *EntityTypeDesc {
	registeredEntityTypesLock.RLock()
	desc := registeredEntityTypes[typeName]
	registeredEntityTypesLock.RUnlock()
	return desc
}

func getEntityTypeDesc(typeName string) *EntityTypeDesc {
	if desc := GetEntityTypeDesc(typeName); desc != nil {
		return desc
	}
	return unknownEntityTypeDesc
}
