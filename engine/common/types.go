package common

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// EntityID type
type EntityID string

// IsNil returns if EntityID is nil
func (id EntityID) IsNil() bool {
	return id == ""
}

// GenEntityID generates a new EntityID
func GenEntityID() EntityID {
	return EntityID(uuid.NewString())
}

// MustEntityID assures a string to be EntityID
func MustEntityID(id string) EntityID {
	if _, err := uuid.Parse(id); err != nil {
		gwlog.Panicf("%s is not a valid entity ID: %v", id, err)
	}
	return EntityID(id)
}

// HandoffID identifies one promotion request, shared by all its retries
type HandoffID string

// GenHandoffID generates a new HandoffID
func GenHandoffID() HandoffID {
	return HandoffID(uuid.NewString())
}

// SpaceID identifies a Space
type SpaceID uint32

// CellID identifies a Cell inside the whole cluster
type CellID uint32

func (id CellID) String() string {
	return fmt.Sprintf("Cell<%d>", uint32(id))
}

// Addr is the transport address of a cellapp process
type Addr string

// IsNil returns if the Addr is empty
func (addr Addr) IsNil() bool {
	return addr == ""
}
