package proto

import (
	"fmt"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
)

// MsgType is the type of message types
type MsgType uint16

const (
	// MT_INVALID is the invalid message type
	MT_INVALID MsgType = iota

	// Ghost channel messages, sent by the real entity's cellapp to its haunts.
	// They all start with EntityID and a per-stream sequence marker.

	// MT_CREATE_GHOST creates a ghost with full state; always seq 1
	MT_CREATE_GHOST
	// MT_GHOST_UPDATE carries the delta of a real entity since the last flush
	MT_GHOST_UPDATE
	// MT_GHOST_SET_REAL opens the stream of a new real entity to an existing ghost
	MT_GHOST_SET_REAL
	// MT_GHOST_SET_NEXT_REAL closes the stream of the old real entity and names the next one
	MT_GHOST_SET_NEXT_REAL
	// MT_DEL_GHOST deletes the ghost
	MT_DEL_GHOST
)

const (
	// MT_ONLOAD is the promotion request carrying the final snapshot of a quiesced real entity
	MT_ONLOAD MsgType = 100 + iota
	// MT_ONLOAD_ACK acknowledges MT_ONLOAD
	MT_ONLOAD_ACK
	// MT_DESTROY_ENTITY asks the cellapp holding the real entity to destroy it
	MT_DESTROY_ENTITY
)

var msgTypeNames = map[MsgType]string{
	MT_INVALID:             "INVALID",
	MT_CREATE_GHOST:        "CREATE_GHOST",
	MT_GHOST_UPDATE:        "GHOST_UPDATE",
	MT_GHOST_SET_REAL:      "GHOST_SET_REAL",
	MT_GHOST_SET_NEXT_REAL: "GHOST_SET_NEXT_REAL",
	MT_DEL_GHOST:           "DEL_GHOST",
	MT_ONLOAD:              "ONLOAD",
	MT_ONLOAD_ACK:          "ONLOAD_ACK",
	MT_DESTROY_ENTITY:      "DESTROY_ENTITY",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// IsGhostMessage returns if messages of this type travel on the ghost channel
func (t MsgType) IsGhostMessage() bool {
	return t >= MT_CREATE_GHOST && t <= MT_DEL_GHOST
}

// GhostMessage is one authority-update message of the ghost channel
type GhostMessage struct {
	Type     MsgType
	Src      common.Addr // set by the receiver, not on the wire
	EntityID common.EntityID
	Seq      uint32

	State *entity.State // MT_CREATE_GHOST
	Tick  uint64        // MT_CREATE_GHOST: tick of the sender when the ghost was created

	Delta *entity.Delta // MT_GHOST_UPDATE

	NextReal common.Addr // MT_GHOST_SET_NEXT_REAL
}

func (m *GhostMessage) String() string {
	return fmt.Sprintf("%s<%s|%s#%d>", m.Type, m.EntityID, m.Src, m.Seq)
}

// Onload is the promotion request of a handoff
type Onload struct {
	HandoffID common.HandoffID
	Attempt   uint16
	EntityID  common.EntityID
	State     entity.State
	Haunts    []common.Addr
	KeepGhost bool
}

// OnloadAck is the answer to Onload
type OnloadAck struct {
	HandoffID common.HandoffID
	EntityID  common.EntityID
	Accepted  bool
	Reason    string
}

// DestroyEntity is a despawn request forwarded towards the real entity
type DestroyEntity struct {
	EntityID common.EntityID
	Hops     uint8
}
