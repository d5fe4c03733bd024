package proto

import (
	"strings"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
)

func testState() entity.State {
	return entity.State{
		TypeName: "Walker",
		SpaceID:  3,
		Position: entity.Vector3{X: 1.5, Y: 0, Z: -20},
		Yaw:      90,
		Props: map[string]interface{}{
			"hp":   int64(100),
			"name": "walker",
			"bag":  map[string]interface{}{"gold": int64(12), "items": []interface{}{"sword", 1.25}},
		},
	}
}

func TestCreateGhost(t *testing.T) {
	state := testState()
	id := common.GenEntityID()
	payload := EncodeGhostMessage(&GhostMessage{Type: MT_CREATE_GHOST, EntityID: id, Seq: 1, State: &state, Tick: 77}, 0)
	assert.Equal(t, MT_CREATE_GHOST, PeekMsgType(payload))

	msg, err := Decode("127.0.0.1:15001", payload)
	assert.Equal(t, nil, err)
	m := msg.(*GhostMessage)
	assert.Equal(t, MT_CREATE_GHOST, m.Type)
	assert.Equal(t, common.Addr("127.0.0.1:15001"), m.Src)
	assert.Equal(t, id, m.EntityID)
	assert.Equal(t, uint32(1), m.Seq)
	assert.Equal(t, uint64(77), m.Tick)
	assert.Equal(t, state, *m.State)
}

func TestCreateGhostCompressed(t *testing.T) {
	state := testState()
	state.Props["desc"] = strings.Repeat("a long description ", 100)
	plain := EncodeGhostMessage(&GhostMessage{Type: MT_CREATE_GHOST, EntityID: "e1", Seq: 1, State: &state}, 0)
	compressed := EncodeGhostMessage(&GhostMessage{Type: MT_CREATE_GHOST, EntityID: "e1", Seq: 1, State: &state}, 256)
	assert.T(t, len(compressed) < len(plain))

	msg, err := Decode("a", compressed)
	assert.Equal(t, nil, err)
	assert.Equal(t, state, *msg.(*GhostMessage).State)
}

func TestGhostUpdate(t *testing.T) {
	pos := entity.Vector3{X: 3, Y: 4, Z: 5}
	yaw := entity.Yaw(45)
	delta := &entity.Delta{
		Position: &pos,
		Yaw:      &yaw,
		Set:      map[string]interface{}{"hp": int64(99), "speed": 2.5},
		Deleted:  []string{"buff"},
	}
	payload := EncodeGhostMessage(&GhostMessage{Type: MT_GHOST_UPDATE, EntityID: "e1", Seq: 9, Delta: delta}, 0)
	msg, err := Decode("a", payload)
	assert.Equal(t, nil, err)
	m := msg.(*GhostMessage)
	assert.Equal(t, uint32(9), m.Seq)
	assert.Equal(t, delta, m.Delta)

	payload = EncodeGhostMessage(&GhostMessage{Type: MT_GHOST_UPDATE, EntityID: "e1", Seq: 10, Delta: &entity.Delta{Yaw: &yaw}}, 0)
	msg, err = Decode("a", payload)
	assert.Equal(t, nil, err)
	m = msg.(*GhostMessage)
	assert.T(t, m.Delta.Position == nil)
	assert.Equal(t, yaw, *m.Delta.Yaw)
	assert.Equal(t, 0, len(m.Delta.Set))
}

func TestSetRealAndNextReal(t *testing.T) {
	msg, err := Decode("b", EncodeGhostMessage(&GhostMessage{Type: MT_GHOST_SET_REAL, EntityID: "e1", Seq: 1}, 0))
	assert.Equal(t, nil, err)
	assert.Equal(t, MT_GHOST_SET_REAL, msg.(*GhostMessage).Type)

	msg, err = Decode("a", EncodeGhostMessage(&GhostMessage{Type: MT_GHOST_SET_NEXT_REAL, EntityID: "e1", Seq: 5, NextReal: "b"}, 0))
	assert.Equal(t, nil, err)
	assert.Equal(t, common.Addr("b"), msg.(*GhostMessage).NextReal)

	msg, err = Decode("a", EncodeGhostMessage(&GhostMessage{Type: MT_DEL_GHOST, EntityID: "e1", Seq: 6}, 0))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint32(6), msg.(*GhostMessage).Seq)
}

func TestOnload(t *testing.T) {
	m := &Onload{
		HandoffID: common.GenHandoffID(),
		Attempt:   2,
		EntityID:  common.GenEntityID(),
		State:     testState(),
		Haunts:    []common.Addr{"a", "c"},
		KeepGhost: true,
	}
	msg, err := Decode("a", EncodeOnload(m, 0))
	assert.Equal(t, nil, err)
	assert.Equal(t, m, msg.(*Onload))

	ack := &OnloadAck{HandoffID: m.HandoffID, EntityID: m.EntityID, Accepted: false, Reason: "duplicate authority"}
	msg, err = Decode("b", EncodeOnloadAck(ack))
	assert.Equal(t, nil, err)
	assert.Equal(t, ack, msg.(*OnloadAck))

	destroy := &DestroyEntity{EntityID: m.EntityID, Hops: 3}
	msg, err = Decode("b", EncodeDestroyEntity(destroy))
	assert.Equal(t, nil, err)
	assert.Equal(t, destroy, msg.(*DestroyEntity))
}

func TestDecodeMalformed(t *testing.T) {
	payload := EncodeOnloadAck(&OnloadAck{HandoffID: "h", EntityID: "e", Accepted: true})

	_, err := Decode("a", payload[:len(payload)-2])
	assert.NotEqual(t, nil, err)

	_, err = Decode("a", append(payload, 0))
	assert.NotEqual(t, nil, err)

	_, err = Decode("a", []byte{0xff, 0xff})
	assert.NotEqual(t, nil, err)

	_, err = Decode("a", nil)
	assert.NotEqual(t, nil, err)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "GHOST_UPDATE", MT_GHOST_UPDATE.String())
	assert.Equal(t, "MsgType(999)", MsgType(999).String())
	assert.T(t, MT_DEL_GHOST.IsGhostMessage())
	assert.T(t, !MT_ONLOAD.IsGhostMessage())
}
