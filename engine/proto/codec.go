package proto

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/netutil"
)

const (
	_DELTA_POSITION = 1 << iota
	_DELTA_YAW
	_DELTA_SET
	_DELTA_DELETED
)

func finish(packet *netutil.Packet) []byte {
	payload := make([]byte, packet.PayloadLen())
	copy(payload, packet.Payload())
	packet.Release()
	return payload
}

func appendState(packet *netutil.Packet, state *entity.State, compressThreshold int) {
	packet.AppendVarStr(state.TypeName)
	packet.AppendUint32(uint32(state.SpaceID))
	appendVector3(packet, state.Position)
	packet.AppendFloat32(float32(state.Yaw))
	props := state.Props
	if props == nil {
		props = map[string]interface{}{}
	}
	packet.AppendCompressedData(props, compressThreshold)
}

func readState(packet *netutil.Packet) *entity.State {
	state := &entity.State{}
	state.TypeName = packet.ReadVarStr()
	state.SpaceID = common.SpaceID(packet.ReadUint32())
	state.Position = readVector3(packet)
	state.Yaw = entity.Yaw(packet.ReadFloat32())
	var props map[string]interface{}
	packet.ReadCompressedData(&props)
	state.Props = entity.NormalizeProps(props)
	if state.Props == nil {
		state.Props = map[string]interface{}{}
	}
	return state
}

func appendVector3(packet *netutil.Packet, v entity.Vector3) {
	packet.AppendFloat32(float32(v.X))
	packet.AppendFloat32(float32(v.Y))
	packet.AppendFloat32(float32(v.Z))
}

func readVector3(packet *netutil.Packet) entity.Vector3 {
	x := entity.Coord(packet.ReadFloat32())
	y := entity.Coord(packet.ReadFloat32())
	z := entity.Coord(packet.ReadFloat32())
	return entity.Vector3{X: x, Y: y, Z: z}
}

// EncodeGhostMessage encodes a ghost channel message
func EncodeGhostMessage(m *GhostMessage, compressThreshold int) []byte {
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(m.Type))
	packet.AppendEntityID(m.EntityID)
	packet.AppendUint32(m.Seq)

	switch m.Type {
	case MT_CREATE_GHOST:
		appendState(packet, m.State, compressThreshold)
		packet.AppendUint64(m.Tick)
	case MT_GHOST_UPDATE:
		appendDelta(packet, m.Delta)
	case MT_GHOST_SET_NEXT_REAL:
		packet.AppendAddr(m.NextReal)
	case MT_GHOST_SET_REAL, MT_DEL_GHOST:
	default:
		packet.Release()
		panic(errors.Errorf("EncodeGhostMessage: %s is not a ghost message", m.Type))
	}
	return finish(packet)
}

func appendDelta(packet *netutil.Packet, d *entity.Delta) {
	var flags byte
	if d.Position != nil {
		flags |= _DELTA_POSITION
	}
	if d.Yaw != nil {
		flags |= _DELTA_YAW
	}
	if len(d.Set) > 0 {
		flags |= _DELTA_SET
	}
	if len(d.Deleted) > 0 {
		flags |= _DELTA_DELETED
	}
	packet.AppendByte(flags)
	if d.Position != nil {
		appendVector3(packet, *d.Position)
	}
	if d.Yaw != nil {
		packet.AppendFloat32(float32(*d.Yaw))
	}
	if len(d.Set) > 0 {
		packet.AppendData(d.Set)
	}
	if len(d.Deleted) > 0 {
		packet.AppendStringList(d.Deleted)
	}
}

func readDelta(packet *netutil.Packet) *entity.Delta {
	d := &entity.Delta{}
	flags := packet.ReadOneByte()
	if flags&_DELTA_POSITION != 0 {
		pos := readVector3(packet)
		d.Position = &pos
	}
	if flags&_DELTA_YAW != 0 {
		yaw := entity.Yaw(packet.ReadFloat32())
		d.Yaw = &yaw
	}
	if flags&_DELTA_SET != 0 {
		var set map[string]interface{}
		packet.ReadData(&set)
		d.Set = entity.NormalizeProps(set)
	}
	if flags&_DELTA_DELETED != 0 {
		d.Deleted = packet.ReadStringList()
	}
	return d
}

// EncodeOnload encodes a promotion request
func EncodeOnload(m *Onload, compressThreshold int) []byte {
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(MT_ONLOAD))
	packet.AppendVarStr(string(m.HandoffID))
	packet.AppendUint16(m.Attempt)
	packet.AppendEntityID(m.EntityID)
	appendState(packet, &m.State, compressThreshold)
	packet.AppendAddrList(m.Haunts)
	packet.AppendBool(m.KeepGhost)
	return finish(packet)
}

// EncodeOnloadAck encodes the answer to a promotion request
func EncodeOnloadAck(m *OnloadAck) []byte {
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(MT_ONLOAD_ACK))
	packet.AppendVarStr(string(m.HandoffID))
	packet.AppendEntityID(m.EntityID)
	packet.AppendBool(m.Accepted)
	packet.AppendVarStr(m.Reason)
	return finish(packet)
}

// EncodeDestroyEntity encodes a despawn request
func EncodeDestroyEntity(m *DestroyEntity) []byte {
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(MT_DESTROY_ENTITY))
	packet.AppendEntityID(m.EntityID)
	packet.AppendByte(m.Hops)
	return finish(packet)
}

// PeekMsgType returns the message type of an encoded message
func PeekMsgType(payload []byte) MsgType {
	if len(payload) < 2 {
		return MT_INVALID
	}
	return MsgType(uint16(payload[0]) | uint16(payload[1])<<8)
}

// Decode decodes one message received from src
//
// The result is one of *GhostMessage, *Onload, *OnloadAck or *DestroyEntity.
// Malformed payloads never panic; they return an error.
func Decode(src common.Addr, payload []byte) (msg interface{}, err error) {
	packet := netutil.NewPacketFromPayload(payload)
	err = gwutils.CatchPanic(func() {
		msg = decodePacket(src, packet)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s from %s", PeekMsgType(payload), src)
	}
	if packet.HasUnreadPayload() {
		return nil, errors.Errorf("decode %s from %s: %d trailing bytes", PeekMsgType(payload), src, len(packet.UnreadPayload()))
	}
	return msg, nil
}

func decodePacket(src common.Addr, packet *netutil.Packet) interface{} {
	msgtype := MsgType(packet.ReadUint16())
	switch msgtype {
	case MT_CREATE_GHOST, MT_GHOST_UPDATE, MT_GHOST_SET_REAL, MT_GHOST_SET_NEXT_REAL, MT_DEL_GHOST:
		m := &GhostMessage{Type: msgtype, Src: src}
		m.EntityID = packet.ReadEntityID()
		m.Seq = packet.ReadUint32()
		switch msgtype {
		case MT_CREATE_GHOST:
			m.State = readState(packet)
			m.Tick = packet.ReadUint64()
		case MT_GHOST_UPDATE:
			m.Delta = readDelta(packet)
		case MT_GHOST_SET_NEXT_REAL:
			m.NextReal = packet.ReadAddr()
		}
		return m
	case MT_ONLOAD:
		m := &Onload{}
		m.HandoffID = common.HandoffID(packet.ReadVarStr())
		m.Attempt = packet.ReadUint16()
		m.EntityID = packet.ReadEntityID()
		m.State = *readState(packet)
		m.Haunts = packet.ReadAddrList()
		m.KeepGhost = packet.ReadBool()
		return m
	case MT_ONLOAD_ACK:
		m := &OnloadAck{}
		m.HandoffID = common.HandoffID(packet.ReadVarStr())
		m.EntityID = packet.ReadEntityID()
		m.Accepted = packet.ReadBool()
		m.Reason = packet.ReadVarStr()
		return m
	case MT_DESTROY_ENTITY:
		m := &DestroyEntity{}
		m.EntityID = packet.ReadEntityID()
		m.Hops = packet.ReadOneByte()
		return m
	}
	panic(errors.Errorf("unknown message type %d", uint16(msgtype)))
}
