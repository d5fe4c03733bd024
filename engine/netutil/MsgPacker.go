package netutil

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack"
)

var (
	// MSG_PACKER is used for packing and unpacking network data
	MSG_PACKER MsgPacker = MessagePackMsgPacker{}
)

// MsgPacker is used to packs and unpacks messages
type MsgPacker interface {
	PackMsg(msg interface{}, buf []byte) ([]byte, error)
	UnpackMsg(data []byte, msg interface{}) error
}

// MessagePackMsgPacker packs and unpacks message in MessagePack format
type MessagePackMsgPacker struct{}

// PackMsg packs message to bytes in MessagePack format
func (mp MessagePackMsgPacker) PackMsg(msg interface{}, buf []byte) ([]byte, error) {
	buffer := bytes.NewBuffer(buf)

	encoder := msgpack.NewEncoder(buffer)
	encoder.SortMapKeys(true)
	err := encoder.Encode(msg)
	if err != nil {
		return buf, err
	}
	return buffer.Bytes(), nil
}

// UnpackMsg unpacks bytes in MessagePack format to message
func (mp MessagePackMsgPacker) UnpackMsg(data []byte, msg interface{}) error {
	return msgpack.Unmarshal(data, msg)
}

// JSONMsgPacker packs and unpacks message in indented JSON, used where data should stay human-readable
type JSONMsgPacker struct{}

// PackMsg packs message to bytes in JSON format
func (jp JSONMsgPacker) PackMsg(msg interface{}, buf []byte) ([]byte, error) {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return buf, err
	}
	return append(buf, data...), nil
}

// UnpackMsg unpacks bytes in JSON format to message
func (jp JSONMsgPacker) UnpackMsg(data []byte, msg interface{}) error {
	return json.Unmarshal(data, msg)
}
