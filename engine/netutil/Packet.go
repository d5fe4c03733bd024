package netutil

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

const (
	_MIN_PAYLOAD_CAP = 128
	// MAX_PAYLOAD_LENGTH is the max payload length of one packet
	MAX_PAYLOAD_LENGTH = 25 * 1024 * 1024
)

var (
	packetEndian = binary.LittleEndian

	packetPool = sync.Pool{
		New: func() interface{} {
			return &Packet{
				bytes: make([]byte, 0, _MIN_PAYLOAD_CAP),
			}
		},
	}

	errPacketUnderflow = errors.New("packet underflow")
)

// Packet is a growable little-endian buffer with a read cursor
//
// Read methods panic on malformed input; decoders recover at their boundary.
type Packet struct {
	readCursor int
	bytes      []byte
	pooled     bool
}

// NewPacket allocates an empty packet from the pool
func NewPacket() *Packet {
	p := packetPool.Get().(*Packet)
	p.readCursor = 0
	p.bytes = p.bytes[:0]
	p.pooled = true
	return p
}

// NewPacketFromPayload wraps received bytes for reading, without copying
func NewPacketFromPayload(payload []byte) *Packet {
	return &Packet{bytes: payload}
}

// Release returns the packet to the pool. The packet must not be used afterwards
func (p *Packet) Release() {
	if !p.pooled {
		return
	}
	if cap(p.bytes) > MAX_PAYLOAD_LENGTH/16 {
		// do not keep huge buffers around
		p.bytes = make([]byte, 0, _MIN_PAYLOAD_CAP)
	}
	p.pooled = false
	packetPool.Put(p)
}

// Payload returns all written bytes
func (p *Packet) Payload() []byte {
	return p.bytes
}

// PayloadLen returns the number of written bytes
func (p *Packet) PayloadLen() int {
	return len(p.bytes)
}

// UnreadPayload returns the bytes after the read cursor
func (p *Packet) UnreadPayload() []byte {
	return p.bytes[p.readCursor:]
}

// HasUnreadPayload returns if there are bytes not yet read
func (p *Packet) HasUnreadPayload() bool {
	return p.readCursor < len(p.bytes)
}

func (p *Packet) extend(n int) []byte {
	oldLen := len(p.bytes)
	if oldLen+n > MAX_PAYLOAD_LENGTH {
		gwlog.Panicf("packet payload too large: %d", oldLen+n)
	}
	if oldLen+n > cap(p.bytes) {
		newCap := cap(p.bytes) * 2
		if newCap < oldLen+n {
			newCap = oldLen + n
		}
		nb := make([]byte, oldLen, newCap)
		copy(nb, p.bytes)
		p.bytes = nb
	}
	p.bytes = p.bytes[:oldLen+n]
	return p.bytes[oldLen:]
}

func (p *Packet) consume(n int) []byte {
	if n < 0 || p.readCursor+n > len(p.bytes) {
		panic(errors.Wrapf(errPacketUnderflow, "need %d bytes at %d, have %d", n, p.readCursor, len(p.bytes)))
	}
	b := p.bytes[p.readCursor : p.readCursor+n]
	p.readCursor += n
	return b
}

// AppendByte appends one byte to the end of payload
func (p *Packet) AppendByte(b byte) {
	p.extend(1)[0] = b
}

// ReadOneByte reads one byte from the beginning
func (p *Packet) ReadOneByte() byte {
	return p.consume(1)[0]
}

// AppendBool appends one byte 1/0 to the end of payload
func (p *Packet) AppendBool(b bool) {
	if b {
		p.AppendByte(1)
	} else {
		p.AppendByte(0)
	}
}

// ReadBool reads one byte 1/0 from the beginning of unread payload
func (p *Packet) ReadBool() bool {
	return p.ReadOneByte() != 0
}

// AppendUint16 appends one uint16 to the end of payload
func (p *Packet) AppendUint16(v uint16) {
	packetEndian.PutUint16(p.extend(2), v)
}

// ReadUint16 reads one uint16 from the beginning of unread payload
func (p *Packet) ReadUint16() uint16 {
	return packetEndian.Uint16(p.consume(2))
}

// AppendUint32 appends one uint32 to the end of payload
func (p *Packet) AppendUint32(v uint32) {
	packetEndian.PutUint32(p.extend(4), v)
}

// ReadUint32 reads one uint32 from the beginning of unread payload
func (p *Packet) ReadUint32() uint32 {
	return packetEndian.Uint32(p.consume(4))
}

// AppendUint64 appends one uint64 to the end of payload
func (p *Packet) AppendUint64(v uint64) {
	packetEndian.PutUint64(p.extend(8), v)
}

// ReadUint64 reads one uint64 from the beginning of unread payload
func (p *Packet) ReadUint64() uint64 {
	return packetEndian.Uint64(p.consume(8))
}

// AppendFloat32 appends one float32 to the end of payload
func (p *Packet) AppendFloat32(f float32) {
	p.AppendUint32(math.Float32bits(f))
}

// ReadFloat32 reads one float32 from the beginning of unread payload
func (p *Packet) ReadFloat32() float32 {
	return math.Float32frombits(p.ReadUint32())
}

// AppendFloat64 appends one float64 to the end of payload
func (p *Packet) AppendFloat64(f float64) {
	p.AppendUint64(math.Float64bits(f))
}

// ReadFloat64 reads one float64 from the beginning of unread payload
func (p *Packet) ReadFloat64() float64 {
	return math.Float64frombits(p.ReadUint64())
}

// AppendBytes appends slice of bytes to the end of payload
func (p *Packet) AppendBytes(v []byte) {
	copy(p.extend(len(v)), v)
}

// ReadBytes reads bytes from the beginning of unread payload
func (p *Packet) ReadBytes(size int) []byte {
	return p.consume(size)
}

// AppendVarBytes appends uint32 length + bytes to the end of payload
func (p *Packet) AppendVarBytes(v []byte) {
	p.AppendUint32(uint32(len(v)))
	p.AppendBytes(v)
}

// ReadVarBytes reads a varsize slice of bytes; the result aliases the packet
func (p *Packet) ReadVarBytes() []byte {
	n := p.ReadUint32()
	return p.consume(int(n))
}

// AppendVarStr appends a varsize string to the end of payload
func (p *Packet) AppendVarStr(s string) {
	p.AppendUint32(uint32(len(s)))
	copy(p.extend(len(s)), s)
}

// ReadVarStr reads a varsize string from the beginning of unread payload
func (p *Packet) ReadVarStr() string {
	return string(p.ReadVarBytes())
}

// AppendEntityID appends an Entity ID to the end of payload
func (p *Packet) AppendEntityID(id common.EntityID) {
	p.AppendVarStr(string(id))
}

// ReadEntityID reads an Entity ID from the beginning of unread payload
func (p *Packet) ReadEntityID() common.EntityID {
	return common.EntityID(p.ReadVarStr())
}

// AppendAddr appends a peer address to the end of payload
func (p *Packet) AppendAddr(addr common.Addr) {
	p.AppendVarStr(string(addr))
}

// ReadAddr reads a peer address from the beginning of unread payload
func (p *Packet) ReadAddr() common.Addr {
	return common.Addr(p.ReadVarStr())
}

// AppendStringList appends a list of strings to the end of payload
func (p *Packet) AppendStringList(list []string) {
	p.AppendUint16(uint16(len(list)))
	for _, s := range list {
		p.AppendVarStr(s)
	}
}

// ReadStringList reads a list of strings from the beginning of unread payload
func (p *Packet) ReadStringList() []string {
	n := int(p.ReadUint16())
	if n == 0 {
		return nil
	}
	list := make([]string, n)
	for i := 0; i < n; i++ {
		list[i] = p.ReadVarStr()
	}
	return list
}

// AppendAddrList appends a list of peer addresses to the end of payload
func (p *Packet) AppendAddrList(addrs []common.Addr) {
	p.AppendUint16(uint16(len(addrs)))
	for _, addr := range addrs {
		p.AppendAddr(addr)
	}
}

// ReadAddrList reads a list of peer addresses from the beginning of unread payload
func (p *Packet) ReadAddrList() []common.Addr {
	n := int(p.ReadUint16())
	if n == 0 {
		return nil
	}
	addrs := make([]common.Addr, n)
	for i := 0; i < n; i++ {
		addrs[i] = p.ReadAddr()
	}
	return addrs
}

// AppendData appends one data of any type to the end of payload
func (p *Packet) AppendData(msg interface{}) {
	dataBytes, err := MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		gwlog.Panic(err)
	}

	p.AppendVarBytes(dataBytes)
}

// ReadData reads one data of any type from the beginning of unread payload
func (p *Packet) ReadData(msg interface{}) {
	b := p.ReadVarBytes()
	err := MSG_PACKER.UnpackMsg(b, msg)
	if err != nil {
		panic(errors.Wrap(err, "read data"))
	}
}

// AppendCompressedData appends msgpack data, snappy-compressed if longer than threshold
func (p *Packet) AppendCompressedData(msg interface{}, threshold int) {
	dataBytes, err := MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		gwlog.Panic(err)
	}

	if threshold > 0 && len(dataBytes) >= threshold {
		p.AppendBool(true)
		p.AppendVarBytes(Compress(dataBytes))
	} else {
		p.AppendBool(false)
		p.AppendVarBytes(dataBytes)
	}
}

// ReadCompressedData reads data written by AppendCompressedData
func (p *Packet) ReadCompressedData(msg interface{}) {
	compressed := p.ReadBool()
	b := p.ReadVarBytes()
	if compressed {
		var err error
		if b, err = Decompress(b); err != nil {
			panic(err)
		}
	}
	if err := MSG_PACKER.UnpackMsg(b, msg); err != nil {
		panic(errors.Wrap(err, "read compressed data"))
	}
}
