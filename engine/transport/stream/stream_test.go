package stream

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
)

type message struct {
	src     common.Addr
	payload []byte
}

type chanHandler struct {
	msgs        chan message
	unreachable chan common.Addr
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		msgs:        make(chan message, 100),
		unreachable: make(chan common.Addr, 10),
	}
}

func (h *chanHandler) OnMessage(src common.Addr, payload []byte) {
	h.msgs <- message{src, payload}
}

func (h *chanHandler) OnPeerUnreachable(addr common.Addr) {
	h.unreachable <- addr
}

func (h *chanHandler) recv(t *testing.T) message {
	select {
	case m := <-h.msgs:
		return m
	case <-time.After(time.Second * 5):
		t.Fatalf("no message received")
	}
	return message{}
}

func startTransport(t *testing.T, name string, compress bool) (*Transport, *chanHandler) {
	tr := New(Config{Name: name, LocalAddr: "127.0.0.1:0", Compress: compress})
	h := newChanHandler()
	assert.Equal(t, nil, tr.Start(h))
	assert.NotEqual(t, common.Addr("127.0.0.1:0"), tr.LocalAddr())
	return tr, h
}

func TestHello(t *testing.T) {
	addr, err := decodeHello(encodeHello("10.0.0.1:15001"))
	assert.Equal(t, nil, err)
	assert.Equal(t, common.Addr("10.0.0.1:15001"), addr)

	_, err = decodeHello([]byte{1, 2})
	assert.NotEqual(t, nil, err)
	_, err = decodeHello([]byte{0, 0, 0, 0, 0, 0})
	assert.NotEqual(t, nil, err)
}

func TestSendReceive(t *testing.T) {
	for _, compress := range []bool{false, true} {
		a, _ := startTransport(t, "stream_test_a", compress)
		b, hb := startTransport(t, "stream_test_b", compress)

		a.Send(b.LocalAddr(), []byte("first"))
		big := bytes.Repeat([]byte("ghost"), 1000)
		a.Send(b.LocalAddr(), big)
		a.Send(b.LocalAddr(), []byte("third"))

		m := hb.recv(t)
		assert.Equal(t, a.LocalAddr(), m.src)
		assert.Equal(t, "first", string(m.payload))
		assert.Equal(t, big, hb.recv(t).payload)
		assert.Equal(t, "third", string(hb.recv(t).payload))

		a.Close()
		b.Close()
	}
}

func TestSilentPeerUnreachable(t *testing.T) {
	b := New(Config{
		Name:        "stream_test_e",
		LocalAddr:   "127.0.0.1:0",
		ReadTimeout: time.Millisecond * 300,
	})
	hb := newChanHandler()
	assert.Equal(t, nil, b.Start(hb))
	defer b.Close()

	// a peer that says hello and then never sends a heartbeat
	a := New(Config{
		Name:              "stream_test_f",
		LocalAddr:         "127.0.0.1:0",
		HeartbeatInterval: time.Hour,
	})
	assert.Equal(t, nil, a.Start(newChanHandler()))
	defer a.Close()

	a.Send(b.LocalAddr(), []byte("last words"))
	assert.Equal(t, "last words", string(hb.recv(t).payload))
	select {
	case addr := <-hb.unreachable:
		assert.Equal(t, a.LocalAddr(), addr)
	case <-time.After(time.Second * 5):
		t.Fatalf("silent peer not reported unreachable")
	}
}

func TestUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, nil, err)
	deadAddr := common.Addr(ln.Addr().String())
	ln.Close()

	a := New(Config{
		Name:            "stream_test_c",
		LocalAddr:       "127.0.0.1:0",
		DialTimeout:     time.Millisecond * 200,
		MaxDialAttempts: 2,
		DialRate:        100,
	})
	h := newChanHandler()
	assert.Equal(t, nil, a.Start(h))
	defer a.Close()

	a.Send(deadAddr, []byte("anyone?"))
	select {
	case addr := <-h.unreachable:
		assert.Equal(t, deadAddr, addr)
	case <-time.After(time.Second * 5):
		t.Fatalf("peer not reported unreachable")
	}
}

func TestClosedTransportDropsSends(t *testing.T) {
	a, _ := startTransport(t, "stream_test_d", false)
	assert.Equal(t, nil, a.Close())
	assert.Equal(t, nil, a.Close())
	a.Send("127.0.0.1:1", []byte("x"))
	assert.Equal(t, 0, len(a.peers))
}
