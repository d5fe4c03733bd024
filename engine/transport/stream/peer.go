package stream

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/pktconn"
)

const _HELLO_MAGIC = 0x43574c44 // "CWLD"

func encodeHello(addr common.Addr) []byte {
	p := netutil.NewPacket()
	defer p.Release()
	p.AppendUint32(_HELLO_MAGIC)
	p.AppendAddr(addr)
	payload := p.Payload()
	hello := make([]byte, len(payload))
	copy(hello, payload)
	return hello
}

func decodeHello(payload []byte) (addr common.Addr, err error) {
	var magic uint32
	if err = gwutils.CatchPanic(func() {
		p := netutil.NewPacketFromPayload(payload)
		magic = p.ReadUint32()
		addr = p.ReadAddr()
	}); err != nil {
		return "", errors.Wrap(err, "malformed hello")
	}
	if magic != _HELLO_MAGIC {
		return "", errors.New("bad magic")
	}
	if addr.IsNil() {
		return "", errors.New("empty address")
	}
	return addr, nil
}

// peer owns the outbound connection to one address
type peer struct {
	t     *Transport
	addr  common.Addr
	sendq chan []byte
	done  chan struct{}
}

func newPeer(t *Transport, addr common.Addr) *peer {
	return &peer{
		t:     t,
		addr:  addr,
		sendq: make(chan []byte, consts.PEER_SEND_QUEUE_SIZE),
		done:  make(chan struct{}),
	}
}

func (p *peer) stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *peer) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// run dials the peer and sends queued payloads until stopped; a broken connection is redialed
func (p *peer) run() {
	failures := 0
	var lastErr error
	for !p.stopped() {
		if err := p.t.dialRate.Wait(p.t.ctx); err != nil {
			return
		}
		pc, err := p.connect()
		if err != nil {
			failures++
			lastErr = err
			gwlog.Warnf("%s: dial %s failed (%d/%d): %v", p.t, p.addr, failures, p.t.cfg.MaxDialAttempts, err)
			if failures >= p.t.cfg.MaxDialAttempts {
				p.t.removePeer(p)
				p.stop()
				p.t.peerUnreachable(p.addr, lastErr)
				return
			}
			continue
		}

		failures = 0
		err = p.serve(pc)
		pc.Close()
		if err != nil && !p.stopped() {
			gwlog.Warnf("%s: connection to %s broken: %v", p.t, p.addr, err)
		}
	}
}

func (p *peer) connect() (*netutil.PacketConnection, error) {
	conn, err := p.t.dial(string(p.addr))
	if err != nil {
		return nil, err
	}
	pc := p.t.newPacketConnection(conn, p.addr)
	pc.SendPayload(encodeHello(p.t.cfg.LocalAddr))
	gwlog.Infof("%s: connected to %s", p.t, p.addr)
	return pc, nil
}

// serve sends queued payloads on pc until stopped or the connection breaks
func (p *peer) serve(pc *netutil.PacketConnection) error {
	// nothing is sent back on a dialed connection, so receiving only detects a broken link
	recvq := make(chan *pktconn.Packet, 1)
	broken := make(chan error, 1)
	go gwutils.RunPanicless(func() {
		err := pc.RecvChan(recvq)
		if err == nil {
			err = errors.New("connection closed")
		}
		broken <- err
	})

	heartbeat := time.NewTicker(p.t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-p.done:
			return nil
		case err := <-broken:
			return err
		case packet := <-recvq:
			packet.Release()
		case payload := <-p.sendq:
			pc.SendPayload(payload)
		case <-heartbeat.C:
			pc.SendPayload(nil)
		}
	}
}
