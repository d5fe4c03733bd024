// Package stream is the Transport of deployed cellapps: one packet connection over TCP or KCP per peer direction
//
// Each cellapp dials every peer it sends to and announces its own address in a hello packet; it never
// sends on accepted connections. A peer is reported unreachable after consts.PEER_MAX_DIAL_ATTEMPTS
// consecutive failed dials, or when a connected peer goes silent for consts.PEER_READ_TIMEOUT.
package stream

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/metrics"
	"github.com/xiaonanln/cellworld/engine/netutil"
	"github.com/xiaonanln/cellworld/engine/transport"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/pktconn"
	"github.com/xtaci/kcp-go"
	"golang.org/x/time/rate"
)

const (
	// Network names
	TCP = "tcp"
	KCP = "kcp"
)

// Config holds the parameters of a stream transport
type Config struct {
	Name      string
	LocalAddr common.Addr
	Network   string // tcp or kcp
	// Compress enables snappy on every connection; all peers must agree on it
	Compress          bool
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	DialTimeout       time.Duration
	MaxDialAttempts   int
	// DialRate limits dials per second over all peers
	DialRate float64
}

func (cfg *Config) setDefaults() {
	if cfg.Network == "" {
		cfg.Network = TCP
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = consts.PEER_HEARTBEAT_INTERVAL
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = consts.PEER_READ_TIMEOUT
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = consts.PEER_DIAL_TIMEOUT
	}
	if cfg.MaxDialAttempts == 0 {
		cfg.MaxDialAttempts = consts.PEER_MAX_DIAL_ATTEMPTS
	}
	if cfg.DialRate == 0 {
		cfg.DialRate = 10
	}
}

// Transport implements transport.Transport over TCP or KCP
type Transport struct {
	cfg      Config
	handler  transport.Handler
	listener net.Listener
	dialRate *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	closed   xnsyncutil.AtomicBool

	peersLock sync.Mutex
	peers     map[common.Addr]*peer
	inbound   map[net.Conn]struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New creates a stream transport; nothing is opened until Start
func New(cfg Config) *Transport {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		dialRate: rate.NewLimiter(rate.Limit(cfg.DialRate), 1),
		ctx:      ctx,
		cancel:   cancel,
		peers:    map[common.Addr]*peer{},
		inbound:  map[net.Conn]struct{}{},
	}
}

func (t *Transport) String() string {
	return t.cfg.Name + "/" + t.cfg.Network
}

// LocalAddr returns the listening address
func (t *Transport) LocalAddr() common.Addr {
	return t.cfg.LocalAddr
}

// ListenAddr returns the address actually listened on, which differs from LocalAddr for port 0
func (t *Transport) ListenAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Start listens on LocalAddr and delivers received messages to h
func (t *Transport) Start(h transport.Handler) error {
	ln, err := t.listen(string(t.cfg.LocalAddr))
	if err != nil {
		return errors.Wrapf(err, "%s: listen on %s", t, t.cfg.LocalAddr)
	}
	t.handler = h
	t.listener = ln
	if strings.HasSuffix(string(t.cfg.LocalAddr), ":0") {
		t.cfg.LocalAddr = common.Addr(ln.Addr().String())
	}
	gwlog.Infof("%s: listening on %s ...", t, ln.Addr())
	go gwutils.RunPanicless(func() {
		if err := netutil.ServeListener(ln, t); err != nil && !t.closed.Load() {
			gwlog.Errorf("%s: accept failed: %v", t, err)
		}
	})
	return nil
}

func (t *Transport) listen(addr string) (net.Listener, error) {
	if t.cfg.Network == KCP {
		return kcp.ListenWithOptions(addr, nil, 10, 3)
	}
	return net.Listen("tcp", addr)
}

func (t *Transport) dial(addr string) (net.Conn, error) {
	if t.cfg.Network == KCP {
		conn, err := kcp.DialWithOptions(addr, nil, 10, 3)
		if err != nil {
			return nil, err
		}
		setupKCPConn(conn)
		return conn, nil
	}
	conn, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	setupTCPConn(conn.(*net.TCPConn))
	return conn, nil
}

func setupTCPConn(conn *net.TCPConn) {
	conn.SetReadBuffer(consts.BUFFERED_READ_BUFFSIZE)
	conn.SetWriteBuffer(consts.BUFFERED_WRITE_BUFFSIZE)
	conn.SetNoDelay(true)
}

func setupKCPConn(conn *kcp.UDPSession) {
	conn.SetReadBuffer(consts.BUFFERED_READ_BUFFSIZE)
	conn.SetWriteBuffer(consts.BUFFERED_WRITE_BUFFSIZE)
	conn.SetStreamMode(true)
	conn.SetWriteDelay(true)
	conn.SetNoDelay(1, 10, 2, 1)
}

func (t *Transport) newPacketConnection(conn net.Conn, tag interface{}) *netutil.PacketConnection {
	return netutil.NewPacketConnection(t.ctx, netutil.NewPeerConnection(conn, t.cfg.Compress,
		consts.BUFFERED_READ_BUFFSIZE, consts.BUFFERED_WRITE_BUFFSIZE), tag)
}

// Send queues payload for the peer at to, dialing it on first use
func (t *Transport) Send(to common.Addr, payload []byte) {
	if t.closed.Load() {
		return
	}
	p := t.getPeer(to)
	if p == nil {
		return
	}
	select {
	case p.sendq <- payload:
	default:
		metrics.RecordSendDropped(t.cfg.Name)
		gwlog.Warnf("%s: send queue to %s is full, message dropped", t, to)
	}
}

// Forget closes the connection to addr; the next Send dials again
func (t *Transport) Forget(addr common.Addr) {
	t.peersLock.Lock()
	p := t.peers[addr]
	delete(t.peers, addr)
	t.peersLock.Unlock()
	if p != nil {
		p.stop()
	}
}

// Close stops listening and closes all connections
func (t *Transport) Close() error {
	if t.closed.Load() {
		return nil
	}
	t.closed.Store(true)
	t.cancel()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.peersLock.Lock()
	peers := t.peers
	t.peers = map[common.Addr]*peer{}
	for conn := range t.inbound {
		conn.Close()
	}
	t.peersLock.Unlock()
	for _, p := range peers {
		p.stop()
	}
	gwlog.Infof("%s: closed", t)
	return err
}

func (t *Transport) getPeer(addr common.Addr) *peer {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if t.closed.Load() {
		return nil
	}
	p := t.peers[addr]
	if p == nil {
		p = newPeer(t, addr)
		t.peers[addr] = p
		go gwutils.RunPanicless(p.run)
	}
	return p
}

func (t *Transport) removePeer(p *peer) {
	t.peersLock.Lock()
	if t.peers[p.addr] == p {
		delete(t.peers, p.addr)
	}
	t.peersLock.Unlock()
}

func (t *Transport) peerUnreachable(addr common.Addr, reason error) {
	if t.closed.Load() {
		return
	}
	gwlog.Errorf("%s: peer %s unreachable: %v", t, addr, reason)
	if t.handler != nil {
		t.handler.OnPeerUnreachable(addr)
	}
}

// ServeTCPConnection receives the packets of one inbound connection; it implements netutil.TCPServerDelegate
func (t *Transport) ServeTCPConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		setupTCPConn(tcpConn)
	} else if kcpConn, ok := conn.(*kcp.UDPSession); ok {
		setupKCPConn(kcpConn)
	}

	t.peersLock.Lock()
	if t.closed.Load() {
		t.peersLock.Unlock()
		conn.Close()
		return
	}
	t.inbound[conn] = struct{}{}
	t.peersLock.Unlock()

	pc := t.newPacketConnection(conn, conn.RemoteAddr())
	defer func() {
		t.peersLock.Lock()
		delete(t.inbound, conn)
		t.peersLock.Unlock()
		pc.Close()
	}()

	recvq := make(chan *pktconn.Packet, consts.PEER_RECV_QUEUE_SIZE)
	recvErr := make(chan error, 1)
	go gwutils.RunPanicless(func() {
		recvErr <- pc.RecvChan(recvq)
	})

	// every packet, heartbeats included, restarts the silence timer
	silence := time.NewTimer(t.cfg.ReadTimeout)
	defer silence.Stop()

	var src common.Addr
	// handle returns false when the connection must be dropped
	handle := func(packet *pktconn.Packet) bool {
		payload := netutil.TakePayload(packet)
		if src.IsNil() {
			addr, err := decodeHello(payload)
			if err != nil {
				gwlog.Warnf("%s: bad hello from %s: %v", t, conn.RemoteAddr(), err)
				return false
			}
			src = addr
			gwlog.Infof("%s: peer %s connected from %s", t, src, conn.RemoteAddr())
			return true
		}
		if len(payload) > 0 { // empty packets are heartbeats
			t.handler.OnMessage(src, payload)
		}
		return true
	}

	for {
		select {
		case packet := <-recvq:
			if !silence.Stop() {
				<-silence.C
			}
			silence.Reset(t.cfg.ReadTimeout)
			if !handle(packet) {
				return
			}
		case err := <-recvErr:
			for len(recvq) > 0 {
				if !handle(<-recvq) {
					return
				}
			}
			if t.closed.Load() {
				return
			}
			if netutil.IsConnectionError(err) {
				gwlog.Infof("%s: connection from %s (%s) closed: %v", t, src, conn.RemoteAddr(), err)
			} else {
				gwlog.Warnf("%s: connection from %s (%s) failed: %v", t, src, conn.RemoteAddr(), err)
			}
			return
		case <-silence.C:
			if src.IsNil() {
				gwlog.Warnf("%s: no hello from %s", t, conn.RemoteAddr())
			} else {
				t.peerUnreachable(src, errors.Errorf("peer went silent for %s", t.cfg.ReadTimeout))
			}
			return
		case <-t.ctx.Done():
			return
		}
	}
}
