package replication

import (
	"sort"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/buffering"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/peers"
	"github.com/xiaonanln/cellworld/engine/tombstone"
)

const testEntityType = "ReplicationTestEntity"

func init() {
	entity.RegisterEntity(testEntityType, entity.NopBehavior{}, false)
}

type testNode struct {
	addr     common.Addr
	registry *entity.Registry
	buffer   *buffering.Layer
	tracker  *tombstone.Tracker
	notifier *peers.Notifier
	reporter *diag.Reporter
	repl     *Replicator
	lost     []*entity.Entity
}

type channel struct {
	from, to common.Addr
}

// testCluster connects replicators with one FIFO per (from, to) channel; nothing moves until delivered
type testCluster struct {
	t      *testing.T
	nodes  map[common.Addr]*testNode
	queues map[channel][][]byte
	tick   uint64
}

func newTestCluster(t *testing.T, addrs ...common.Addr) *testCluster {
	c := &testCluster{
		t:      t,
		nodes:  map[common.Addr]*testNode{},
		queues: map[channel][][]byte{},
	}
	for _, addr := range addrs {
		addr := addr
		n := &testNode{
			addr:     addr,
			registry: entity.NewRegistry(),
			buffer:   buffering.NewLayer(),
			tracker:  tombstone.NewTracker(),
			notifier: peers.NewNotifier(),
			reporter: diag.NewReporter(string(addr)),
		}
		n.repl = New(Config{
			Name:                 string(addr),
			LocalAddr:            addr,
			HandoffTimeoutTicks:  5,
			HandoffMaxRetries:    2,
			HandoffCooldownTicks: 10,
		}, n.registry, n.buffer, n.tracker, n.reporter, SenderFunc(func(to common.Addr, payload []byte) {
			ch := channel{addr, to}
			c.queues[ch] = append(c.queues[ch], payload)
		}))
		n.repl.OnRealLost = func(e *entity.Entity) {
			n.lost = append(n.lost, e)
		}
		n.notifier.Subscribe("tracker", n.tracker)
		n.notifier.Subscribe("buffering", peers.DeathHandlerFunc(func(dead common.Addr) { n.buffer.PurgePeer(dead) }))
		n.notifier.Subscribe("replication", n.repl)
		c.nodes[addr] = n
	}
	return c
}

func (c *testCluster) node(addr common.Addr) *testNode {
	return c.nodes[addr]
}

func (c *testCluster) advance(ticks uint64) {
	c.tick += ticks
	for _, n := range c.nodes {
		n.repl.SetTick(c.tick)
	}
}

func (c *testCluster) pending(from, to common.Addr) int {
	return len(c.queues[channel{from, to}])
}

// take removes the pending messages of one channel without delivering them
func (c *testCluster) take(from, to common.Addr) [][]byte {
	ch := channel{from, to}
	msgs := c.queues[ch]
	delete(c.queues, ch)
	return msgs
}

func (c *testCluster) deliverOne(from, to common.Addr) bool {
	ch := channel{from, to}
	msgs := c.queues[ch]
	if len(msgs) == 0 {
		return false
	}
	c.queues[ch] = msgs[1:]
	if n := c.nodes[to]; n != nil {
		n.repl.HandleMessage(from, msgs[0])
	}
	return true
}

func (c *testCluster) deliver(from, to common.Addr) {
	for c.deliverOne(from, to) {
	}
}

func (c *testCluster) deliverAll() {
	for {
		var channels []channel
		for ch, msgs := range c.queues {
			if len(msgs) > 0 {
				channels = append(channels, ch)
			}
		}
		if len(channels) == 0 {
			return
		}
		sort.Slice(channels, func(i, j int) bool {
			if channels[i].from != channels[j].from {
				return channels[i].from < channels[j].from
			}
			return channels[i].to < channels[j].to
		})
		for _, ch := range channels {
			c.deliver(ch.from, ch.to)
		}
	}
}

func (c *testCluster) kill(addr common.Addr) {
	delete(c.nodes, addr)
	for ch := range c.queues {
		if ch.from == addr || ch.to == addr {
			delete(c.queues, ch)
		}
	}
	for _, n := range c.nodes {
		n.notifier.PublishDeath(addr)
	}
}

func (c *testCluster) spawn(addr common.Addr, pos entity.Vector3) *entity.Entity {
	e := entity.NewEntity(common.GenEntityID(), entity.State{
		TypeName: testEntityType,
		SpaceID:  1,
		Position: pos,
		Props:    map[string]interface{}{"hp": 100, "name": "walker"},
	})
	assert.Equal(c.t, nil, c.nodes[addr].registry.RegisterReal(e))
	return e
}

func (c *testCluster) reals(id common.EntityID) (reals int, active int) {
	for _, n := range c.nodes {
		if e := n.registry.FindReal(id); e != nil {
			reals++
			if e.IsActive() {
				active++
			}
		}
	}
	return
}

// checkAuthority asserts that at most one instance is authoritative and at most two are real
func (c *testCluster) checkAuthority(id common.EntityID) {
	reals, active := c.reals(id)
	assert.Tf(c.t, active <= 1, "%s has %d active reals", id, active)
	assert.Tf(c.t, reals <= 2, "%s has %d reals", id, reals)
}
