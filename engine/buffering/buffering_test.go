package buffering

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/proto"
)

func msg(src common.Addr, id common.EntityID, seq uint32) *proto.GhostMessage {
	return &proto.GhostMessage{Type: proto.MT_GHOST_UPDATE, Src: src, EntityID: id, Seq: seq}
}

// seqApplier applies messages of each source in sequence order
type seqApplier struct {
	last    map[common.Addr]uint32
	applied []*proto.GhostMessage
}

func newSeqApplier() *seqApplier {
	return &seqApplier{last: map[common.Addr]uint32{}}
}

func (a *seqApplier) TryApply(m *proto.GhostMessage) ApplyResult {
	if m.Seq <= a.last[m.Src] {
		return Discarded
	}
	if m.Seq != a.last[m.Src]+1 {
		return Deferred
	}
	a.last[m.Src] = m.Seq
	a.applied = append(a.applied, m)
	return Applied
}

func TestStateMachine(t *testing.T) {
	l := NewLayer()
	assert.Equal(t, Empty, l.State("a", "e1"))

	l.Add(msg("a", "e1", 2), 1)
	assert.Equal(t, Buffering, l.State("a", "e1"))
	l.Add(msg("a", "e1", 3), 1)
	assert.Equal(t, 2, l.QueueLen("a", "e1"))

	a := newSeqApplier()
	assert.Equal(t, 0, l.Drain("e1", a))
	assert.Equal(t, Buffering, l.State("a", "e1"))

	a.last["a"] = 1
	assert.Equal(t, 2, l.Drain("e1", a))
	assert.Equal(t, Empty, l.State("a", "e1"))
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.NumQueues())
	assert.T(t, !l.HasQueues("e1"))
}

func TestDrainStopsAtGap(t *testing.T) {
	l := NewLayer()
	l.Add(msg("a", "e1", 1), 1)
	l.Add(msg("a", "e1", 3), 1)
	l.Add(msg("a", "e1", 4), 1)

	a := newSeqApplier()
	assert.Equal(t, 1, l.Drain("e1", a))
	assert.Equal(t, Buffering, l.State("a", "e1"))
	assert.Equal(t, 2, l.QueueLen("a", "e1"))

	l.Add(msg("a", "e1", 2), 2)
	// FIFO: 2 sits behind 3 and 4, so it is only reached once 3 is applied
	assert.Equal(t, 0, l.Drain("e1", a))
	assert.Equal(t, 3, l.Len())
}

func TestDiscardedDuplicates(t *testing.T) {
	l := NewLayer()
	l.Add(msg("a", "e1", 1), 1)
	l.Add(msg("a", "e1", 1), 1)
	l.Add(msg("a", "e1", 2), 1)

	a := newSeqApplier()
	assert.Equal(t, 3, l.Drain("e1", a))
	assert.Equal(t, 2, len(a.applied))
}

func TestIndependentSources(t *testing.T) {
	l := NewLayer()
	l.Add(msg("b", "e1", 1), 1)
	l.Add(msg("a", "e1", 2), 1)
	l.Add(msg("a", "e1", 1), 1)

	a := newSeqApplier()
	l.Drain("e1", a)
	assert.Equal(t, 1, len(a.applied))
	assert.Equal(t, common.Addr("b"), a.applied[0].Src)
	assert.Equal(t, Buffering, l.State("a", "e1"))
	assert.Equal(t, Empty, l.State("b", "e1"))
}

// a source queue blocked on another source's progress is unblocked by a later pass
func TestCrossSourcePasses(t *testing.T) {
	l := NewLayer()
	l.Add(msg("a", "e1", 1), 1)
	l.Add(msg("b", "e1", 1), 1)

	var applied []common.Addr
	applier := ApplierFunc(func(m *proto.GhostMessage) ApplyResult {
		if m.Src == "a" && len(applied) == 0 {
			return Deferred
		}
		applied = append(applied, m.Src)
		return Applied
	})
	assert.Equal(t, 2, l.Drain("e1", applier))
	assert.Equal(t, []common.Addr{"b", "a"}, applied)
}

func TestDropEntityAndPurgePeer(t *testing.T) {
	l := NewLayer()
	l.Add(msg("a", "e1", 2), 1)
	l.Add(msg("b", "e1", 2), 1)
	l.Add(msg("a", "e2", 2), 1)
	l.Add(msg("c", "e2", 2), 1)
	assert.Equal(t, 4, l.NumQueues())

	assert.Equal(t, 2, l.DropEntity("e1"))
	assert.T(t, !l.HasQueues("e1"))
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 1, l.PurgePeer("a"))
	assert.Equal(t, Empty, l.State("a", "e2"))
	assert.Equal(t, Buffering, l.State("c", "e2"))
	assert.Equal(t, 0, l.PurgePeer("a"))

	assert.Equal(t, 1, l.DropQueue("c", "e2"))
	assert.Equal(t, 0, l.Len())
}

func TestApplierDropsEntity(t *testing.T) {
	l := NewLayer()
	l.Add(msg("a", "e1", 1), 1)
	l.Add(msg("a", "e1", 2), 1)
	l.Add(msg("b", "e1", 5), 1)

	calls := 0
	applier := ApplierFunc(func(m *proto.GhostMessage) ApplyResult {
		calls++
		l.DropEntity(m.EntityID)
		return Applied
	})
	l.Drain("e1", applier)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, l.NumQueues())
}

func TestExpire(t *testing.T) {
	l := NewLayer()
	l.Add(msg("a", "e1", 2), 10)
	l.Add(msg("a", "e1", 3), 50)
	l.Add(msg("a", "e2", 2), 40)

	assert.Equal(t, 0, l.Expire(10))
	assert.Equal(t, 2, l.Expire(20))
	assert.Equal(t, Empty, l.State("a", "e1"))
	assert.Equal(t, 1, l.Len())
}
