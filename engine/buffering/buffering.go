// Package buffering holds ghost messages that arrived before they could be applied
//
// Messages are kept in one FIFO queue per (source cellapp, target entity). Queues of
// the same entity are drained independently; no order across sources is assumed.
package buffering

import (
	"fmt"
	"sort"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/proto"
)

// QueueState is the state of one (source, entity) queue
type QueueState int

const (
	// Empty means there is no queue
	Empty QueueState = iota
	// Buffering means the head message is waiting for its precondition
	Buffering
	// Draining means messages are being replayed from the head
	Draining
)

func (s QueueState) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Buffering:
		return "Buffering"
	case Draining:
		return "Draining"
	}
	return fmt.Sprintf("QueueState(%d)", int(s))
}

// ApplyResult is the outcome of trying to apply a buffered message
type ApplyResult int

const (
	// Applied means the message was applied and removed
	Applied ApplyResult = iota
	// Deferred means the precondition is still missing; the message stays at the head
	Deferred
	// Discarded means the message is stale or duplicate and is removed
	Discarded
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "Applied"
	case Deferred:
		return "Deferred"
	case Discarded:
		return "Discarded"
	}
	return fmt.Sprintf("ApplyResult(%d)", int(r))
}

// Applier applies replayed messages
type Applier interface {
	TryApply(msg *proto.GhostMessage) ApplyResult
}

// ApplierFunc adapts a function to Applier
type ApplierFunc func(msg *proto.GhostMessage) ApplyResult

// TryApply calls f(msg)
func (f ApplierFunc) TryApply(msg *proto.GhostMessage) ApplyResult {
	return f(msg)
}

type queue struct {
	src       common.Addr
	state     QueueState
	msgs      []*proto.GhostMessage
	firstTick uint64
}

// Layer owns all buffered ghost messages of one cellapp
//
// Layer is not safe for concurrent use.
type Layer struct {
	queues      map[common.EntityID]map[common.Addr]*queue
	numMessages int
}

// NewLayer creates an empty Layer
func NewLayer() *Layer {
	return &Layer{
		queues: map[common.EntityID]map[common.Addr]*queue{},
	}
}

// Add appends a message to the tail of its (source, entity) queue
func (l *Layer) Add(msg *proto.GhostMessage, tick uint64) {
	qs := l.queues[msg.EntityID]
	if qs == nil {
		qs = map[common.Addr]*queue{}
		l.queues[msg.EntityID] = qs
	}
	q := qs[msg.Src]
	if q == nil {
		q = &queue{src: msg.Src, state: Buffering, firstTick: tick}
		qs[msg.Src] = q
	}
	q.msgs = append(q.msgs, msg)
	l.numMessages++
	if consts.DEBUG_BUFFERING {
		gwlog.Debugf("buffering: %s buffered, queue length %d", msg, len(q.msgs))
	}
}

// Drain replays the queues of the entity until no queue makes progress
//
// Queues are visited in ascending source address order in every pass. It returns the number of
// messages removed from the queues.
func (l *Layer) Drain(id common.EntityID, applier Applier) (removed int) {
	for {
		progress := false
		for _, src := range l.sources(id) {
			n := l.drainQueue(id, src, applier)
			if n > 0 {
				progress = true
				removed += n
			}
		}
		if !progress {
			return
		}
	}
}

func (l *Layer) drainQueue(id common.EntityID, src common.Addr, applier Applier) (removed int) {
	q := l.queue(src, id)
	if q == nil || q.state == Draining {
		return 0
	}

	q.state = Draining
	for len(q.msgs) > 0 {
		msg := q.msgs[0]
		res := applier.TryApply(msg)
		if l.queue(src, id) != q {
			// the queue was dropped by the applier
			return removed + 1
		}
		if res == Deferred {
			q.state = Buffering
			return
		}

		q.msgs[0] = nil
		q.msgs = q.msgs[1:]
		l.numMessages--
		removed++
		if consts.DEBUG_BUFFERING {
			gwlog.Debugf("buffering: %s replayed: %s", msg, res)
		}
	}

	l.removeQueue(id, src)
	return
}

// DropEntity drops all queues of the entity and returns the number of dropped messages
func (l *Layer) DropEntity(id common.EntityID) int {
	n := 0
	for src := range l.queues[id] {
		n += l.removeQueue(id, src)
	}
	return n
}

// DropQueue drops the queue of one (source, entity) pair
func (l *Layer) DropQueue(src common.Addr, id common.EntityID) int {
	if l.queue(src, id) == nil {
		return 0
	}
	return l.removeQueue(id, src)
}

// PurgePeer drops every queue whose source is addr
func (l *Layer) PurgePeer(addr common.Addr) int {
	n := 0
	for id, qs := range l.queues {
		if _, ok := qs[addr]; ok {
			n += l.removeQueue(id, addr)
		}
	}
	if n > 0 {
		gwlog.Infof("buffering: purged %d messages from %s", n, addr)
	}
	return n
}

// Expire drops queues that have been waiting since before the given tick
func (l *Layer) Expire(before uint64) int {
	n := 0
	for id, qs := range l.queues {
		for src, q := range qs {
			if q.firstTick < before && q.state != Draining {
				gwlog.Warnf("buffering: queue of %s from %s expired with %d messages", id, src, len(q.msgs))
				n += l.removeQueue(id, src)
			}
		}
	}
	return n
}

// State returns the state of one (source, entity) queue
func (l *Layer) State(src common.Addr, id common.EntityID) QueueState {
	q := l.queue(src, id)
	if q == nil {
		return Empty
	}
	return q.state
}

// QueueLen returns the number of messages in one (source, entity) queue
func (l *Layer) QueueLen(src common.Addr, id common.EntityID) int {
	q := l.queue(src, id)
	if q == nil {
		return 0
	}
	return len(q.msgs)
}

// HasQueues returns if any message of the entity is buffered
func (l *Layer) HasQueues(id common.EntityID) bool {
	return len(l.queues[id]) > 0
}

// Len returns the total number of buffered messages
func (l *Layer) Len() int {
	return l.numMessages
}

// NumQueues returns the number of non-empty queues
func (l *Layer) NumQueues() int {
	n := 0
	for _, qs := range l.queues {
		n += len(qs)
	}
	return n
}

func (l *Layer) queue(src common.Addr, id common.EntityID) *queue {
	return l.queues[id][src]
}

func (l *Layer) sources(id common.EntityID) []common.Addr {
	qs := l.queues[id]
	srcs := make([]common.Addr, 0, len(qs))
	for src := range qs {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	return srcs
}

func (l *Layer) removeQueue(id common.EntityID, src common.Addr) int {
	qs := l.queues[id]
	q := qs[src]
	n := len(q.msgs)
	l.numMessages -= n
	delete(qs, src)
	if len(qs) == 0 {
		delete(l.queues, id)
	}
	return n
}
