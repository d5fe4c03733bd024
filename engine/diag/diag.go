// Package diag is the operator-facing channel of authority invariant violations
package diag

import (
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/metrics"
)

// Kind is the kind of a violation
type Kind string

const (
	// DuplicateAuthority means a second real instance of an entity was about to be created
	DuplicateAuthority Kind = "DuplicateAuthority"
	// HandoffTimeout means a promotion request was never answered after all retries
	HandoffTimeout Kind = "HandoffTimeout"
	// ConsistencyViolation means an entity is considered lost
	ConsistencyViolation Kind = "ConsistencyViolation"
)

// Violation is one reported violation
type Violation struct {
	Kind      Kind                   `json:"kind"`
	EntityID  common.EntityID        `json:"entity_id"`
	LocalAddr common.Addr            `json:"local_addr"`
	PeerAddr  common.Addr            `json:"peer_addr"`
	Tick      uint64                 `json:"tick"`
	Time      time.Time              `json:"time"`
	Detail    string                 `json:"detail"`
	Snapshot  map[string]interface{} `json:"snapshot,omitempty"`
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s: entity %s local=%s peer=%s tick=%d: %s", v.Kind, v.EntityID, v.LocalAddr, v.PeerAddr, v.Tick, v.Detail)
}

// Reporter logs violations, keeps the recent ones and fans them out to watchers
//
// Reporter is safe for concurrent use.
type Reporter struct {
	name     string
	mu       sync.Mutex
	recent   []Violation
	next     int
	total    map[Kind]int
	watchers map[chan Violation]struct{}
	ch       chan Violation
}

// NewReporter creates a Reporter for the cellapp
func NewReporter(name string) *Reporter {
	return &Reporter{
		name:     name,
		recent:   make([]Violation, 0, consts.DIAG_RECENT_VIOLATIONS),
		total:    map[Kind]int{},
		watchers: map[chan Violation]struct{}{},
		ch:       make(chan Violation, consts.DIAG_RECENT_VIOLATIONS),
	}
}

// Report records a violation. It never blocks
func (r *Reporter) Report(v Violation) {
	if v.Time.IsZero() {
		v.Time = time.Now()
	}
	gwlog.Errorf("%s: %s", r.name, v.String())
	metrics.RecordViolation(r.name, string(v.Kind))

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recent) < cap(r.recent) {
		r.recent = append(r.recent, v)
	} else {
		r.recent[r.next] = v
		r.next = (r.next + 1) % len(r.recent)
	}
	r.total[v.Kind]++

	select {
	case r.ch <- v:
	default:
	}
	for w := range r.watchers {
		select {
		case w <- v:
		default:
		}
	}
}

// C returns the channel of reported violations. Violations are dropped when it is full
func (r *Reporter) C() <-chan Violation {
	return r.ch
}

// Recent returns the recent violations, oldest first
func (r *Reporter) Recent() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Violation, 0, len(r.recent))
	res = append(res, r.recent[r.next:]...)
	res = append(res, r.recent[:r.next]...)
	return res
}

// Count returns the number of violations of the kind reported so far
func (r *Reporter) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total[kind]
}

// Watch returns a channel receiving violations reported from now on, and a function to stop watching
func (r *Reporter) Watch() (<-chan Violation, func()) {
	w := make(chan Violation, 16)
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	return w, func() {
		r.mu.Lock()
		delete(r.watchers, w)
		r.mu.Unlock()
	}
}
