package diag

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/consts"
)

func TestReport(t *testing.T) {
	r := NewReporter("diag_test")
	w, stop := r.Watch()

	r.Report(Violation{Kind: DuplicateAuthority, EntityID: "e1", LocalAddr: "a", PeerAddr: "b", Detail: "onload while real"})
	v := <-r.C()
	assert.Equal(t, DuplicateAuthority, v.Kind)
	assert.T(t, !v.Time.IsZero())
	v = <-w
	assert.Equal(t, "e1", string(v.EntityID))

	stop()
	r.Report(Violation{Kind: HandoffTimeout, EntityID: "e2"})
	select {
	case <-w:
		t.Fatalf("stopped watcher received a violation")
	default:
	}

	assert.Equal(t, 1, r.Count(DuplicateAuthority))
	assert.Equal(t, 1, r.Count(HandoffTimeout))
	assert.Equal(t, 0, r.Count(ConsistencyViolation))
	assert.Equal(t, 2, len(r.Recent()))
}

func TestRecentRing(t *testing.T) {
	r := NewReporter("diag_test")
	n := consts.DIAG_RECENT_VIOLATIONS + 3
	for i := 0; i < n; i++ {
		r.Report(Violation{Kind: ConsistencyViolation, Tick: uint64(i)})
	}
	recent := r.Recent()
	assert.Equal(t, consts.DIAG_RECENT_VIOLATIONS, len(recent))
	assert.Equal(t, uint64(3), recent[0].Tick)
	assert.Equal(t, uint64(n-1), recent[len(recent)-1].Tick)
}
