package tombstone

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestReplacedGhost(t *testing.T) {
	tr := NewTracker()
	assert.T(t, !tr.IsStale("e1", "a"))

	tr.RecordReplacedGhost("e1", "a")
	tr.RecordReplacedGhost("e1", "a")
	assert.Equal(t, 1, tr.NumTombstones())
	assert.T(t, tr.IsStale("e1", "a"))
	assert.T(t, !tr.IsStale("e1", "b"))
	assert.T(t, !tr.IsStale("e2", "a"))

	assert.T(t, !tr.ReleaseOnExplicitAck("e1", "b"))
	assert.T(t, tr.ReleaseOnExplicitAck("e1", "a"))
	assert.T(t, !tr.IsStale("e1", "a"))
	assert.Equal(t, 0, tr.NumTombstones())
	assert.Equal(t, 0, len(tr.Tombstones()))
}

func TestPeerDeath(t *testing.T) {
	tr := NewTracker()
	tr.RecordReplacedGhost("e1", "a")
	tr.RecordReplacedGhost("e2", "a")
	tr.RecordReplacedGhost("e2", "b")
	tr.RecordCancelledHandoff("h1", "e3", "a")
	tr.RecordCancelledHandoff("h2", "e4", "c")

	assert.Equal(t, 3, tr.ReleaseOnPeerDeath("a"))
	assert.Equal(t, []ReplacedGhost{{EntityID: "e2", OldSrc: "b"}}, tr.Tombstones())
	assert.Equal(t, 1, tr.NumTombstones())
	assert.Equal(t, 1, tr.NumCancelledHandoffs())

	// nothing from a dead peer is accepted
	assert.T(t, tr.IsStale("e9", "a"))
	assert.T(t, tr.IsDead("a"))
	tr.RecordReplacedGhost("e9", "a")
	assert.Equal(t, 1, tr.NumTombstones())

	tr.OnPeerRevived("a")
	assert.T(t, !tr.IsStale("e9", "a"))
}

func TestCancelledHandoff(t *testing.T) {
	tr := NewTracker()
	tr.RecordCancelledHandoff("h1", "e1", "b")
	h, ok := tr.TakeCancelledHandoff("h1")
	assert.T(t, ok)
	assert.Equal(t, CancelledHandoff{HandoffID: "h1", EntityID: "e1", Target: "b"}, h)
	_, ok = tr.TakeCancelledHandoff("h1")
	assert.T(t, !ok)
}
