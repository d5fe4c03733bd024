package peers

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/common"
)

type recorder struct {
	deaths, revivals []common.Addr
}

func (r *recorder) OnPeerDeath(addr common.Addr)   { r.deaths = append(r.deaths, addr) }
func (r *recorder) OnPeerRevived(addr common.Addr) { r.revivals = append(r.revivals, addr) }

func TestPublish(t *testing.T) {
	n := NewNotifier()
	r := &recorder{}
	var order []string
	n.Subscribe("first", DeathHandlerFunc(func(addr common.Addr) { order = append(order, "first") }))
	n.Subscribe("panicky", DeathHandlerFunc(func(addr common.Addr) { panic("bad subscriber") }))
	n.Subscribe("recorder", r)
	n.Subscribe("last", DeathHandlerFunc(func(addr common.Addr) { order = append(order, "last") }))

	assert.T(t, n.PublishDeath("a"))
	assert.T(t, !n.PublishDeath("a"))
	assert.T(t, n.IsDead("a"))
	assert.Equal(t, []string{"first", "last"}, order)
	assert.Equal(t, []common.Addr{"a"}, r.deaths)

	assert.T(t, !n.PublishRevival("b"))
	assert.T(t, n.PublishRevival("a"))
	assert.Equal(t, []common.Addr{"a"}, r.revivals)
	assert.T(t, !n.IsDead("a"))

	assert.T(t, n.PublishDeath("a"))
	assert.Equal(t, 2, len(r.deaths))
	assert.Equal(t, []common.Addr{"a"}, n.DeadPeers())
}
