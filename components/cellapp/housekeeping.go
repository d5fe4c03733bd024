package cellapp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/metrics"
)

const _DEBUG_VIEW_TIMEOUT = time.Second * 3

// housekeeping samples the process load. goTimer is shared by every cellapp of the process,
// so the registry is read in a callback posted to this cellapp's tick goroutine.
func (a *CellApp) housekeeping() {
	if a.proc == nil {
		return
	}
	cpu, err := a.proc.CPUPercent()
	if err != nil {
		gwlog.Warnf("%s: get process cpu percent failed: %v", a.name, err)
		return
	}
	var rss uint64
	if mem, err := a.proc.MemoryInfo(); err == nil {
		rss = mem.RSS
	}
	metrics.SetProcessStats(a.name, cpu, rss)
	a.Post(func() {
		gwlog.Infof("%s: cpu %.1f%%, rss %dMB, %d reals, %d ghosts, slack %s, throttle %.2f", a.name, cpu, rss>>20,
			a.registry.NumReals(), a.registry.NumGhosts(), a.scheduler.Slack(), a.scheduler.Throttle())
	})
}

// EntityView is the debug view of one real entity or ghost
type EntityView struct {
	ID        common.EntityID `json:"id"`
	TypeName  string          `json:"type"`
	SpaceID   common.SpaceID  `json:"space"`
	Position  entity.Vector3  `json:"position"`
	Real      bool            `json:"real"`
	Authority string          `json:"authority,omitempty"`
	Haunts    []common.Addr   `json:"haunts,omitempty"`
	RealAddr  common.Addr     `json:"real_addr,omitempty"`
	NextReal  common.Addr     `json:"next_real,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
}

// DebugView is the debug view of a cellapp
type DebugView struct {
	Name       string        `json:"name"`
	Addr       common.Addr   `json:"addr"`
	Tick       uint64        `json:"tick"`
	Throttle   float64       `json:"throttle"`
	Buffered   int           `json:"buffered"`
	Tombstones int           `json:"tombstones"`
	DeadPeers  []common.Addr `json:"dead_peers"`
	Entities   []EntityView  `json:"entities"`
}

func (a *CellApp) debugView() *DebugView {
	view := &DebugView{
		Name:       a.name,
		Addr:       a.localAddr,
		Tick:       a.scheduler.CurrentTick(),
		Throttle:   a.scheduler.Throttle(),
		Buffered:   a.buffer.Len(),
		Tombstones: a.tracker.NumTombstones(),
		DeadPeers:  a.notifier.DeadPeers(),
	}
	for _, e := range a.registry.Reals() {
		view.Entities = append(view.Entities, EntityView{
			ID:        e.ID,
			TypeName:  e.TypeName,
			SpaceID:   e.SpaceID,
			Position:  e.Position(),
			Real:      true,
			Authority: e.Authority().String(),
			Haunts:    e.HauntAddrs(),
		})
	}
	for _, e := range a.registry.Ghosts() {
		view.Entities = append(view.Entities, EntityView{
			ID:       e.ID,
			TypeName: e.TypeName,
			SpaceID:  e.SpaceID,
			Position: e.Position(),
			RealAddr: e.RealAddr(),
			NextReal: e.NextRealAddr(),
			Stale:    e.IsStale(),
		})
	}
	return view
}

// DebugEntities returns the debug view taken on the tick goroutine. It is safe for concurrent use
func (a *CellApp) DebugEntities() (interface{}, error) {
	if !a.IsRunning() {
		return nil, ErrNotRunning
	}
	c := make(chan *DebugView, 1)
	a.Post(func() {
		c <- a.debugView()
	})
	select {
	case view := <-c:
		return view, nil
	case <-time.After(_DEBUG_VIEW_TIMEOUT):
		return nil, errors.Errorf("%s: tick goroutine did not answer in %s", a.name, _DEBUG_VIEW_TIMEOUT)
	}
}
