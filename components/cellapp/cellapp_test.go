package cellapp

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/directory"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/post"
	"github.com/xiaonanln/cellworld/engine/scheduler"
	"github.com/xiaonanln/cellworld/engine/storage"
	"github.com/xiaonanln/cellworld/engine/transport/loopback"
)

const (
	walkerType = "CellAppTestWalker"
	playerType = "CellAppTestPlayer"
)

// walker moves along +X by its speed prop every tick
type walker struct {
	entity.NopBehavior
}

func (walker) OnStep(e *entity.Entity, dt time.Duration) {
	pos := e.Position()
	pos.X += entity.Coord(e.GetFloat("speed"))
	e.SetPosition(pos)
}

func init() {
	entity.RegisterEntity(walkerType, walker{}, false)
	entity.RegisterEntity(playerType, entity.NopBehavior{}, true)
}

func testConfig() *config.CellWorldConfig {
	return &config.CellWorldConfig{
		Simulation: config.SimulationConfig{
			TickHz:                    10,
			MaxDrainPerTick:           1000,
			InboundQueueSize:          1000,
			GhostDistance:             50,
			GhostHysteresis:           10,
			MinGhostLifespanTicks:     2,
			MaxGhostsToDelete:         10,
			HandoffTimeoutTicks:       5,
			HandoffMaxRetries:         2,
			HandoffCooldownTicks:      10,
			CheckpointIntervalTicks:   5,
			SnapshotCompressThreshold: 1024,
		},
		Throttle: config.ThrottleConfig{
			SmoothingBias:  0.9,
			BackTrigger:    0,
			BackStep:       0.5,
			ForwardTrigger: 0.2,
			ForwardStep:    0.05,
			MinThrottle:    0.1,
		},
	}
}

// testWorld is space 1 split at x=500: cell1 hosted by A, cell2 hosted by B
type testWorld struct {
	t     *testing.T
	cfg   *config.CellWorldConfig
	net   *loopback.Network
	dir   *directory.Directory
	clock *scheduler.FakeClock
	apps  map[common.Addr]*CellApp
	order []common.Addr
}

func newTestWorld(t *testing.T) *testWorld {
	w := &testWorld{
		t:     t,
		cfg:   testConfig(),
		net:   loopback.NewNetwork(),
		dir:   directory.New(60),
		clock: scheduler.NewFakeClock(time.Now()),
		apps:  map[common.Addr]*CellApp{},
	}
	assert.Equal(t, nil, w.dir.AddCell(directory.CellInfo{ID: 1, SpaceID: 1, Rect: directory.Rect{MinX: 0, MinZ: 0, MaxX: 500, MaxZ: 1000}, Host: "A"}))
	assert.Equal(t, nil, w.dir.AddCell(directory.CellInfo{ID: 2, SpaceID: 1, Rect: directory.Rect{MinX: 500, MinZ: 0, MaxX: 1000, MaxZ: 1000}, Host: "B"}))
	w.start("A", nil, nil)
	w.start("B", nil, nil)
	return w
}

func (w *testWorld) start(addr common.Addr, st *storage.Storage, pq *post.Queue) *CellApp {
	var clock scheduler.Clock
	if w.clock != nil {
		clock = w.clock
	}
	app, err := New(Options{
		Name:      string(addr),
		Config:    w.cfg,
		Directory: w.dir,
		Transport: w.net.Endpoint(addr),
		Storage:   st,
		Post:      pq,
		Clock:     clock,
	})
	assert.Equal(w.t, nil, err)
	assert.Equal(w.t, nil, app.Start())
	if _, ok := w.apps[addr]; !ok {
		w.order = append(w.order, addr)
	}
	w.apps[addr] = app
	return app
}

// round ticks every running cellapp once, A before B
func (w *testWorld) round() {
	for _, addr := range w.order {
		if app := w.apps[addr]; app.IsRunning() {
			app.RunTick()
		}
	}
}

func (w *testWorld) checkAuthority(id common.EntityID) {
	active := 0
	for _, app := range w.apps {
		if e := app.Registry().FindReal(id); e != nil && e.IsActive() {
			active++
		}
	}
	assert.Tf(w.t, active <= 1, "%s has %d active reals", id, active)
}

func (w *testWorld) spawnWalker(addr common.Addr, x float32, speed float64) *entity.Entity {
	var created *entity.Entity
	w.apps[addr].CreateEntity(walkerType, "", 1, entity.Vector3{X: entity.Coord(x), Z: 100}, map[string]interface{}{"speed": speed}, func(e *entity.Entity, err error) {
		assert.Equal(w.t, nil, err)
		created = e
	})
	assert.T(w.t, created != nil)
	return created
}

func TestGhostingAndHandoff(t *testing.T) {
	w := newTestWorld(t)
	a, b := w.apps["A"], w.apps["B"]
	e := w.spawnWalker("A", 420, 20)

	w.round() // 440: inside hysteresis band only
	assert.T(t, b.Registry().FindGhost(e.ID) == nil)

	w.round() // 460: within ghost distance of cell2
	ghost := b.Registry().FindGhost(e.ID)
	assert.T(t, ghost != nil)
	assert.Equal(t, common.Addr("A"), ghost.RealAddr())
	assert.Equal(t, entity.Coord(460), ghost.Position().X)

	w.round() // 480
	assert.Equal(t, entity.Coord(480), b.Registry().FindGhost(e.ID).Position().X)

	w.round() // 500: crosses into cell2, handoff to B
	w.checkAuthority(e.ID)
	real := b.Registry().FindReal(e.ID)
	assert.T(t, real != nil)
	assert.T(t, real.IsActive())

	w.round() // A receives the ack and keeps a ghost
	w.checkAuthority(e.ID)
	assert.T(t, a.Registry().FindReal(e.ID) == nil)
	ghostOnA := a.Registry().FindGhost(e.ID)
	assert.T(t, ghostOnA != nil)
	assert.Equal(t, common.Addr("B"), ghostOnA.RealAddr())

	for i := 0; i < 5; i++ {
		w.round()
		w.checkAuthority(e.ID)
	}
	// far from cell1: the ghost on A is deleted
	assert.T(t, a.Registry().FindGhost(e.ID) == nil)
	assert.T(t, b.Registry().FindReal(e.ID).Position().X > 600)
	assert.Equal(t, 0, b.Registry().FindReal(e.ID).NumHaunts())
	assert.Equal(t, 0, a.Reporter().Count("DuplicateAuthority"))
}

func TestPeerDeathFreezesGhost(t *testing.T) {
	w := newTestWorld(t)
	b := w.apps["B"]
	e := w.spawnWalker("A", 470, 0)
	w.round()
	assert.T(t, b.Registry().FindGhost(e.ID) != nil)

	w.apps["A"].Stop()
	w.net.Kill("A")
	w.round()
	// Stop deleted the ghost before A died
	assert.T(t, b.Registry().FindGhost(e.ID) == nil)
	assert.T(t, b.notifier.IsDead("A"))

	// a cell hosted at A again revives the address
	w.start("A", nil, nil)
	assert.Equal(t, nil, b.AddCell(directory.CellInfo{ID: 3, SpaceID: 2, Rect: directory.Rect{MinX: 0, MinZ: 0, MaxX: 10, MaxZ: 10}, Host: "A"}))
	assert.T(t, !b.notifier.IsDead("A"))
}

func TestCrashedPeerGhostIsStale(t *testing.T) {
	w := newTestWorld(t)
	b := w.apps["B"]
	e := w.spawnWalker("A", 470, 0)
	w.round()
	assert.T(t, b.Registry().FindGhost(e.ID) != nil)

	// A crashes without deleting its ghosts
	w.net.Kill("A")
	delete(w.apps, "A")
	w.order = []common.Addr{"B"}
	w.round()
	ghost := b.Registry().FindGhost(e.ID)
	assert.T(t, ghost != nil)
	assert.T(t, ghost.IsStale())
}

func TestStopDeletesGhosts(t *testing.T) {
	w := newTestWorld(t)
	a, b := w.apps["A"], w.apps["B"]
	e := w.spawnWalker("A", 480, 0)
	w.round()
	assert.T(t, b.Registry().FindGhost(e.ID) != nil)

	a.Stop()
	assert.T(t, !a.IsRunning())
	assert.Equal(t, 0, a.Registry().NumReals())
	w.round()
	assert.T(t, b.Registry().FindGhost(e.ID) == nil)
}

func TestCreateEntityOutsideLocalCells(t *testing.T) {
	w := newTestWorld(t)
	var err error
	w.apps["A"].CreateEntity(walkerType, "", 1, entity.Vector3{X: 700, Z: 100}, nil, func(e *entity.Entity, e2 error) {
		err = e2
	})
	assert.Equal(t, ErrNotLocal, errors.Cause(err))

	w.apps["A"].CreateEntity(walkerType, "", 9, entity.Vector3{X: 10, Z: 10}, nil, func(e *entity.Entity, e2 error) {
		err = e2
	})
	assert.Equal(t, ErrNotLocal, errors.Cause(err))
}

func TestDestroyForwardedToReal(t *testing.T) {
	w := newTestWorld(t)
	a, b := w.apps["A"], w.apps["B"]
	e := w.spawnWalker("A", 480, 0)
	w.round()
	assert.T(t, b.Registry().FindGhost(e.ID) != nil)

	b.DestroyEntity(e.ID)
	w.round() // B forwards to A in its flush
	w.round() // A destroys the real and deletes the ghost
	w.round()
	assert.T(t, a.Registry().Find(e.ID) == nil)
	assert.T(t, b.Registry().Find(e.ID) == nil)
}

func TestBoundedDrain(t *testing.T) {
	w := newTestWorld(t)
	w.cfg.Simulation.MaxDrainPerTick = 2
	c := w.start("C", nil, nil)
	for i := 0; i < 5; i++ {
		c.OnMessage("A", []byte{0xff, 0xff}) // unknown message type, dropped
	}
	stats := c.RunTick()
	assert.Equal(t, 2, stats.Drained)
	assert.Equal(t, 3, stats.Deferred)
	stats = c.RunTick()
	assert.Equal(t, 2, stats.Drained)
	stats = c.RunTick()
	assert.Equal(t, 1, stats.Drained)
	assert.Equal(t, 0, stats.Deferred)
}

func TestInboundBacklogDoesNotBlockSenders(t *testing.T) {
	w := newTestWorld(t)
	w.cfg.Simulation.InboundQueueSize = 2
	c := w.start("C", nil, nil)
	d := w.start("D", nil, nil)

	// C and D flood each other over the loopback network without ticking
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			c.transport.Send("D", []byte{0xff, 0xff})
			d.transport.Send("C", []byte{0xff, 0xff})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sending to a backlogged cellapp blocked")
	}

	stats := c.RunTick()
	assert.Equal(t, 50, stats.Drained)
	assert.Equal(t, 0, stats.Deferred)
	stats = d.RunTick()
	assert.Equal(t, 50, stats.Drained)

	// a death notice queued behind the backlog is still handled in order
	for i := 0; i < 5; i++ {
		c.OnMessage("D", []byte{0xff, 0xff})
	}
	c.OnPeerUnreachable("D")
	c.RunTick()
	assert.T(t, c.notifier.IsDead("D"))
}

func waitFor(t *testing.T, app *CellApp, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
		app.RunTick()
	}
}

func TestPersistentEntity(t *testing.T) {
	dir, err := ioutil.TempDir("", "cellworld_cellapp")
	assert.Equal(t, nil, err)
	defer os.RemoveAll(dir)

	w := newTestWorld(t)
	w.apps["A"].Stop()
	openStorage := func() (*storage.Storage, *post.Queue) {
		pq := post.NewQueue()
		st, err := storage.Open(&config.StorageConfig{Type: "filesystem", Directory: dir}, pq)
		assert.Equal(t, nil, err)
		return st, pq
	}

	st, pq := openStorage()
	a := w.start("A", st, pq)
	id := common.GenEntityID()
	var player *entity.Entity
	a.CreateEntity(playerType, id, 1, entity.Vector3{X: 100, Z: 100}, map[string]interface{}{"gold": 1}, func(e *entity.Entity, err error) {
		assert.Equal(t, nil, err)
		player = e
	})
	waitFor(t, a, func() bool { return player != nil })
	assert.Equal(t, int64(1), player.GetInt("gold"))
	assert.Equal(t, nil, player.Set("gold", 7))
	assert.Equal(t, nil, player.SetPosition(entity.Vector3{X: 120, Z: 100}))
	a.Stop() // saves on despawn

	st, pq = openStorage()
	a = w.start("A", st, pq)
	player = nil
	a.CreateEntity(playerType, id, 1, entity.Vector3{X: 300, Z: 300}, nil, func(e *entity.Entity, err error) {
		assert.Equal(t, nil, err)
		player = e
	})
	waitFor(t, a, func() bool { return player != nil })
	assert.Equal(t, int64(7), player.GetInt("gold"))
	assert.Equal(t, entity.Coord(120), player.Position().X)
	a.Stop()
}

func TestCheckpoint(t *testing.T) {
	dir, err := ioutil.TempDir("", "cellworld_cellapp")
	assert.Equal(t, nil, err)
	defer os.RemoveAll(dir)

	w := newTestWorld(t)
	w.apps["A"].Stop()
	pq := post.NewQueue()
	st, err := storage.Open(&config.StorageConfig{Type: "filesystem", Directory: dir}, pq)
	assert.Equal(t, nil, err)
	a := w.start("A", st, pq)
	defer a.Stop()

	var player *entity.Entity
	a.CreateEntity(playerType, "", 1, entity.Vector3{X: 100, Z: 100}, nil, func(e *entity.Entity, err error) {
		player = e
	})
	waitFor(t, a, func() bool { return player != nil })
	created := player.LastCheckpointTick()
	for i := 0; i < int(w.cfg.Simulation.CheckpointIntervalTicks); i++ {
		a.RunTick()
	}
	assert.T(t, player.LastCheckpointTick() > created)
}

func TestDebugEntities(t *testing.T) {
	w := newTestWorld(t)
	w.apps["A"].Stop()
	w.clock = nil
	w.cfg.Simulation.TickHz = 100
	a := w.start("A", nil, nil)
	e := w.spawnWalker("A", 100, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	v, err := a.DebugEntities()
	assert.Equal(t, nil, err)
	view := v.(*DebugView)
	assert.Equal(t, "A", view.Name)
	assert.Equal(t, 1, len(view.Entities))
	assert.Equal(t, e.ID, view.Entities[0].ID)
	assert.T(t, view.Entities[0].Real)
	assert.Equal(t, "Active", view.Entities[0].Authority)

	cancel()
	assert.Equal(t, nil, <-done)
	assert.T(t, !a.IsRunning())
	_, err = a.DebugEntities()
	assert.Equal(t, ErrNotRunning, err)
}
