// Package cellapp runs the cells hosted by one cellapp process
//
// A CellApp owns the entity registry, the ghost replication protocol and the tick scheduler
// of the process. Every method is called from the tick goroutine unless documented otherwise;
// other goroutines hand work over with Post.
package cellapp

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
	"github.com/xiaonanln/cellworld/engine/buffering"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/diag"
	"github.com/xiaonanln/cellworld/engine/directory"
	"github.com/xiaonanln/cellworld/engine/entity"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/peers"
	"github.com/xiaonanln/cellworld/engine/post"
	"github.com/xiaonanln/cellworld/engine/replication"
	"github.com/xiaonanln/cellworld/engine/scheduler"
	"github.com/xiaonanln/cellworld/engine/storage"
	"github.com/xiaonanln/cellworld/engine/tombstone"
	"github.com/xiaonanln/cellworld/engine/transport"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	timer "github.com/xiaonanln/goTimer"
	"golang.org/x/time/rate"
)

const (
	rsNotRunning = iota
	rsRunning
	rsStopping
	rsStopped
)

type inboundItem struct {
	src         common.Addr
	payload     []byte
	unreachable bool
}

type outboundItem struct {
	to      common.Addr
	payload []byte
}

// Options configures a CellApp
type Options struct {
	Name      string
	Config    *config.CellWorldConfig
	Directory *directory.Directory
	Transport transport.Transport
	// Storage persists entities of persistent types; nil disables persistence
	Storage *storage.Storage
	// Post runs callbacks of the storage; it must be the queue Storage was opened with
	Post *post.Queue
	// Clock of the scheduler; nil means the system clock
	Clock scheduler.Clock
}

// CellApp hosts cells and their entities
type CellApp struct {
	name      string
	localAddr common.Addr
	sim       config.SimulationConfig
	transport transport.Transport
	directory *directory.Directory
	storage   *storage.Storage
	post      *post.Queue

	registry  *entity.Registry
	buffer    *buffering.Layer
	tracker   *tombstone.Tracker
	notifier  *peers.Notifier
	reporter  *diag.Reporter
	repl      *replication.Replicator
	scheduler *scheduler.Scheduler

	// inbound never blocks the transport; inboundHighWater only triggers backlog reports
	inbound          *xnsyncutil.SyncQueue
	inboundHighWater int
	backlogLog       *rate.Limiter
	outbox           []outboundItem

	runState          xnsyncutil.AtomicInt
	proc              *process.Process
	housekeepingTimer *timer.Timer
}

// New creates a CellApp; Start must be called before the first tick
func New(opts Options) (*CellApp, error) {
	if opts.Config == nil || opts.Directory == nil || opts.Transport == nil {
		return nil, errors.New("cellapp: config, directory and transport are required")
	}
	if opts.Storage != nil && opts.Post == nil {
		return nil, errors.New("cellapp: storage requires its post queue")
	}
	if opts.Post == nil {
		opts.Post = post.NewQueue()
	}
	name := opts.Name
	if name == "" {
		name = string(opts.Transport.LocalAddr())
	}

	sim := opts.Config.Simulation
	inboundQueueSize := sim.InboundQueueSize
	if inboundQueueSize <= 0 {
		inboundQueueSize = consts.CELLAPP_INBOUND_QUEUE_SIZE
	}

	a := &CellApp{
		name:             name,
		localAddr:        opts.Transport.LocalAddr(),
		sim:              sim,
		transport:        opts.Transport,
		directory:        opts.Directory,
		storage:          opts.Storage,
		post:             opts.Post,
		registry:         entity.NewRegistry(),
		buffer:           buffering.NewLayer(),
		tracker:          tombstone.NewTracker(),
		notifier:         peers.NewNotifier(),
		reporter:         diag.NewReporter(name),
		inbound:          xnsyncutil.NewSyncQueue(),
		inboundHighWater: inboundQueueSize,
		backlogLog:       rate.NewLimiter(rate.Every(consts.CELLAPP_HOUSEKEEPING_INTERVAL), 1),
	}

	a.repl = replication.New(replication.Config{
		Name:                 name,
		LocalAddr:            a.localAddr,
		HandoffTimeoutTicks:  sim.HandoffTimeoutTicks,
		HandoffMaxRetries:    sim.HandoffMaxRetries,
		HandoffCooldownTicks: sim.HandoffCooldownTicks,
		CompressThreshold:    sim.SnapshotCompressThreshold,
	}, a.registry, a.buffer, a.tracker, a.reporter, replication.SenderFunc(a.send))
	a.repl.OnRealDestroyed = a.onRealDestroyed
	a.repl.OnRealLost = a.onRealLost

	// tombstones and buffered queues go before the replicator freezes ghosts
	a.notifier.Subscribe("tombstone", a.tracker)
	a.notifier.Subscribe("buffering", peers.DeathHandlerFunc(func(dead common.Addr) {
		a.buffer.PurgePeer(dead)
	}))
	a.notifier.Subscribe("replication", a.repl)

	a.scheduler = scheduler.New(scheduler.Config{
		Name:            name,
		TickInterval:    sim.TickInterval(),
		MaxDrainPerTick: sim.MaxDrainPerTick,
		Throttle:        opts.Config.Throttle,
	}, opts.Clock, a)

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		a.proc = p
	} else {
		gwlog.Warnf("%s: can not find cellapp process: %v", name, err)
	}

	cells := a.directory.CellsHostedBy(a.localAddr)
	if len(cells) == 0 {
		gwlog.Warnf("%s: no cell is hosted at %s", name, a.localAddr)
	}
	for _, c := range cells {
		gwlog.Infof("%s: hosting %s of space %d: %s", name, c.ID, c.SpaceID, c.Rect)
	}
	return a, nil
}

// Name returns the cellapp name used in logs and metrics
func (a *CellApp) Name() string {
	return a.name
}

// LocalAddr returns the transport address of this cellapp
func (a *CellApp) LocalAddr() common.Addr {
	return a.localAddr
}

// Registry returns the entity registry
func (a *CellApp) Registry() *entity.Registry {
	return a.registry
}

// Reporter returns the operator-facing violation channel; it is safe for concurrent use
func (a *CellApp) Reporter() *diag.Reporter {
	return a.reporter
}

// Scheduler returns the tick scheduler
func (a *CellApp) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Replicator returns the ghost replication protocol
func (a *CellApp) Replicator() *replication.Replicator {
	return a.repl
}

// LocalCells returns the cells hosted by this cellapp
func (a *CellApp) LocalCells() []directory.CellInfo {
	return a.directory.CellsHostedBy(a.localAddr)
}

// Post runs f on the tick goroutine during the next drain phase. It is safe for concurrent use
func (a *CellApp) Post(f post.PostCallback) {
	a.post.Post(f)
}

// Start attaches the cellapp to its transport and registers the periodic work
func (a *CellApp) Start() error {
	if a.runState.Load() != rsNotRunning {
		return errors.Errorf("%s: already started", a.name)
	}
	if err := a.transport.Start(a); err != nil {
		return errors.Wrapf(err, "%s: start transport", a.name)
	}

	if a.storage != nil && a.sim.CheckpointIntervalTicks > 0 {
		a.scheduler.RegisterTimer(a.sim.CheckpointIntervalTicks, a.checkpoint)
	}
	if expire := a.bufferExpireTicks(); expire > 0 {
		a.scheduler.RegisterTimer(expire, func(tick uint64) {
			if tick > expire {
				a.buffer.Expire(tick - expire)
			}
		})
	}
	a.housekeepingTimer = timer.AddTimer(consts.CELLAPP_HOUSEKEEPING_INTERVAL, a.housekeeping)

	a.runState.Store(rsRunning)
	gwlog.Infof("%s: started at %s", a.name, a.localAddr)
	return nil
}

// bufferExpireTicks is how long an incomplete stream may wait for its missing messages
func (a *CellApp) bufferExpireTicks() uint64 {
	return a.sim.HandoffTimeoutTicks * uint64(a.sim.HandoffMaxRetries+2)
}

// RunTick runs one tick
func (a *CellApp) RunTick() scheduler.TickStats {
	return a.scheduler.RunTick()
}

// Run ticks until ctx is done, then stops the cellapp
func (a *CellApp) Run(ctx context.Context) error {
	err := a.scheduler.Run(ctx)
	a.Stop()
	if err == context.Canceled {
		err = nil
	}
	return err
}

// Stop destroys every real entity, saving persistent ones, and closes the transport
func (a *CellApp) Stop() {
	if a.runState.Load() != rsRunning {
		return
	}
	a.runState.Store(rsStopping)
	gwlog.Infof("%s: stopping with %d reals and %d ghosts ...", a.name, a.registry.NumReals(), a.registry.NumGhosts())

	a.post.Tick()
	for _, e := range a.registry.Reals() {
		a.repl.DestroyReal(e.ID)
	}
	a.flushOutbox()
	if a.housekeepingTimer != nil {
		a.housekeepingTimer.Cancel()
	}
	if a.storage != nil {
		a.storage.Shutdown()
		a.post.Tick()
	}
	if err := a.transport.Close(); err != nil {
		gwlog.Errorf("%s: close transport: %v", a.name, err)
	}
	a.updateGauges()
	a.runState.Store(rsStopped)
	gwlog.Infof("%s: stopped", a.name)
}

// IsRunning returns if the cellapp is started and not stopped. It is safe for concurrent use
func (a *CellApp) IsRunning() bool {
	return a.runState.Load() == rsRunning
}

// AddCell adds a cell to the directory; a host that was dead is accepted again
func (a *CellApp) AddCell(cell directory.CellInfo) error {
	if err := a.directory.AddCell(cell); err != nil {
		return err
	}
	if a.notifier.PublishRevival(cell.Host) {
		if f, ok := a.transport.(interface{ Forget(common.Addr) }); ok {
			f.Forget(cell.Host)
		}
	}
	return nil
}

// RemoveCell removes a cell from the directory
func (a *CellApp) RemoveCell(id common.CellID) error {
	return a.directory.RemoveCell(id)
}
