// Package scheduler drives the fixed-rate simulation tick of a cellapp
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	"github.com/xiaonanln/cellworld/engine/metrics"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
)

// Phases is the work of one tick, called in order from the tick goroutine
type Phases interface {
	// DrainInbound handles at most budget pending inbound messages and returns the number handled
	// and the number left for later ticks
	DrainInbound(tick uint64, budget int) (drained int, remaining int)
	// StepEntities advances the authoritative entities by one tick
	StepEntities(tick uint64, dt time.Duration)
	// EvaluateBoundaries creates and deletes ghosts and starts handoffs; throttle scales optional work
	EvaluateBoundaries(tick uint64, throttle float64)
	// FlushOutbound sends the changes of this tick to the neighbour cells
	FlushOutbound(tick uint64)
}

// Config holds the scheduler parameters
type Config struct {
	Name            string
	TickInterval    time.Duration
	MaxDrainPerTick int
	Throttle        config.ThrottleConfig
}

// TickStats describes one finished tick
type TickStats struct {
	Tick     uint64
	Elapsed  time.Duration
	Slack    time.Duration
	Drained  int
	Deferred int
	Throttle float64
}

type tickTimer struct {
	id       int
	interval uint64
	nextTick uint64
	callback func(tick uint64)
}

// Scheduler runs the tick phases at a fixed rate
//
// A tick that overruns its budget does not cause the next one to be skipped: the next tick
// starts immediately and the slack goes negative.
type Scheduler struct {
	cfg    Config
	clock  Clock
	phases Phases

	tick          uint64
	slack         time.Duration
	smoothedSpare float64
	throttle      float64
	timers        map[int]*tickTimer
	nextTimerID   int
	running       xnsyncutil.AtomicBool
}

// New creates a Scheduler
func New(cfg Config, clock Clock, phases Phases) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		cfg:           cfg,
		clock:         clock,
		phases:        phases,
		smoothedSpare: 1,
		throttle:      1,
		timers:        map[int]*tickTimer{},
	}
}

// CurrentTick returns the number of the last started tick
func (s *Scheduler) CurrentTick() uint64 {
	return s.tick
}

// Slack returns the tick budget minus the duration of the last tick
func (s *Scheduler) Slack() time.Duration {
	return s.slack
}

// Throttle returns the fraction of optional work to do, in [min_throttle, 1]
func (s *Scheduler) Throttle() float64 {
	return s.throttle
}

// IsRunning returns if Run is in progress
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// RegisterTimer calls cb every intervalTicks ticks, before the inbound drain. It returns an ID for CancelTimer
func (s *Scheduler) RegisterTimer(intervalTicks uint64, cb func(tick uint64)) int {
	if intervalTicks == 0 {
		intervalTicks = 1
	}
	s.nextTimerID++
	s.timers[s.nextTimerID] = &tickTimer{
		id:       s.nextTimerID,
		interval: intervalTicks,
		nextTick: s.tick + intervalTicks,
		callback: cb,
	}
	return s.nextTimerID
}

// CancelTimer removes a timer registered by RegisterTimer
func (s *Scheduler) CancelTimer(id int) {
	delete(s.timers, id)
}

// RunTick runs one tick synchronously
func (s *Scheduler) RunTick() TickStats {
	start := s.clock.Now()
	s.tick++
	tick := s.tick

	s.fireTimers(tick)
	drained, deferred := s.phases.DrainInbound(tick, s.cfg.MaxDrainPerTick)
	s.phases.StepEntities(tick, s.cfg.TickInterval)
	s.phases.EvaluateBoundaries(tick, s.throttle)
	s.phases.FlushOutbound(tick)

	elapsed := s.clock.Now().Sub(start)
	s.slack = s.cfg.TickInterval - elapsed
	s.updateThrottle()

	metrics.RecordTick(s.cfg.Name, elapsed, s.slack)
	metrics.SetThrottle(s.cfg.Name, s.throttle)
	metrics.SetDeferredInbound(s.cfg.Name, deferred)
	if s.slack < 0 {
		gwlog.Warnf("%s: tick %d took %s, %s over budget (%d inbound deferred)", s.cfg.Name, tick, elapsed, -s.slack, deferred)
	}

	return TickStats{
		Tick:     tick,
		Elapsed:  elapsed,
		Slack:    s.slack,
		Drained:  drained,
		Deferred: deferred,
		Throttle: s.throttle,
	}
}

func (s *Scheduler) fireTimers(tick uint64) {
	if len(s.timers) == 0 {
		return
	}
	ids := make([]int, 0, len(s.timers))
	for id, t := range s.timers {
		if t.nextTick <= tick {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		t := s.timers[id]
		if t == nil {
			// cancelled by an earlier callback
			continue
		}
		t.nextTick = tick + t.interval
		gwutils.RunPanicless(func() {
			t.callback(tick)
		})
	}
}

// updateThrottle smooths the spare fraction of the tick budget and moves the throttle
// down fast when it drops below back_trigger, and up slowly above forward_trigger
func (s *Scheduler) updateThrottle() {
	tc := &s.cfg.Throttle
	spare := float64(s.slack) / float64(s.cfg.TickInterval)
	s.smoothedSpare = tc.SmoothingBias*s.smoothedSpare + (1-tc.SmoothingBias)*spare

	old := s.throttle
	if s.smoothedSpare < tc.BackTrigger {
		s.throttle *= tc.BackStep
		if s.throttle < tc.MinThrottle {
			s.throttle = tc.MinThrottle
		}
	} else if s.smoothedSpare > tc.ForwardTrigger {
		s.throttle += tc.ForwardStep
		if s.throttle > 1 {
			s.throttle = 1
		}
	}
	if s.throttle != old && (s.throttle == tc.MinThrottle || old == 1) {
		gwlog.Warnf("%s: throttle %.2f -> %.2f (spare %.2f)", s.cfg.Name, old, s.throttle, s.smoothedSpare)
	}
}

// Run ticks at the fixed rate until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	gwlog.Infof("%s: scheduler started, tick interval %s, max drain %d", s.cfg.Name, s.cfg.TickInterval, s.cfg.MaxDrainPerTick)
	deadline := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			gwlog.Infof("%s: scheduler stopped at tick %d", s.cfg.Name, s.tick)
			return ctx.Err()
		default:
		}

		s.RunTick()
		deadline = deadline.Add(s.cfg.TickInterval)
		now := s.clock.Now()
		if !now.Before(deadline) {
			// overrun: start the next tick now and do not try to catch up
			deadline = now
			continue
		}

		select {
		case <-ctx.Done():
			gwlog.Infof("%s: scheduler stopped at tick %d", s.cfg.Name, s.tick)
			return ctx.Err()
		case <-s.clock.After(deadline.Sub(now)):
		}
	}
}
