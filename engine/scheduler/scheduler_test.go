package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/cellworld/engine/config"
)

const testTickInterval = time.Millisecond * 100

var testThrottle = config.ThrottleConfig{
	SmoothingBias:  0.5,
	BackTrigger:    0,
	BackStep:       0.5,
	ForwardTrigger: 0.2,
	ForwardStep:    0.25,
	MinThrottle:    0.1,
}

type fakePhases struct {
	clock    *FakeClock
	cost     map[uint64]time.Duration // wall-clock time spent stepping at tick
	inbound  int
	drains   []uint64
	steps    []uint64
	throttle []float64
	flushes  int
	order    []string
}

func (p *fakePhases) DrainInbound(tick uint64, budget int) (int, int) {
	p.drains = append(p.drains, tick)
	p.order = append(p.order, "drain")
	n := budget
	if n > p.inbound {
		n = p.inbound
	}
	p.inbound -= n
	return n, p.inbound
}

func (p *fakePhases) StepEntities(tick uint64, dt time.Duration) {
	p.steps = append(p.steps, tick)
	p.order = append(p.order, "step")
	if p.clock != nil {
		p.clock.Advance(p.cost[tick])
	}
}

func (p *fakePhases) EvaluateBoundaries(tick uint64, throttle float64) {
	p.throttle = append(p.throttle, throttle)
	p.order = append(p.order, "boundaries")
}

func (p *fakePhases) FlushOutbound(tick uint64) {
	p.flushes++
	p.order = append(p.order, "flush")
}

func newTestScheduler(p *fakePhases, maxDrain int) *Scheduler {
	return New(Config{
		Name:            "scheduler_test",
		TickInterval:    testTickInterval,
		MaxDrainPerTick: maxDrain,
		Throttle:        testThrottle,
	}, p.clock, p)
}

func TestPhaseOrder(t *testing.T) {
	p := &fakePhases{clock: NewFakeClock(time.Unix(0, 0))}
	s := newTestScheduler(p, 10)
	var fired []string
	s.RegisterTimer(1, func(tick uint64) {
		fired = append(fired, "timer")
		p.order = append(p.order, "timer")
	})
	stats := s.RunTick()
	assert.Equal(t, uint64(1), stats.Tick)
	assert.Equal(t, []string{"timer", "drain", "step", "boundaries", "flush"}, p.order)
	assert.Equal(t, 1, len(fired))
}

func TestOverrunDoesNotSkipDrain(t *testing.T) {
	p := &fakePhases{
		clock: NewFakeClock(time.Unix(0, 0)),
		cost: map[uint64]time.Duration{
			1: testTickInterval / 2,
			2: testTickInterval * 5 / 2,
			3: testTickInterval / 2,
			4: testTickInterval / 2,
			5: testTickInterval / 2,
			6: testTickInterval / 2,
		},
	}
	s := newTestScheduler(p, 100)

	stats := s.RunTick()
	assert.Equal(t, testTickInterval/2, stats.Slack)
	assert.Equal(t, 1.0, stats.Throttle)

	stats = s.RunTick()
	assert.Equal(t, -testTickInterval*3/2, stats.Slack)
	assert.T(t, s.Slack() < 0)
	assert.T(t, s.Throttle() < 1)

	stats = s.RunTick()
	assert.Equal(t, uint64(3), stats.Tick)
	assert.Equal(t, []uint64{1, 2, 3}, p.drains)
	assert.Equal(t, testTickInterval/2, s.Slack())

	for i := 0; i < 3; i++ {
		s.RunTick()
	}
	assert.T(t, s.Slack() > 0)
	assert.Equal(t, 1.0, s.Throttle())
	assert.Equal(t, 6, len(p.drains))
	assert.Equal(t, 6, p.flushes)
}

func TestBoundedDrain(t *testing.T) {
	p := &fakePhases{inbound: 25}
	s := newTestScheduler(p, 10)
	s.clock = NewFakeClock(time.Unix(0, 0))

	stats := s.RunTick()
	assert.Equal(t, 10, stats.Drained)
	assert.Equal(t, 15, stats.Deferred)
	stats = s.RunTick()
	assert.Equal(t, 10, stats.Drained)
	stats = s.RunTick()
	assert.Equal(t, 5, stats.Drained)
	assert.Equal(t, 0, stats.Deferred)
	assert.Equal(t, 3, len(p.steps))
}

func TestThrottleFloor(t *testing.T) {
	cost := map[uint64]time.Duration{}
	for tick := uint64(1); tick <= 20; tick++ {
		cost[tick] = testTickInterval * 3
	}
	p := &fakePhases{clock: NewFakeClock(time.Unix(0, 0)), cost: cost}
	s := newTestScheduler(p, 10)
	for i := 0; i < 20; i++ {
		s.RunTick()
	}
	assert.Equal(t, testThrottle.MinThrottle, s.Throttle())
	// boundary evaluation sees the throttle of the previous tick
	assert.Equal(t, 1.0, p.throttle[0])
	assert.Equal(t, testThrottle.MinThrottle, p.throttle[19])
}

func TestTimers(t *testing.T) {
	p := &fakePhases{}
	s := newTestScheduler(p, 10)
	s.clock = NewFakeClock(time.Unix(0, 0))

	var every3, every1 []uint64
	id := s.RegisterTimer(3, func(tick uint64) { every3 = append(every3, tick) })
	s.RegisterTimer(1, func(tick uint64) {
		every1 = append(every1, tick)
		if tick == 2 {
			panic("timer panic")
		}
	})
	for i := 0; i < 7; i++ {
		s.RunTick()
	}
	assert.Equal(t, []uint64{3, 6}, every3)
	assert.Equal(t, 7, len(every1))

	s.CancelTimer(id)
	for i := 0; i < 3; i++ {
		s.RunTick()
	}
	assert.Equal(t, []uint64{3, 6}, every3)
}

type countingPhases struct {
	fakePhases
	cancel context.CancelFunc
	stopAt uint64
}

func (p *countingPhases) FlushOutbound(tick uint64) {
	p.fakePhases.FlushOutbound(tick)
	if tick == p.stopAt {
		p.cancel()
	}
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPhases{cancel: cancel, stopAt: 5}
	s := New(Config{
		Name:            "scheduler_test",
		TickInterval:    time.Millisecond,
		MaxDrainPerTick: 10,
		Throttle:        testThrottle,
	}, nil, p)

	err := s.Run(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, uint64(5), s.CurrentTick())
	assert.Equal(t, 5, p.flushes)
	assert.T(t, !s.IsRunning())
}

func TestFakeClock(t *testing.T) {
	fc := NewFakeClock(time.Unix(100, 0))
	c := fc.After(time.Second)
	fc.Advance(time.Millisecond * 500)
	select {
	case <-c:
		t.Fatalf("fired early")
	default:
	}
	fc.Advance(time.Millisecond * 500)
	now := <-c
	assert.T(t, now.Equal(time.Unix(101, 0)))
	assert.T(t, fc.Now().Equal(time.Unix(101, 0)))
}
