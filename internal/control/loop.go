// Package control implements the 1ms hard-real-time control loop: the
// highest-priority periodic composition of safety-check, control-compute,
// and telemetry hooks that the entire safety argument depends on.
package control

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/scheduler"
)

// State is the control loop's own lifecycle state, independent of the
// safety monitor's state machine — the two both carry an "estop" value but
// are never merged; the system controller observes each separately.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateFault
	StateEstop
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFault:
		return "fault"
	case StateEstop:
		return "estop"
	default:
		return "unknown"
	}
}

const (
	// Period is the fixed control-tick period and relative deadline.
	Period   = time.Millisecond
	Deadline = time.Millisecond

	defaultLatencyBufSize = 1000

	sentinelMinLatency = ^uint32(0) // UINT32_MAX, per the latency-stats reset contract.
)

// Hook is a callback invoked synchronously within a control tick. Any hook
// may be nil, in which case it is skipped silently. Hooks must not block,
// must not allocate in steady state, and must not panic — Loop recovers
// from a panicking hook, logs it, and continues on the next tick, exactly
// as the scheduler does for ordinary tasks.
type Hook func()

// Stats is the aggregate cycle-count / deadline-miss / execution-time view
// of the control loop, read by the HTTP stats surface and the system
// controller's health aggregation.
type Stats struct {
	TotalCycles        uint64
	MissedDeadlines    uint64
	LastCycleTime       time.Duration
	TotalExecutionTime time.Duration
}

// LatencyStats summarises the ring buffer of per-cycle execution times.
type LatencyStats struct {
	Count   int
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Jitter  time.Duration // max absolute deviation from Avg observed
}

// Loop is the control-loop context: hooks, cycle counters, and the latency
// ring buffer. It registers itself as a scheduler task at Start and is
// driven by the scheduler dispatcher thereafter — Tick is never called
// directly by application code.
type Loop struct {
	mu sync.Mutex

	state State

	safetyHook    Hook
	controlHook   Hook
	telemetryHook Hook

	clock clock.Source
	log   *zap.Logger

	cycleCount uint64
	stats      Stats

	latencyEnabled bool
	ring           []time.Duration
	ringPos        int
	ringFilled     int

	minLatency time.Duration
	maxLatency time.Duration
	sumLatency time.Duration
	maxJitter  time.Duration

	taskID    uint32
	scheduler *scheduler.Scheduler
}

// New constructs a Loop in the idle state with an empty latency buffer.
// bufSize is the ring-buffer capacity (spec default: 1000).
func New(log *zap.Logger, src clock.Source, bufSize int) *Loop {
	if bufSize <= 0 {
		bufSize = defaultLatencyBufSize
	}
	l := &Loop{
		state: StateIdle,
		clock: src,
		log:   log,
		ring:  make([]time.Duration, bufSize),
	}
	l.resetLatencyLocked()
	return l
}

// SetSafetyFn, SetControlFn, SetTelemetryFn register the three hooks. Safe
// to call before or after Start; a nil hook is simply skipped on the next
// tick.
func (l *Loop) SetSafetyFn(h Hook)    { l.mu.Lock(); l.safetyHook = h; l.mu.Unlock() }
func (l *Loop) SetControlFn(h Hook)   { l.mu.Lock(); l.controlHook = h; l.mu.Unlock() }
func (l *Loop) SetTelemetryFn(h Hook) { l.mu.Lock(); l.telemetryHook = h; l.mu.Unlock() }

// Start registers the loop as a scheduler task at critical priority with a
// 1ms period and 1ms deadline, and sets state to running.
func (l *Loop) Start(sched *scheduler.Scheduler) error {
	id, err := sched.AddTask("control-loop", func(any) { l.tick() }, nil, scheduler.PriorityCritical, Period, Deadline)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.taskID = id
	l.scheduler = sched
	l.state = StateRunning
	l.mu.Unlock()
	return nil
}

// Stop sets state to idle without removing the scheduler task; the next
// tick observes idle and returns immediately.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.state = StateIdle
	l.mu.Unlock()
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ForceFault transitions the loop to fault, used by the system controller
// when it observes a cross-subsystem failure that must stop control output.
func (l *Loop) ForceFault() {
	l.mu.Lock()
	l.state = StateFault
	l.mu.Unlock()
}

// ForceEstop transitions the loop to estop; invoked by the safety monitor's
// emergency callback so the control hook sees the new state within the
// same tick (invariant 6).
func (l *Loop) ForceEstop() {
	l.mu.Lock()
	l.state = StateEstop
	l.mu.Unlock()
}

// EnableLatencyMeasurement toggles whether cycle-time samples are appended
// to the ring buffer.
func (l *Loop) EnableLatencyMeasurement(enabled bool) {
	l.mu.Lock()
	l.latencyEnabled = enabled
	l.mu.Unlock()
}

// ResetLatencyStats clears the ring buffer and aggregate latency stats.
func (l *Loop) ResetLatencyStats() {
	l.mu.Lock()
	l.resetLatencyLocked()
	l.mu.Unlock()
}

func (l *Loop) resetLatencyLocked() {
	for i := range l.ring {
		l.ring[i] = 0
	}
	l.ringPos = 0
	l.ringFilled = 0
	l.minLatency = time.Duration(sentinelMinLatency)
	l.maxLatency = 0
	l.sumLatency = 0
	l.maxJitter = 0
}

// GetStats returns the aggregate cycle statistics.
func (l *Loop) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// GetLatencyStats computes the current latency distribution summary from
// the ring buffer's populated positions.
func (l *Loop) GetLatencyStats() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ringFilled == 0 {
		return LatencyStats{}
	}
	avg := l.sumLatency / time.Duration(l.ringFilled)
	return LatencyStats{
		Count:  l.ringFilled,
		Min:    l.minLatency,
		Max:    l.maxLatency,
		Avg:    avg,
		Jitter: l.maxJitter,
	}
}

// tick is the scheduler-invoked cycle body: safety -> control -> telemetry,
// in that fixed order, serialised by the scheduler's per-task mutual
// exclusion (only one invocation of this task is ever in flight).
func (l *Loop) tick() {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	safety, ctrl, telemetry := l.safetyHook, l.controlHook, l.telemetryHook
	latencyOn := l.latencyEnabled
	l.mu.Unlock()

	start := l.clock.Now()

	runHookSafely(safety, "safety", l.log)
	runHookSafely(ctrl, "control", l.log)
	runHookSafely(telemetry, "telemetry", l.log)

	end := l.clock.Now()
	execTime := end.Sub(start)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycleCount++
	l.stats.TotalCycles = l.cycleCount
	l.stats.LastCycleTime = execTime
	l.stats.TotalExecutionTime += execTime

	if latencyOn {
		if l.ringFilled == len(l.ring) {
			l.sumLatency -= l.ring[l.ringPos]
		}
		l.ring[l.ringPos] = execTime
		l.ringPos = (l.ringPos + 1) % len(l.ring)
		if l.ringFilled < len(l.ring) {
			l.ringFilled++
		}
		if execTime < l.minLatency {
			l.minLatency = execTime
		}
		if execTime > l.maxLatency {
			l.maxLatency = execTime
		}
		l.sumLatency += execTime
		avg := l.sumLatency / time.Duration(l.ringFilled)
		dev := execTime - avg
		if dev < 0 {
			dev = -dev
		}
		if dev > l.maxJitter {
			l.maxJitter = dev
		}
	}

	if execTime > Period {
		l.stats.MissedDeadlines++
		if l.log != nil {
			l.log.Warn("control loop: deadline missed",
				zap.Duration("execution_time", execTime), zap.Duration("period", Period))
		}
	}
}

// runHookSafely invokes a hook, recovering from a panic so a broken safety,
// control, or telemetry callback never stops the tick from completing —
// the scheduler's panic-isolation guarantee extends to hooks run inside a
// task, not just to the task itself.
func runHookSafely(h Hook, name string, log *zap.Logger) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("control loop: hook panicked, continuing", zap.String("hook", name), zap.Any("recover", r))
			}
		}
	}()
	h()
}
