package scheduler

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/oht50/firmware/internal/clock"
)

const (
	maxNameLen = 64

	// defaultTick is the dispatcher's wake period when none is supplied.
	defaultTick = time.Millisecond
)

// task is the scheduler's private view of a registered unit of work.
// Exported snapshots are returned by value through Stats/Describe so callers
// never hold a pointer into the table across a table mutation.
type task struct {
	id    uint32
	name  string
	prio  Priority
	entry Entry
	arg   any

	period   time.Duration // 0 => one-shot
	deadline time.Duration

	state   State
	lastRun time.Time
	nextDue time.Time

	execCount       uint64
	missedDeadlines uint64

	// inFlight is set while entry is executing so RemoveTask can wait for
	// the current invocation to finish before reclaiming the slot.
	inFlight bool
}

// Scheduler is a bounded, single-dispatcher task table. Capacity is fixed at
// construction; tasks may be added after Start, but removal requires the
// target not be currently executing.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []*task
	capacity int
	nextID   uint32

	tick   time.Duration
	clock  clock.Source
	log    *zap.Logger
	onMiss func(name string, taskID uint32)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithTick overrides the dispatcher's wake period (default 1ms).
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock overrides the time source (tests use a clock.Fake).
func WithClock(c clock.Source) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithDeadlineMissHook registers a callback invoked whenever a task misses
// its deadline, in addition to the counter increment and log warning. Used
// by the system controller to fold scheduler health into its event queue.
func WithDeadlineMissHook(fn func(name string, taskID uint32)) Option {
	return func(s *Scheduler) { s.onMiss = fn }
}

// New allocates a Scheduler with a fixed task table capacity.
func New(capacity int, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		capacity: capacity,
		tick:     defaultTick,
		clock:    clock.Monotonic{},
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask registers a new task and returns its id. Fails if the table is
// full, the name is too long, or entry is nil. Initial next-due is
// now+period for periodic tasks, or now+deadline for one-shot tasks.
func (s *Scheduler) AddTask(name string, entry Entry, arg any, prio Priority, period, deadline time.Duration) (uint32, error) {
	if entry == nil {
		return 0, fmt.Errorf("scheduler: AddTask(%q): entry must not be nil", name)
	}
	if len(name) > maxNameLen {
		return 0, fmt.Errorf("scheduler: AddTask(%q): name exceeds %d bytes", name, maxNameLen)
	}
	if period > 0 && deadline < period {
		return 0, fmt.Errorf("scheduler: AddTask(%q): deadline %s must be >= period %s", name, deadline, period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) >= s.capacity {
		return 0, fmt.Errorf("scheduler: AddTask(%q): task table full (capacity %d)", name, s.capacity)
	}

	now := s.clock.Now()
	t := &task{
		id:       s.nextID,
		name:     name,
		prio:     prio,
		entry:    entry,
		arg:      arg,
		period:   period,
		deadline: deadline,
		state:    StateReady,
		lastRun:  now,
	}
	if period > 0 {
		t.nextDue = now.Add(period)
	} else {
		t.nextDue = now.Add(deadline)
	}
	s.nextID++
	s.tasks = append(s.tasks, t)
	return t.id, nil
}

// RemoveTask waits for any in-flight execution to complete, then marks the
// task terminated and reclaims its slot. The task is not suspended while
// RemoveTask waits, so it stays eligible for selection until it is removed.
// The table is compacted, so
// ids are not stable across removals — callers must re-query by name if
// they need to find a task again.
func (s *Scheduler) RemoveTask(id uint32) error {
	for {
		s.mu.Lock()
		idx := s.indexOf(id)
		if idx < 0 {
			s.mu.Unlock()
			return fmt.Errorf("scheduler: RemoveTask(%d): no such task", id)
		}
		t := s.tasks[idx]
		if t.inFlight {
			// Wait for the current invocation to finish before reclaiming.
			s.mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			continue
		}
		t.state = StateTerminated
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
		s.mu.Unlock()
		return nil
	}
}

func (s *Scheduler) indexOf(id uint32) int {
	for i, t := range s.tasks {
		if t.id == id {
			return i
		}
	}
	return -1
}

// Stats returns the execution and missed-deadline counts for a task.
func (s *Scheduler) Stats(id uint32) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Stats{}, fmt.Errorf("scheduler: Stats(%d): no such task", id)
	}
	t := s.tasks[idx]
	return Stats{ExecutionCount: t.execCount, MissedDeadlines: t.missedDeadlines}, nil
}

// TaskSnapshot is a point-in-time, by-name view of one registered task, for
// the HTTP stats surface (spec: "scheduler stats per task").
type TaskSnapshot struct {
	Name            string
	Priority        Priority
	State           State
	ExecutionCount  uint64
	MissedDeadlines uint64
}

// DescribeAll returns a snapshot of every currently registered task.
func (s *Scheduler) DescribeAll() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskSnapshot{
			Name:            t.name,
			Priority:        t.prio,
			State:           t.state,
			ExecutionCount:  t.execCount,
			MissedDeadlines: t.missedDeadlines,
		})
	}
	return out
}

// Start spawns the dispatcher goroutine. Idempotent: calling Start on an
// already-running scheduler is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.dispatch()
}

// Stop requests dispatcher shutdown and joins it. Idempotent.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// GetTimeUs returns the current monotonic time in microseconds, per the
// platform time helper contract every component shares.
func (s *Scheduler) GetTimeUs() int64 {
	return clock.Microseconds(s.clock.Now())
}

// dispatch is the single-threaded loop: wakes every tick, selects the
// highest-priority ready task (ties broken by earliest next-due — EDF
// within a priority band), and invokes at most one task per tick.
func (s *Scheduler) dispatch() {
	defer close(s.doneCh)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	setRealtimePriority(s.log)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tickOnce()
		}
	}
}

// tickOnce runs one dispatcher cycle. Kept separate from dispatch so that
// in-package tests get deterministic single-step control instead of racing
// a ticker.
func (s *Scheduler) tickOnce() {
	now := s.clock.Now()

	s.mu.Lock()
	selected := selectReady(s.tasks, now)
	if selected == nil {
		s.mu.Unlock()
		return
	}
	if selected.state != StateReady {
		s.mu.Unlock()
		return
	}

	// Deadline check against the previous cycle's completion.
	if selected.period > 0 && !selected.lastRun.IsZero() {
		elapsed := now.Sub(selected.lastRun)
		if elapsed > selected.deadline {
			selected.missedDeadlines++
			if s.log != nil {
				s.log.Warn("scheduler: deadline missed",
					zap.String("task", selected.name),
					zap.Duration("elapsed", elapsed),
					zap.Duration("deadline", selected.deadline))
			}
			if s.onMiss != nil {
				s.onMiss(selected.name, selected.id)
			}
		}
	}

	selected.state = StateRunning
	selected.execCount++
	selected.inFlight = true
	entry, arg := selected.entry, selected.arg
	s.mu.Unlock()

	runTaskSafely(entry, arg, selected.name, s.log)

	s.mu.Lock()
	selected.inFlight = false
	selected.lastRun = now
	if selected.period > 0 {
		selected.nextDue = now.Add(selected.period)
		selected.state = StateReady
	} else {
		selected.nextDue = now.Add(selected.deadline)
		selected.state = StateSuspended
	}
	s.mu.Unlock()
}

// selectReady picks the highest-priority ready task whose next-due has
// passed, breaking ties by earliest next-due. Caller holds s.mu.
func selectReady(tasks []*task, now time.Time) *task {
	var best *task
	for _, t := range tasks {
		if t.state != StateReady || t.nextDue.After(now) {
			continue
		}
		if best == nil ||
			t.prio < best.prio ||
			(t.prio == best.prio && t.nextDue.Before(best.nextDue)) {
			best = t
		}
	}
	return best
}

// runTaskSafely invokes entry, recovering from a panic so that one
// misbehaving task never tears down the dispatcher. The failure is logged
// and reported; the task resumes on its next tick.
func runTaskSafely(entry Entry, arg any, name string, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("scheduler: task panicked, continuing",
					zap.String("task", name), zap.Any("recover", r))
			}
		}
	}()
	entry(arg)
}

// setRealtimePriority makes a best-effort attempt to switch the calling
// thread to SCHED_FIFO at a mid real-time priority. Failure (most commonly
// EPERM when not running with CAP_SYS_NICE) is logged and otherwise
// ignored — the dispatcher degrades to the default scheduling class rather
// than refusing to run.
func setRealtimePriority(log *zap.Logger) {
	param := &unix.SchedParam{Priority: 50}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		if log != nil {
			log.Warn("scheduler: SCHED_FIFO unavailable, running best-effort", zap.Error(err))
		}
	}
}
