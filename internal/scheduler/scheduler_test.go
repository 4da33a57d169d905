package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/oht50/firmware/internal/clock"
)

func TestAddTaskRejectsNilEntry(t *testing.T) {
	s := New(4, nil)
	if _, err := s.AddTask("no-entry", nil, nil, PriorityHigh, time.Millisecond, time.Millisecond); err == nil {
		t.Fatal("expected error for nil entry")
	}
}

func TestAddTaskRejectsDeadlineBelowPeriod(t *testing.T) {
	s := New(4, nil)
	_, err := s.AddTask("bad-deadline", func(any) {}, nil, PriorityHigh, 10*time.Millisecond, time.Millisecond)
	if err == nil {
		t.Fatal("expected error when deadline < period")
	}
}

func TestAddTaskRejectsTableFull(t *testing.T) {
	s := New(1, nil)
	if _, err := s.AddTask("a", func(any) {}, nil, PriorityHigh, time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AddTask("b", func(any) {}, nil, PriorityHigh, time.Millisecond, time.Millisecond); err == nil {
		t.Fatal("expected table-full error")
	}
}

func TestRemoveTaskThenStatsFails(t *testing.T) {
	s := New(4, nil)
	id, err := s.AddTask("transient", func(any) {}, nil, PriorityLow, 0, time.Millisecond)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.RemoveTask(id); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, err := s.Stats(id); err == nil {
		t.Fatal("expected Stats to fail after removal (invariant 9: ids unstable after removal)")
	}
}

// TestDeadlineCompliance mirrors scenario S1: a 1ms-period task whose body
// takes well under its deadline should never record a missed deadline.
func TestDeadlineCompliance(t *testing.T) {
	fake := clock.NewFake(time.Time{})
	s := New(4, nil, WithClock(fake), WithTick(time.Millisecond))

	var execs int64
	id, err := s.AddTask("ctrl", func(any) {
		atomic.AddInt64(&execs, 1)
	}, nil, PriorityCritical, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	for i := 0; i < 1000; i++ {
		fake.Advance(time.Millisecond)
		s.tickOnce()
	}

	stats, err := s.Stats(id)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MissedDeadlines != 0 {
		t.Fatalf("expected 0 missed deadlines, got %d", stats.MissedDeadlines)
	}
	if stats.ExecutionCount < 995 || stats.ExecutionCount > 1005 {
		t.Fatalf("execution count %d out of expected [995,1005]", stats.ExecutionCount)
	}
}

// TestPriorityOrdering mirrors scenario S2: three same-period tasks at
// distinct priorities should execute in priority order when simultaneously
// ready, and each should still make substantial progress.
func TestPriorityOrdering(t *testing.T) {
	fake := clock.NewFake(time.Time{})
	s := New(8, nil, WithClock(fake), WithTick(time.Millisecond))

	counts := map[string]*int64{"low": new(int64), "medium": new(int64), "high": new(int64)}
	mk := func(name string) Entry {
		return func(any) { atomic.AddInt64(counts[name], 1) }
	}
	if _, err := s.AddTask("low", mk("low"), nil, PriorityLow, 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("AddTask(low): %v", err)
	}
	if _, err := s.AddTask("medium", mk("medium"), nil, PriorityMedium, 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("AddTask(medium): %v", err)
	}
	if _, err := s.AddTask("high", mk("high"), nil, PriorityHigh, 10*time.Millisecond, 10*time.Millisecond); err != nil {
		t.Fatalf("AddTask(high): %v", err)
	}

	for i := 0; i < 100; i++ {
		fake.Advance(time.Millisecond)
		s.tickOnce()
	}

	high := atomic.LoadInt64(counts["high"])
	medium := atomic.LoadInt64(counts["medium"])
	low := atomic.LoadInt64(counts["low"])

	if !(high >= medium && medium >= low) {
		t.Fatalf("priority ordering violated: high=%d medium=%d low=%d", high, medium, low)
	}
	if high < 8 || medium < 8 || low < 8 {
		t.Fatalf("expected each count >= 8, got high=%d medium=%d low=%d", high, medium, low)
	}
}

func TestPanicInTaskDoesNotStopDispatcher(t *testing.T) {
	fake := clock.NewFake(time.Time{})
	s := New(4, nil, WithClock(fake), WithTick(time.Millisecond))

	var survivorRuns int64
	_, _ = s.AddTask("panicker", func(any) { panic("boom") }, nil, PriorityHigh, time.Millisecond, time.Millisecond)
	_, _ = s.AddTask("survivor", func(any) { atomic.AddInt64(&survivorRuns, 1) }, nil, PriorityLow, time.Millisecond, time.Millisecond)

	for i := 0; i < 10; i++ {
		fake.Advance(time.Millisecond)
		s.tickOnce()
	}

	if atomic.LoadInt64(&survivorRuns) == 0 {
		t.Fatal("survivor task never ran — panic must not tear down dispatcher")
	}
}
