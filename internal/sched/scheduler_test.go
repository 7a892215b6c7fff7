package sched

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coalsched/internal/eventbus"
	logx "coalsched/pkg/logx"
)

func newTestScheduler(tick time.Duration) *Scheduler {
	return New(Config{Tick: tick}, logx.Nop(), nil)
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noop(ctx context.Context) error { return nil }

func TestAddRejectsInvalidPeriod(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	for _, period := range []int64{0, -1, -42} {
		if _, err := s.Add("bad", period, noop); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("Add(period=%d) err = %v, want ErrInvalidPeriod", period, err)
		}
	}
	if n := len(s.Snapshot().Tasks); n != 0 {
		t.Fatalf("tasks registered = %d, want 0", n)
	}
}

func TestAddRejectsEmptyNameAndNilCallback(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	if _, err := s.Add("  ", 1, noop); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("err = %v, want ErrEmptyName", err)
	}
	if _, err := s.Add("x", 1, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("err = %v, want ErrNilCallback", err)
	}
}

func TestTaskIDsMonotonicNeverReused(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	id1, _ := s.Add("a", 2, noop)
	id2, _ := s.Add("b", 3, noop)
	s.RemoveByName("b")
	id3, _ := s.Add("c", 4, noop)
	if !(id1 < id2 && id2 < id3) {
		t.Fatalf("ids not strictly increasing: %d, %d, %d", id1, id2, id3)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	if _, err := s.Add("a", 2, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Stop()
	first := s.Snapshot()
	s.Stop()
	second := s.Snapshot()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second Stop changed state:\n%+v\n%+v", first, second)
	}
	if !s.IsStopped() {
		t.Fatal("scheduler should be stopped")
	}
}

func TestRunReturnsIdempotentStopAction(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("a", 2, noop)
	stop, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}
	stop()
	stop()
	if !s.IsStopped() {
		t.Fatal("stop action should have stopped the scheduler")
	}
}

func TestRunWhileRunningDoesNothing(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("a", 2, noop)
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	before := s.Snapshot().Rebuilds
	if _, err := s.Run(); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := s.Snapshot().Rebuilds; got != before {
		t.Fatalf("second Run rebuilt the schedule: rebuilds %d -> %d", before, got)
	}
}

// Removing a name that does not exist must leave the schedule and the running
// timer completely untouched.
func TestRemoveMissingNameIsInvisible(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("a", 2, noop)
	_, _ = s.Add("b", 3, noop)
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	before := s.Snapshot()
	s.RemoveByName("no-such-task")
	after := s.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("RemoveByName of missing name changed state:\n%+v\n%+v", before, after)
	}
}

func TestRemoveDuplicateNameTakesLowestID(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	first, _ := s.Add("dup", 2, noop)
	second, _ := s.Add("dup", 3, noop)
	s.RemoveByName("dup")
	tasks := s.Snapshot().Tasks
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].ID != second {
		t.Fatalf("surviving id = %d, want %d (lowest id %d removed)", tasks[0].ID, second, first)
	}
}

// Pins the add-while-running policy: the in-flight timer is cancelled and the
// cycle restarts immediately from timepoint zero on the rebuilt wormholes,
// rather than letting the stale timer fire once.
func TestAddWhileRunningRestartsCycleAtZero(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("a", 3, noop)
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := s.Add("b", 2, noop); err != nil {
		t.Fatalf("Add while running: %v", err)
	}
	snap := s.Snapshot()
	if !snap.Running {
		t.Fatal("scheduler should still be running")
	}
	if snap.Timepoint != 0 || snap.Round != 0 {
		t.Fatalf("timepoint/round = %d/%d, want 0/0 (cycle restart)", snap.Timepoint, snap.Round)
	}
	if want := []int64{2, 1, 1, 2}; !reflect.DeepEqual(snap.Wormholes, want) {
		t.Fatalf("wormholes = %v, want %v", snap.Wormholes, want)
	}
}

func TestSingleTaskFiresEveryCycle(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Millisecond)
	var fired atomic.Int64
	_, _ = s.Add("five", 5, func(ctx context.Context) error { fired.Add(1); return nil })
	stop, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer stop()
	waitUntil(t, 2*time.Second, "three firings", func() bool { return fired.Load() >= 3 })
}

func TestDispatchOrderAndCoalescedTimepoints(t *testing.T) {
	t.Parallel()
	s := New(Config{Tick: time.Millisecond}, logx.Nop(), nil)
	rec := &memRecorder{}
	s.SetRecorder(rec)
	_, _ = s.Add("two", 2, noop)
	_, _ = s.Add("three", 3, noop)
	stop, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitUntil(t, 2*time.Second, "six run records", func() bool { return rec.len() >= 6 })
	stop()

	recs := rec.records()
	for _, r := range recs {
		var period int64 = 2
		if r.Task == "three" {
			period = 3
		}
		if r.Timepoint%period != 0 {
			t.Fatalf("task %s ran at timepoint %d, not a multiple of %d", r.Task, r.Timepoint, period)
		}
	}
	// At shared timepoints both tasks run within one wake-up, registration
	// order first.
	for i := 1; i < len(recs); i++ {
		if recs[i].Timepoint == recs[i-1].Timepoint {
			if recs[i-1].Task != "two" || recs[i].Task != "three" {
				t.Fatalf("shared timepoint %d dispatched out of registration order: %s before %s",
					recs[i].Timepoint, recs[i-1].Task, recs[i].Task)
			}
		}
	}
}

func TestStopFromWithinCallback(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Millisecond)
	var fired atomic.Int64
	_, _ = s.Add("halting", 1, func(ctx context.Context) error {
		fired.Add(1)
		s.Stop()
		return nil
	})
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitUntil(t, 2*time.Second, "first firing", func() bool { return fired.Load() >= 1 })
	waitUntil(t, time.Second, "stopped state", s.IsStopped)

	// No in-flight timer may re-arm after Stop.
	time.Sleep(25 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times after self-stop, want exactly 1", got)
	}
}

func TestCallbackFailureDoesNotSuppressSiblings(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Millisecond)
	var sibling atomic.Int64
	_, _ = s.Add("failing", 2, func(ctx context.Context) error { return errors.New("boom") })
	_, _ = s.Add("panicking", 2, func(ctx context.Context) error { panic("kaboom") })
	_, _ = s.Add("healthy", 2, func(ctx context.Context) error { sibling.Add(1); return nil })
	stop, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer stop()
	waitUntil(t, 2*time.Second, "healthy sibling firings", func() bool { return sibling.Load() >= 2 })
}

func TestRunOnEmptyDefersUntilFirstAdd(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Millisecond)
	stop, err := s.Run()
	if err != nil {
		t.Fatalf("Run on empty: %v", err)
	}
	defer stop()
	if s.IsRunning() {
		t.Fatal("empty scheduler should not be running yet")
	}

	var fired atomic.Int64
	if _, err := s.Add("late", 2, func(ctx context.Context) error { fired.Add(1); return nil }); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("first Add should have started the armed scheduler")
	}
	waitUntil(t, 2*time.Second, "firing after deferred start", func() bool { return fired.Load() >= 1 })
}

func TestRemoveLastTaskParksRunningScheduler(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("only", 2, noop)
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.RemoveByName("only")
	if s.IsRunning() {
		t.Fatal("scheduler should be parked with an empty task set")
	}
	// Parked, not stopped: the next Add resumes the loop.
	if _, err := s.Add("again", 2, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("Add after parking should resume the scheduler")
	}
}

func TestRerunRestartsFromTimepointZero(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("a", 2, noop)
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := s.Rerun(); err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	defer s.Stop()
	snap := s.Snapshot()
	if !snap.Running || snap.Timepoint != 0 || snap.Round != 0 {
		t.Fatalf("snapshot after Rerun = %+v, want running at timepoint 0, round 0", snap)
	}
}

func TestDestroyIsTerminal(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(time.Hour)
	_, _ = s.Add("a", 2, noop)
	if _, err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	s.Destroy()

	if !s.IsStopped() {
		t.Fatal("destroyed scheduler should be stopped")
	}
	if _, err := s.Add("b", 2, noop); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Add after Destroy err = %v, want ErrDestroyed", err)
	}
	if _, err := s.Run(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Run after Destroy err = %v, want ErrDestroyed", err)
	}
	snap := s.Snapshot()
	if !snap.Destroyed || len(snap.Tasks) != 0 {
		t.Fatalf("snapshot after Destroy = %+v, want destroyed with no tasks", snap)
	}
}

func TestBusEventsOnLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s := New(Config{Tick: time.Millisecond}, logx.Nop(), bus)
	_, _ = s.Add("evt", 1, noop)
	stop, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer stop()

	want := map[string]bool{
		eventbus.TypeRebuild:    false,
		eventbus.TypeSchedStart: false,
		eventbus.TypeTaskFired:  false,
	}
	deadline := time.After(2 * time.Second)
	for {
		missing := 0
		for _, seen := range want {
			if !seen {
				missing++
			}
		}
		if missing == 0 {
			break
		}
		select {
		case e := <-ch:
			if _, ok := want[e.Type]; ok {
				want[e.Type] = true
			}
		case <-deadline:
			t.Fatalf("missing events: %v", want)
		}
	}

	stop()
	deadline = time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == eventbus.TypeSchedStop {
				return
			}
		case <-deadline:
			t.Fatal("missing sched.stopped event")
		}
	}
}

// ---- helpers ----

type memRecorder struct {
	mu   sync.Mutex
	recs []RunRecord
}

func (m *memRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func (m *memRecorder) records() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRecord(nil), m.recs...)
}
