package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"coalsched/internal/eventbus"
	logx "coalsched/pkg/logx"
)

const failWarnInterval = 5 * time.Second

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	return &Scheduler{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		gcds:     newGCDCache(),
		failWarn: rate.NewLimiter(rate.Every(failWarnInterval), 3),
	}
}

// SetRecorder installs an optional per-invocation recorder (e.g. the run
// history store). Call before Run.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Add registers a task firing at every positive multiple of period (in
// abstract time units) and rebuilds the wake-up plan. Task ids increase
// monotonically and are never reused, even across removals.
//
// While the scheduler is running, the new plan takes effect immediately: the
// outstanding timer is cancelled and the cycle restarts from timepoint zero
// with the rebuilt wormholes.
func (s *Scheduler) Add(name string, period int64, cb Callback) (uint64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, ErrEmptyName
	}
	if cb == nil {
		return 0, ErrNilCallback
	}
	if period <= 0 {
		return 0, fmt.Errorf("%w: task %q got %d", ErrInvalidPeriod, name, period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, ErrDestroyed
	}

	s.nextID++
	id := s.nextID
	s.tasks = append(s.tasks, &task{id: id, name: name, period: period, run: cb})
	if err := s.rebuildLocked(); err != nil {
		return 0, err
	}
	s.log.Debug("task registered",
		logx.Uint64("id", id), logx.String("task", name), logx.Int64("period", period))

	switch {
	case s.running:
		s.restartCycleLocked()
	case s.autoRun:
		s.startLocked()
	}
	return id, nil
}

// RemoveByName unregisters the oldest task with the given name (lowest id
// wins among duplicates) and rebuilds the plan. Removing an unknown name is
// a no-op: no rebuild, no timer disturbance.
//
// Removing the last task of a running scheduler parks it: the timer stops
// and the scheduler re-arms itself automatically on the next Add.
func (s *Scheduler) RemoveByName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	idx := -1
	for i, t := range s.tasks {
		if t.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	removed := s.tasks[idx]
	s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
	s.log.Debug("task removed",
		logx.Uint64("id", removed.id), logx.String("task", removed.name))

	if len(s.tasks) == 0 {
		s.plan = nil
		if s.running {
			s.haltTimerLocked()
			s.running = false
			s.autoRun = true
			s.log.Info("scheduler parked; task set is empty")
		}
		return
	}

	_ = s.rebuildLocked() // cannot fail: task set is non-empty
	if s.running {
		s.restartCycleLocked()
	}
}

// Run starts the wake-up loop and returns an idempotent stop function.
// Calling Run while already running returns the stop function again and does
// nothing else. Run on an empty scheduler arms it instead of failing: the
// loop starts as soon as the first task is added.
func (s *Scheduler) Run() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrDestroyed
	}
	if s.running {
		return s.stopFn(), nil
	}
	if len(s.tasks) == 0 {
		s.autoRun = true
		s.log.Debug("run deferred; no tasks registered yet")
		return s.stopFn(), nil
	}
	if err := s.rebuildLocked(); err != nil {
		return nil, err
	}
	s.startLocked()
	return s.stopFn(), nil
}

// Rerun restarts the loop from timepoint zero: stop, then run.
func (s *Scheduler) Rerun() error {
	s.Stop()
	_, err := s.Run()
	return err
}

// Stop cancels the outstanding timer and transitions to Stopped. Idempotent,
// and safe to call from inside a running callback: the in-flight wake-up
// re-checks the run generation before re-arming, so nothing fires afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running && !s.autoRun {
		s.mu.Unlock()
		return
	}
	wasRunning := s.running
	s.running = false
	s.autoRun = false
	s.haltTimerLocked()
	s.mu.Unlock()

	if wasRunning {
		s.log.Info("scheduler stopped")
		s.publish(eventbus.TypeSchedStop, nil)
	}
}

// Destroy stops the scheduler and discards the task set and plan. Terminal:
// Add and Run fail with ErrDestroyed afterwards.
func (s *Scheduler) Destroy() {
	s.Stop()
	s.mu.Lock()
	s.tasks = nil
	s.plan = nil
	s.destroyed = true
	s.mu.Unlock()
	s.log.Debug("scheduler destroyed")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) IsStopped() bool { return !s.IsRunning() }

// ---- internals ----

// rebuildLocked recomputes the plan from the current task set and resets the
// round position. Call with mu held and at least one task registered.
func (s *Scheduler) rebuildLocked() error {
	plan, err := buildSchedule(s.tasks, s.gcds)
	if err != nil {
		return err
	}
	s.plan = plan
	s.rebuilds++
	s.log.Debug("schedule rebuilt",
		logx.Int64("common_period", plan.commonPeriod),
		logx.Int64("max_period", plan.maxPeriod),
		logx.Int64("max_rounds", plan.maxRounds),
		logx.Int("wakeups", len(plan.wormholes)))
	s.publish(eventbus.TypeRebuild, Snapshot{
		CommonPeriod: plan.commonPeriod,
		MaxPeriod:    plan.maxPeriod,
		MaxRounds:    plan.maxRounds,
		Wormholes:    append([]int64(nil), plan.wormholes...),
	})
	return nil
}

// startLocked transitions to Running and arms the first wormhole.
// Call with mu held, plan freshly rebuilt.
func (s *Scheduler) startLocked() {
	s.running = true
	s.autoRun = false
	s.timepoint = 0
	s.gen++
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.armLocked()
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("tasks", len(s.tasks)),
		logx.Int64("common_period", s.plan.commonPeriod),
		logx.Int64("max_period", s.plan.maxPeriod))
	s.publish(eventbus.TypeSchedStart, nil)
}

// restartCycleLocked cancels the in-flight timer and re-arms using the
// rebuilt wormholes from round zero, restarting the cycle at timepoint zero.
// This is the add-while-running policy: resynchronize immediately rather
// than letting the stale timer fire once.
func (s *Scheduler) restartCycleLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timepoint = 0
	s.gen++
	s.armLocked()
}

// haltTimerLocked stops the timer and invalidates in-flight wake-ups.
func (s *Scheduler) haltTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
}

// armLocked schedules the next wake-up after the current wormhole gap.
// At most one timer is outstanding at any time.
func (s *Scheduler) armLocked() {
	gap := s.plan.wormholes[s.plan.round]
	gen := s.gen
	s.timer = time.AfterFunc(time.Duration(gap)*s.cfg.Tick, func() { s.wake(gen) })
}

// wake is the single timer callback. It advances the cycle by one wormhole,
// dispatches every task whose period divides the reached timepoint, then
// re-arms. A stale generation (raced with Stop or a rebuild) makes the whole
// call a no-op, and the generation is re-checked after dispatch so a
// callback stopping its own scheduler prevents any re-arm.
func (s *Scheduler) wake(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen || s.plan == nil {
		s.mu.Unlock()
		return
	}
	s.timepoint += s.plan.wormholes[s.plan.round]
	s.plan.round = (s.plan.round + 1) % len(s.plan.wormholes)

	tp := s.timepoint
	due := dueAt(s.tasks, tp)
	ctx := s.runCtx
	rec := s.recorder
	s.mu.Unlock()

	s.dispatch(ctx, rec, tp, due)

	s.mu.Lock()
	if s.running && gen == s.gen && s.plan != nil {
		s.armLocked()
	}
	s.mu.Unlock()
}

// dueAt returns the tasks due at the given absolute timepoint, in
// registration order. "Due" is exact integer divisibility; no floating
// point is involved anywhere in the schedule arithmetic.
func dueAt(tasks []*task, tp int64) []*task {
	due := make([]*task, 0, len(tasks))
	for _, t := range tasks {
		if tp%t.period == 0 {
			due = append(due, t)
		}
	}
	return due
}

// dispatch invokes the due callbacks sequentially, in registration order.
// Failures are isolated per callback: an error or panic in one task never
// suppresses its siblings at the same timepoint. Callback duration is not
// compensated for; a slow callback simply delays the next wake-up.
func (s *Scheduler) dispatch(ctx context.Context, rec Recorder, tp int64, due []*task) {
	for _, t := range due {
		started := time.Now()
		err := s.runOne(ctx, t)
		took := time.Since(started)

		ev := TaskEvent{ID: t.id, Name: t.name, Timepoint: tp, Duration: took}
		if err != nil {
			ev.Error = err.Error()
			if s.failWarn.Allow() {
				s.log.Warn("task failed",
					logx.Uint64("id", t.id), logx.String("task", t.name),
					logx.Int64("timepoint", tp), logx.Err(err))
			}
			s.publish(eventbus.TypeTaskFailed, ev)
		} else {
			s.log.Debug("task fired",
				logx.Uint64("id", t.id), logx.String("task", t.name),
				logx.Int64("timepoint", tp), logx.Duration("took", took))
			s.publish(eventbus.TypeTaskFired, ev)
		}

		if rec != nil {
			record := RunRecord{
				Timepoint: tp,
				TaskID:    t.id,
				Task:      t.name,
				Started:   started,
				Duration:  took,
				Error:     ev.Error,
			}
			if rerr := rec.RecordRun(ctx, record); rerr != nil {
				s.log.Debug("run record dropped", logx.String("task", t.name), logx.Err(rerr))
			}
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked",
				logx.String("task", t.name),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return t.run(ctx)
}

func (s *Scheduler) stopFn() func() { return func() { s.Stop() } }

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
