package sched

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"coalsched/internal/eventbus"
	logx "coalsched/pkg/logx"
)

// Callback is the action a task runs at each of its due timepoints.
//
// The context is cancelled when the scheduler stops. A non-nil error is
// logged and recorded but never aborts the wake-up: sibling tasks due at the
// same timepoint still run.
type Callback func(ctx context.Context) error

// Config controls the scheduler runtime.
type Config struct {
	// Tick is the real duration of one abstract time unit.
	// Periods are multiplied by Tick when arming the timer.
	Tick time.Duration
}

const defaultTick = time.Second

// task is a registered periodic task. Immutable after registration; the only
// mutation is removal from the scheduler's task list.
type task struct {
	id     uint64
	name   string
	period int64
	run    Callback
}

// RunRecord describes one task invocation.
type RunRecord struct {
	Timepoint int64
	TaskID    uint64
	Task      string
	Started   time.Time
	Duration  time.Duration
	Error     string
}

// Recorder receives one record per task invocation. Implementations must be
// cheap or internally asynchronous; recording happens on the dispatch path.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// TaskEvent is the payload of task.fired / task.failed bus events.
type TaskEvent struct {
	ID        uint64
	Name      string
	Timepoint int64
	Duration  time.Duration
	Error     string
}

// Scheduler owns the task set and the single recurring timer.
//
// All state is guarded by mu. Callbacks run without the lock held, so a
// callback may call Stop, Rerun, Add or RemoveByName on its own scheduler.
type Scheduler struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	gcds   *gcdCache
	tasks  []*task // registration order; dispatch iterates in this order
	nextID uint64  // monotonically increasing, never reused

	plan      *schedule
	timer     *time.Timer
	running   bool
	autoRun   bool // Run() was called with no tasks; start on first Add
	destroyed bool

	// gen invalidates in-flight timer callbacks. Every stop and every
	// cancel-and-reschedule bumps it; a firing that carries a stale gen
	// returns without dispatching or re-arming.
	gen uint64

	// timepoint is the absolute time unit count reached by the running
	// cycle, accumulated wormhole by wormhole (the gaps are non-uniform, so
	// it cannot be recomputed from the round index).
	timepoint int64

	rebuilds uint64

	runCtx    context.Context
	runCancel context.CancelFunc

	recorder Recorder

	// failWarn throttles bursty callback-failure warnings; failures are
	// still counted, recorded and published unthrottled.
	failWarn *rate.Limiter
}

// TaskInfo is the exported view of a registered task.
type TaskInfo struct {
	ID     uint64
	Name   string
	Period int64
}

// Snapshot is a point-in-time diagnostic view of the scheduler.
type Snapshot struct {
	Running   bool
	Destroyed bool
	Tick      time.Duration

	Timepoint    int64
	CommonPeriod int64
	MaxPeriod    int64
	MaxRounds    int64
	Wormholes    []int64
	Round        int

	Rebuilds uint64
	Tasks    []TaskInfo
}
