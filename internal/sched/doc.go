// Package sched implements a coalescing periodic-task scheduler.
//
// Every task fires at each positive multiple of its integer period. Instead
// of one timer per task, the scheduler folds all periods into a single
// wake-up plan: the GCD of the periods gives the finest tick at which
// anything can become due, and the plan ("wormholes") stores only the gaps
// between ticks where at least one task actually fires. One timer replays
// that plan cyclically.
//
// The scheduler is responsible for:
//   - task registration and removal
//   - computing the wormhole plan from the current period set
//   - driving the single timer and dispatching due callbacks
package sched
