package sched

// schedule is the precomputed wake-up plan for one task set. It is a pure
// function of the registered periods and is rebuilt from scratch whenever the
// task set changes, never patched incrementally.
//
// Invariant: the wormhole gaps of one full pass sum to maxPeriod, so cycling
// through them replays the combined firing pattern indefinitely.
type schedule struct {
	// commonPeriod is the GCD of all registered periods: the finest
	// granularity at which any task can become due.
	commonPeriod int64

	// maxPeriod is the largest registered period; one cycle spans exactly
	// this many time units.
	maxPeriod int64

	// maxRounds = maxPeriod / commonPeriod. Integral by construction since
	// the GCD divides every period.
	maxRounds int64

	// wormholes holds the gap, in time units, between consecutive timepoints
	// at which at least one task is due. Dead ticks are skipped entirely.
	wormholes []int64

	// round indexes the next wormhole to sleep through, wrapping modulo
	// len(wormholes).
	round int
}

// buildSchedule computes the coalesced wake-up plan for the given tasks.
//
// Candidate timepoints are the multiples of the common period within one
// cycle. A candidate is kept only when some period divides it; the gap back
// to the previously kept timepoint becomes a wormhole. This is the whole
// coalescing trick: the runtime sleeps straight past ticks where nothing is
// due instead of waking on every common-period multiple and checking.
//
// The final candidate, maxPeriod itself, is always kept (the longest-period
// task is due there), so the plan is never empty for a non-empty task set.
func buildSchedule(tasks []*task, gcds *gcdCache) (*schedule, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	common := tasks[0].period
	maxp := tasks[0].period
	for _, t := range tasks[1:] {
		common = gcds.gcd(common, t.period)
		if t.period > maxp {
			maxp = t.period
		}
	}
	rounds := maxp / common

	wormholes := make([]int64, 0, rounds)
	prev := int64(0)
	for r := int64(0); r < rounds; r++ {
		tp := (r + 1) * common
		if !anyDueAt(tasks, tp) {
			continue
		}
		wormholes = append(wormholes, tp-prev)
		prev = tp
	}

	return &schedule{
		commonPeriod: common,
		maxPeriod:    maxp,
		maxRounds:    rounds,
		wormholes:    wormholes,
	}, nil
}

func anyDueAt(tasks []*task, tp int64) bool {
	for _, t := range tasks {
		if tp%t.period == 0 {
			return true
		}
	}
	return false
}
