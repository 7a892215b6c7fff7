package sched

// Snapshot returns a point-in-time diagnostic view of the scheduler. The
// returned slices are copies; callers may retain them.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:   s.running,
		Destroyed: s.destroyed,
		Tick:      s.cfg.Tick,
		Timepoint: s.timepoint,
		Rebuilds:  s.rebuilds,
	}
	if s.plan != nil {
		snap.CommonPeriod = s.plan.commonPeriod
		snap.MaxPeriod = s.plan.maxPeriod
		snap.MaxRounds = s.plan.maxRounds
		snap.Wormholes = append([]int64(nil), s.plan.wormholes...)
		snap.Round = s.plan.round
	}
	snap.Tasks = make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, TaskInfo{ID: t.id, Name: t.name, Period: t.period})
	}
	return snap
}
