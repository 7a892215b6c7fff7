package core

import (
	"context"
	"strings"
	"time"

	"coalsched/internal/config"
	logx "coalsched/pkg/logx"
)

// applyConfig brings the running app in line with a freshly committed config.
// The validator already ran, so the config is structurally sound and every
// action name resolves.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range sections {
		if s == "storage" {
			// The driver and path are fixed at open time; only retention is live.
			a.applyRetention(newCfg)
			if oldCfg == nil || oldCfg.Storage == nil || newCfg.Storage == nil ||
				oldCfg.Storage.Driver != newCfg.Storage.Driver ||
				oldCfg.Storage.Path != newCfg.Storage.Path {
				a.log.Warn("storage driver/path changed; restart required for changes to take effect")
			}
			break
		}
	}

	if oldCfg != nil && oldCfg.Scheduler.Tick != newCfg.Scheduler.Tick {
		a.log.Warn("scheduler.tick changed; restart required for changes to take effect")
	}
	if err := a.syncTasks(newCfg.Scheduler.Tasks); err != nil {
		// Validation passed, so this is an internal inconsistency; keep the old set.
		a.log.Error("task set update failed; keeping previous tasks", logx.Err(err))
		return
	}

	if ppc, err := mapPprofConfig(newCfg.Pprof); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyRetention(cfg *config.Config) {
	var keep time.Duration
	if cfg.Storage != nil {
		if d, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention); err == nil {
			keep = d
		}
	}
	a.mu.Lock()
	a.retention = keep
	a.mu.Unlock()
}

// syncTasks reconciles the registered task set with the configured one by
// name: changed or dropped tasks are removed, new or changed ones added.
// The scheduler coalesces each call into a rebuild, and a live cycle restarts
// from timepoint zero, so one reload yields one consistent timeline.
func (a *App) syncTasks(next []config.TaskConfig) error {
	a.mu.Lock()
	prev := a.applied
	a.mu.Unlock()

	want := make(map[string]config.TaskConfig, len(next))
	for _, t := range next {
		want[t.Name] = t
	}

	kept := make(map[string]bool, len(prev))
	for _, old := range prev {
		now, ok := want[old.Name]
		if ok && now.Period == old.Period && now.Action == old.Action {
			kept[old.Name] = true
			continue
		}
		a.sched.RemoveByName(old.Name)
		a.log.Info("task removed", logx.String("task", old.Name))
	}

	for _, t := range next {
		if kept[t.Name] {
			continue
		}
		build := a.actions[t.Action]
		id, err := a.sched.Add(t.Name, t.Period, build(a))
		if err != nil {
			return err
		}
		a.log.Info("task registered",
			logx.String("task", t.Name),
			logx.Uint64("id", id),
			logx.Int64("period", t.Period),
			logx.String("action", t.Action))
	}

	a.mu.Lock()
	a.applied = append([]config.TaskConfig(nil), next...)
	a.mu.Unlock()
	return nil
}
