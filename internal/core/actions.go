package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"coalsched/internal/sched"
	logx "coalsched/pkg/logx"
)

// ActionFunc builds the callback for a configured task, bound to the app's
// dependencies. Tasks reference actions by name in the config file.
type ActionFunc func(a *App) sched.Callback

func builtinActions() map[string]ActionFunc {
	return map[string]ActionFunc{
		"heartbeat":     actionHeartbeat,
		"prune-history": actionPruneHistory,
		"log-stats":     actionLogStats,
	}
}

func actionNames(m map[string]ActionFunc) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// actionHeartbeat pets the systemd watchdog when one is attached and
// otherwise just leaves a debug trace that the timeline is advancing.
func actionHeartbeat(a *App) sched.Callback {
	log := a.log.With(logx.String("task", "heartbeat"))
	return func(ctx context.Context) error {
		notified, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		if err != nil {
			return fmt.Errorf("sd_notify watchdog: %w", err)
		}
		if notified {
			log.Debug("watchdog notified")
		} else {
			log.Debug("heartbeat")
		}
		return nil
	}
}

// actionPruneHistory trims the run-history store to the configured retention
// window. A no-op when storage is disabled or retention is unset.
func actionPruneHistory(a *App) sched.Callback {
	log := a.log.With(logx.String("task", "prune-history"))
	return func(ctx context.Context) error {
		a.mu.Lock()
		keep := a.retention
		a.mu.Unlock()
		if a.store == nil || keep <= 0 {
			return nil
		}
		removed, err := a.store.PruneBefore(ctx, time.Now().Add(-keep))
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Info("history pruned",
				logx.Int64("removed", removed),
				logx.Duration("retention", keep))
		}
		return nil
	}
}

// actionLogStats logs a scheduler snapshot for operational visibility.
func actionLogStats(a *App) sched.Callback {
	return func(ctx context.Context) error {
		snap := a.sched.Snapshot()
		a.log.Info("scheduler stats",
			logx.Bool("running", snap.Running),
			logx.Int("tasks", len(snap.Tasks)),
			logx.Int64("timepoint", snap.Timepoint),
			logx.Int64("common_period", snap.CommonPeriod),
			logx.Int64("max_period", snap.MaxPeriod),
			logx.Int("wormholes", len(snap.Wormholes)),
			logx.Uint64("rebuilds", snap.Rebuilds))
		return nil
	}
}
