package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"coalsched/internal/config"
	"coalsched/internal/eventbus"
	"coalsched/internal/observability/pprof"
	"coalsched/internal/sched"
	"coalsched/internal/storage"
	logx "coalsched/pkg/logx"
)

// App wires the config manager, logging service, event bus, run-history
// storage and the scheduler into one process.
type App struct {
	cfgPath string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	sched *sched.Scheduler
	pprof *pprof.Service

	actions map[string]ActionFunc

	mu        sync.Mutex
	applied   []config.TaskConfig // task set currently registered with the scheduler
	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	var retention time.Duration
	if cfg.Storage != nil {
		sc, keep, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		if st != nil {
			store = st
			retention = keep
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		actions: builtinActions(),
	}
	a.retention = retention

	if err := a.checkActions(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}

	a.sched = sched.New(sched.Config{Tick: tick},
		log.With(logx.String("comp", "sched")), bus)
	if store != nil {
		a.sched.SetRecorder(storeRecorder{st: store})
	}

	if err := a.syncTasks(cfg.Scheduler.Tasks); err != nil {
		logSvc.Close()
		return nil, err
	}

	ppc, err := mapPprofConfig(cfg.Pprof)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.pprof = pprof.New(ppc, log)

	return a, nil
}

// Scheduler exposes the scheduler for operational inspection.
func (a *App) Scheduler() *sched.Scheduler { return a.sched }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return a.checkActions(cfg)
	})

	if _, err := a.sched.Run(); err != nil {
		cancel()
		return err
	}
	if a.pprof.Enabled() {
		a.pprof.Start(runCtx)
	}

	// Debug-log bus traffic; components that care subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(runCtx, last, newCfg)
				last = newCfg
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error("config watch failed", logx.Err(err))
		}
	}()

	if notified, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if notified {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Warn("sd_notify stopping failed", logx.Err(err))
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Destroy()
	if a.pprof != nil {
		a.pprof.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops exited",
			logx.Err(ctx.Err()))
	}

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
			firstErr = err
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return firstErr
}

// checkActions is the app-level validation pass: every configured task must
// name a known action. Runs on load and before every hot-reload commit.
func (a *App) checkActions(cfg *config.Config) error {
	for i, t := range cfg.Scheduler.Tasks {
		if _, ok := a.actions[t.Action]; !ok {
			return fmt.Errorf("scheduler.tasks[%d] (%s): unknown action %q (known: %s)",
				i, t.Name, t.Action, strings.Join(actionNames(a.actions), ", "))
		}
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, time.Duration, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	keep, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, 0, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, keep, nil
}

func mapPprofConfig(pc *config.PprofConfig) (pprof.Config, error) {
	if pc == nil {
		return pprof.Config{}, nil
	}
	read, err := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// storeRecorder bridges the scheduler's per-run hook to the storage layer.
type storeRecorder struct {
	st storage.Store
}

func (r storeRecorder) RecordRun(ctx context.Context, rec sched.RunRecord) error {
	return r.st.AppendRun(ctx, storage.RunRecord{
		At:        rec.Started,
		Timepoint: rec.Timepoint,
		TaskID:    rec.TaskID,
		Task:      rec.Task,
		Duration:  rec.Duration,
		Error:     rec.Error,
	})
}
