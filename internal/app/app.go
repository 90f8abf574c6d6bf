// Package app wires the missiond runtime: config, logging, checkpoint store,
// resilience state, pipeline runner, and the job scheduler.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"missiond/internal/checkpoint"
	"missiond/internal/config"
	"missiond/internal/pipeline"
	"missiond/internal/resilience"
	"missiond/internal/runtime/supervisor"
	"missiond/internal/scheduler"
	logx "missiond/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  checkpoint.Store
	res    *resilience.Manager
	runner *pipeline.Runner
	sched  *scheduler.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	stateDir := cfg.StateDirOrDefault()

	ckCfg := checkpoint.Config{Dir: filepath.Join(stateDir, "checkpoints")}
	if cfg.Checkpoints != nil {
		ckCfg.Driver = cfg.Checkpoints.Driver
		bt, err := cfg.Checkpoints.BusyWait()
		if err != nil {
			return nil, err
		}
		ckCfg.BusyTimeout = bt
	}
	store, err := checkpoint.Open(ckCfg, log.With(logx.String("comp", "checkpoint")))
	if err != nil {
		return nil, err
	}

	res := resilience.NewManager()
	runner := pipeline.NewRunner(store, res, log.With(logx.String("comp", "pipeline")))

	interval, err := cfg.Scheduler.Interval()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		res:     res,
		runner:  runner,
	}
	a.sched = scheduler.New(scheduler.Config{
		CheckInterval: interval,
		StatePath:     filepath.Join(stateDir, "scheduler-state.json"),
	}, scheduler.ExecutorFunc(a.executeMission), log.With(logx.String("comp", "scheduler")))
	a.sched.SetCallbacks(a.eventCallbacks())

	if err := a.applyConfig(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// DefineMission replaces a config-derived mission with a programmatic one.
// Call before Start; the mission still needs a schedule in config.
func (a *App) DefineMission(m pipeline.Mission) { a.runner.Define(m) }

// Done is closed when the runtime supervisor context is cancelled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Runs that died with the process are flagged before any new run starts,
	// so this run's resume plans see them.
	cfg := a.cfgm.Get()
	for name := range cfg.Missions {
		flipped, err := a.store.MarkInterrupted(a.sup.Context(), name)
		if err != nil {
			return fmt.Errorf("mark interrupted %s: %w", name, err)
		}
		if flipped {
			a.log.Warn("previous run was interrupted; will resume",
				logx.String("mission", name))
		}
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(ctx, sub)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.log.Info("missiond started",
		logx.Int("missions", len(cfg.Missions)),
		logx.Int("sources", len(cfg.Sources)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logs.Close()
	return err
}

func (a *App) executeMission(ctx context.Context, mission string) (scheduler.Result, error) {
	if err := a.runner.Run(ctx, mission); err != nil {
		return scheduler.Result{
			Errors: []scheduler.ResultError{{Message: err.Error()}},
		}, err
	}
	return scheduler.Result{Success: true}, nil
}

func (a *App) eventCallbacks() scheduler.Callbacks {
	log := a.log.With(logx.String("comp", "events"))
	return scheduler.Callbacks{
		OnJobStarted: func(e scheduler.Event) {
			log.Info("mission started", logx.String("mission", e.Mission))
		},
		OnJobCompleted: func(e scheduler.Event) {
			log.Info("mission completed",
				logx.String("mission", e.Mission),
				logx.Duration("duration", e.Duration))
		},
		OnJobFailed: func(e scheduler.Event) {
			log.Error("mission failed",
				logx.String("mission", e.Mission),
				logx.Duration("duration", e.Duration),
				logx.String("err", e.Err))
		},
		OnJobSkipped: func(e scheduler.Event) {
			log.Warn("mission skipped",
				logx.String("mission", e.Mission),
				logx.String("reason", e.Reason))
		},
	}
}

// applyConfig projects a committed config onto the runtime: sources and
// resilience state, pipeline missions, and scheduler registrations.
// Configure preserves learned limiter/breaker state and run history, so
// calling this on every reload is safe.
func (a *App) applyConfig(cfg *config.Config) error {
	for name, sc := range cfg.Sources {
		timeout, err := sc.RequestTimeout(name)
		if err != nil {
			return err
		}
		a.runner.RegisterSource(pipeline.Source{
			Name:    name,
			BaseURL: sc.BaseURL,
			Timeout: timeout,
		})
	}

	for name, mc := range cfg.Missions {
		if mc.Source != "" {
			sc := cfg.Sources[mc.Source]
			bc, err := sc.BreakerConfig(mc.Source)
			if err != nil {
				return err
			}
			lc, err := sc.LimiterConfig(mc.Source)
			if err != nil {
				return err
			}
			for _, ep := range mc.Endpoints {
				key := resilience.Key{Source: mc.Source, Endpoint: ep}
				a.res.Breaker.Configure(key, bc)
				a.res.Limiter.Configure(key, lc)
			}
		}

		a.runner.Define(buildMission(name, mc))

		spec, err := mc.Spec(name)
		if err != nil {
			return err
		}
		if err := a.sched.Register(name, spec); err != nil {
			return err
		}
		if mc.EnabledOrDefault() {
			a.sched.Enable(name)
		} else {
			a.sched.Disable(name)
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest snapshot matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, missions := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			fields := append([]logx.Field{
				logx.String("changed", strings.Join(sections, ",")),
			}, attrs...)
			a.log.Info("config change summary", fields...)
			lastApplied = newCfg

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			for _, s := range sections {
				if s == "state_dir" || s == "checkpoints" {
					a.log.Warn("storage config changed; restart required to take effect")
					break
				}
			}

			if err := a.applyConfig(newCfg); err != nil {
				// Validator should have caught this; keep the old wiring.
				a.log.Error("config apply failed; keeping previous wiring", logx.Err(err))
				continue
			}
			// Missions removed from config stop being scheduled but keep
			// their history.
			for _, name := range missions {
				if _, stillThere := newCfg.Missions[name]; !stillThere {
					a.sched.Disable(name)
					a.log.Info("mission removed from config; disabled",
						logx.String("mission", name))
				}
			}
		}
	}
}
