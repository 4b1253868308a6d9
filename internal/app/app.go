package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"automoth/internal/api"
	"automoth/internal/capture"
	"automoth/internal/config"
	"automoth/internal/eventbus"
	"automoth/internal/imaging"
	"automoth/internal/location"
	"automoth/internal/metadata"
	"automoth/internal/notifier"
	"automoth/internal/repository"
	rtsup "automoth/internal/runtime/supervisor"
	"automoth/internal/scheduling"
	"automoth/internal/storage"
	"automoth/internal/task/engine"
	"automoth/internal/task/scheduler"
	"automoth/pkg/logx"
)

const reconcileJob = "reconcile"

// App is the capture daemon: storage, the capture scheduler, the timer
// facility and the control API wired together.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	db     *storage.DB
	repo   *repository.Repository
	meta   *metadata.Service
	camera capture.Camera

	engine *engine.Service
	timers *scheduler.Service
	sched  *scheduling.Scheduler
	notif  *notifier.Service
	api    *api.Service
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	// Remote log forwarding gets its sender once the notifier exists.
	logs, log := logx.NewService(mapLoggingConfig(cfg), nil)
	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	stCfg, _ := mapStorageConfig(cfg)
	if a.db, err = storage.Open(ctx, stCfg, log); err != nil {
		return nil, err
	}
	a.repo = repository.New(cfg.Storage.Root, a.db, log)
	if n, err := a.repo.CloseInterrupted(ctx); err != nil {
		log.Warn("closing interrupted sessions failed", logx.Err(err))
	} else if n > 0 {
		log.Info("closed sessions interrupted by a previous shutdown", logx.Int("sessions", n))
	}

	device, err := os.Hostname()
	if err != nil {
		device = "unknown"
	}
	a.meta = metadata.New(a.db, a.repo, device, log)
	if err := a.meta.Prepopulate(ctx); err != nil {
		return nil, fmt.Errorf("metadata fields: %w", err)
	}

	camCfg, _ := mapCameraConfig(cfg)
	if a.camera, err = capture.Open(camCfg, log); err != nil {
		return nil, err
	}
	locCfg, _ := mapLocationConfig(cfg)
	loc, err := location.Open(locCfg, log)
	if err != nil {
		return nil, err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log, a.bus)
	schedCfg, _ := mapSchedulerConfig(cfg)
	a.timers = scheduler.New(schedCfg, a.engine, log, a.bus)

	tz := time.Local
	if schedCfg.Timezone != "" {
		tz, _ = time.LoadLocation(schedCfg.Timezone)
	}
	a.sched = scheduling.New(scheduling.Deps{
		Pending:  a.db,
		Alarms:   a.timers,
		Location: loc,
		NewSession: func(settings imaging.Settings) *imaging.Session {
			return imaging.NewSession(settings, imaging.Deps{
				Camera: a.camera,
				Store:  a.repo,
				Runner: imaging.CronRunner{Log: log, Location: tz},
				Bus:    a.bus,
				Log:    log,
			})
		},
		Bus: a.bus,
		Log: log,
	})
	a.timers.SetHandler(a.sched.Fire)

	var tr notifier.Transport
	if n := cfg.Notifier; n != nil && n.Enabled {
		tg, err := notifier.NewTelegram(n.Token, n.ChatID, n.ThreadID)
		if err != nil {
			return nil, err
		}
		tr = tg
	}
	a.notif = notifier.New(mapNotifierConfig(cfg), tr, log)
	if a.notif.Enabled() {
		logs.SetSender(a.notif)
	}

	fallback, _ := mapFallbackSettings(cfg)
	apiCfg, _ := mapAPIConfig(cfg)
	a.api = api.New(apiCfg, api.Deps{
		Control:      a.sched,
		Sessions:     a.repo,
		Metadata:     a.meta,
		Bus:          a.bus,
		DefaultsPath: cfg.Imaging.DefaultsPath,
		Fallback:     fallback,
		ImageSize:    cfg.Imaging.EstimatedImageSize,
		Runtime:      a.runtime,
		Tasks:        a.engine,
	}, log)

	ok = true
	return a, nil
}

// closeResources releases what NewApp opened when it fails part way.
func (a *App) closeResources() {
	if a.camera != nil {
		_ = a.camera.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logs.Close()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app's run context ends, including after a
// fatal supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// APIAddr is the bound control API address, empty when it is disabled.
func (a *App) APIAddr() string { return a.api.Addr() }

func (a *App) runtime() map[string]any {
	out := map[string]any{
		"timers":   a.timers.Snapshot(),
		"notifier": map[string]any{"enabled": a.notif.Enabled(), "history": a.notif.History()},
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	a.timers.Start(runCtx)

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
		a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })
	}

	// Sessions whose start passed while the daemon was down fire now.
	report, err := a.sched.Reconcile(ctx)
	if err != nil {
		a.log.Warn("startup reconcile failed", logx.Err(err))
	} else {
		a.log.Info("pending sessions reconciled",
			logx.Int("fired", len(report.Fired)),
			logx.Int("rearmed", len(report.Rearmed)),
			logx.Int("disarmed", len(report.Disarmed)))
	}
	if err := a.scheduleReconcile(a.cfgm.Get()); err != nil {
		return err
	}

	if err := a.api.Start(runCtx); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemdReady()
	a.log.Info("automoth started", logx.String("api", a.api.Addr()))
	return nil
}

// scheduleReconcile (re)registers the periodic pending sweep.
func (a *App) scheduleReconcile(cfg *config.Config) error {
	a.timers.Remove(reconcileJob)
	spec, enabled, err := cfg.Scheduler.ReconcileSchedule()
	if err != nil || !enabled {
		return err
	}
	return a.timers.AddSchedule(reconcileJob, spec, 30*time.Second, func(c context.Context) error {
		_, err := a.sched.Reconcile(c)
		return err
	})
}

// applyConfig applies the sections that can change at runtime and warns
// about the rest.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "notifier":
			ncfg := mapNotifierConfig(newCfg)
			a.notif.Apply(ncfg)
			if ncfg.Enabled && !a.notif.Enabled() {
				a.log.Warn("notifier enabled by reload; restart required to connect")
			}
		case "scheduler":
			schedCfg, err := mapSchedulerConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			a.timers.Apply(schedCfg)
			if err := a.scheduleReconcile(newCfg); err != nil {
				a.log.Warn("reconcile schedule not updated", logx.Err(err))
			}
		}
	}
}

// Stop shuts the daemon down. The running capture session is stopped and
// its completion recorded; pending sessions stay in the store and are
// reconciled on the next start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemdStopping()

	a.sup.Cancel()

	a.step(ctx, "api", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "session", 3*time.Second, func(c context.Context) error {
		_, err := a.sched.StopActive(c)
		if errors.Is(err, scheduling.ErrNoActiveSession) {
			return nil
		}
		return err
	})
	a.step(ctx, "timers", 2*time.Second, func(c context.Context) error { a.timers.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "camera", time.Second, func(context.Context) error { return a.camera.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.db.Close() })

	// Finally wait for supervised goroutines (config watch and reload).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit so a stuck component cannot
// stall the whole stop. fn must honor its context; a step that does not is
// logged when it eventually finishes.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// Never extend the caller's deadline.
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
