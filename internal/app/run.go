package app

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"settlement-core/internal/chain"
	"settlement-core/internal/config"
	"settlement-core/internal/metrics"
	"settlement-core/internal/scheduler"
	"settlement-core/internal/service"
)

// Run executes every enabled component until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := withSignals(ctx)
	defer cancel()

	e, err := a.open(ctx, needs{chain: true, signer: true})
	if err != nil {
		return err
	}
	defer e.Close()

	jobs, err := a.jobs(e)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return errNothingEnabled
	}

	server := metrics.NewServer(a.Config.HTTP.Addr, e.metrics, map[string]metrics.HealthFunc{
		"database": e.store.Ping,
		"rpc":      func(ctx context.Context) error { return chain.Ping(ctx, e.eth) },
	}, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(gctx) })
	for _, job := range jobs {
		job := job
		group.Go(func() error { return job.Run(gctx) })
	}

	a.Logger.Info().Int("jobs", len(jobs)).Str("http_addr", a.Config.HTTP.Addr).Msg("settlement core started")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("settlement core terminated with error")
		return err
	}
	a.Logger.Info().Msg("settlement core stopped")
	return nil
}

func (a *App) jobs(e *env) ([]*service.Job, error) {
	sched := a.Config.Scheduler
	var jobs []*service.Job
	add := func(name string, ticker service.Ticker, tick service.TickFunc, lockKey int64) {
		jobs = append(jobs, service.NewJob(service.JobOptions{
			Name:        name,
			Ticker:      ticker,
			Tick:        tick,
			Locker:      e.store,
			LockKey:     lockKey,
			MaxFailures: sched.MaxFailures,
			Metrics:     e.metrics,
		}, a.Logger))
	}
	interval := func(name string, job config.JobConfig) *scheduler.Scheduler {
		return scheduler.New(scheduler.Options{
			Name:           name,
			Interval:       job.Interval,
			AlignToStart:   sched.AlignToBucket,
			StartupDelay:   sched.StartupDelay,
			RunImmediately: true,
		}, a.Logger)
	}

	if sched.Ingestion.Enabled {
		worker := a.newIngestWorker(e)
		add("ingestion", interval("ingestion", sched.Ingestion), worker.Tick, sched.Ingestion.AdvisoryLockKey)
	}
	if sched.ChainSync.Enabled {
		syncer, err := a.newSyncer(e)
		if err != nil {
			return nil, err
		}
		add("chainsync", interval("chainsync", sched.ChainSync), syncer.Tick, sched.ChainSync.AdvisoryLockKey)
	}
	if sched.Settlement.Enabled {
		pipeline, err := a.newPipeline(e)
		if err != nil {
			return nil, err
		}
		add("settlement", interval("settlement", sched.Settlement), pipeline.Tick, sched.Settlement.AdvisoryLockKey)
	}

	contract, err := a.newOddyssey(e)
	if err != nil {
		return nil, err
	}
	if contract == nil {
		a.Logger.Warn().Msg("ethereum.oddyssey_address not configured; cycle components disabled")
	} else {
		if sched.Resolver.Enabled {
			resolver := a.newResolver(e, contract)
			add("oddyssey_resolver", interval("oddyssey_resolver", sched.Resolver), resolver.Tick, sched.Resolver.AdvisoryLockKey)
		}
		if a.Config.Oddyssey.StarterEnabled {
			hour, minute, err := a.Config.Oddyssey.StartClock()
			if err != nil {
				return nil, err
			}
			starter := a.newStarter(e, contract)
			add("oddyssey_starter", scheduler.NewDaily("oddyssey_starter", hour, minute, a.Logger), starter.Tick, a.Config.Oddyssey.StarterLockKey)
		}
	}
	if sched.Monitor.Enabled {
		monitor := a.newMonitor(e)
		add("oddyssey_monitor", interval("oddyssey_monitor", sched.Monitor), monitor.Tick, sched.Monitor.AdvisoryLockKey)
	}
	return jobs, nil
}
