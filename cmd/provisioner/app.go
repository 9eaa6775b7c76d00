package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/provisioner/pkg/catalog"
	"github.com/cuemby/provisioner/pkg/config"
	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/jobqueue"
	"github.com/cuemby/provisioner/pkg/jobs"
	"github.com/cuemby/provisioner/pkg/reconciler"
	"github.com/cuemby/provisioner/pkg/resolver"
	"github.com/cuemby/provisioner/pkg/scheduler"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/trigger"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// app holds the wired components every command works with
type app struct {
	store      storage.Store
	catalog    *catalog.Static
	dispatcher *trigger.Dispatcher
	resolver   *resolver.Resolver
	queue      *jobqueue.Queue
	reconciler *reconciler.Reconciler
	broker     *events.Broker
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	cat := catalog.NewStatic(map[string]map[string]string{
		types.PicklistManagedObject: cfg.Catalog,
	})
	res := resolver.NewResolver(store, cat)
	dispatcher := trigger.NewDispatcher(store)

	queue, err := jobqueue.New(cfg.Jobs, broker)
	if err != nil {
		broker.Stop()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create job queue: %w", err)
	}
	// Jobs write through the dispatcher so re-saved assignments regenerate
	queue.Register(jobs.TypeAssignmentRefresh, func(l zerolog.Logger) jobs.Job {
		return jobs.NewAssignmentRefreshJob(dispatcher, l)
	})
	queue.Register(jobs.TypeManagedRecordDelete, func(l zerolog.Logger) jobs.Job {
		return jobs.NewManagedRecordDeleteJob(dispatcher, res, l)
	})

	rec := reconciler.NewReconciler(dispatcher, res, scheduler.NewScheduler(queue), broker, cfg.Reconciler.Interval)

	dispatcher.Register(types.ObjectAssignment, trigger.NewAssignmentHandler(res, broker))
	dispatcher.Register(types.ObjectTemplate, trigger.NewTemplateHandler(dispatcher, rec))

	return &app{
		store:      store,
		catalog:    cat,
		dispatcher: dispatcher,
		resolver:   res,
		queue:      queue,
		reconciler: rec,
		broker:     broker,
	}, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return storage.NewMemStore(cfg.Schema())
	case config.DriverBolt:
		return storage.NewBoltStore(cfg.Store.DataDir, cfg.Schema())
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// startWorkers runs the job queue in the background for one-shot commands.
// The returned function stops it and waits for the workers to exit.
func (a *app) startWorkers(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.queue.Serve(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// waitJobs blocks until every submitted job completed, or timeout elapsed
func (a *app) waitJobs(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := a.queue.Wait(ctx); err != nil {
		return fmt.Errorf("jobs still pending (%d): %w", a.queue.Pending(), err)
	}
	return nil
}

func (a *app) Close() error {
	a.broker.Stop()
	if err := a.queue.Close(); err != nil {
		return err
	}
	return a.store.Close()
}
