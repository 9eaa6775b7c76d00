package reconciler

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/planner"
	"github.com/cuemby/provisioner/pkg/query"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/resolver"
	"github.com/cuemby/provisioner/pkg/scheduler"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the period of the background sweep
const DefaultInterval = 5 * time.Minute

// Scheduler fans pages out as jobs
type Scheduler interface {
	Schedule(ctx context.Context, pages []types.ReconciliationPage, targetObjectName string) ([]string, error)
	ScheduleStages(ctx context.Context, stages ...scheduler.Stage) ([]string, error)
}

// Reconciler plans and schedules the asynchronous work that brings managed
// records back in line with templates and assignments
type Reconciler struct {
	store     storage.Store
	resolver  *resolver.Resolver
	planner   *planner.Planner
	scheduler Scheduler
	broker    *events.Broker
	interval  time.Duration

	mu     sync.Mutex
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler. broker may be nil; a zero
// interval uses DefaultInterval.
func NewReconciler(store storage.Store, r *resolver.Resolver, s Scheduler, broker *events.Broker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:     store,
		resolver:  r,
		planner:   planner.NewPlanner(store),
		scheduler: s,
		broker:    broker,
		interval:  interval,
		logger:    log.WithComponent("reconciler"),
	}
}

// Planner returns the planner the reconciler plans with
func (r *Reconciler) Planner() *planner.Planner {
	return r.planner
}

// RefreshAssignments schedules a re-save of every active assignment of the
// group, which regenerates the group's managed records
func (r *Reconciler) RefreshAssignments(ctx context.Context, rc *reqctx.Context, groupID string) ([]string, error) {
	pages, err := r.planner.PlanRefresh(ctx, groupID, planner.AllAssignments(groupID))
	if err != nil {
		return nil, err
	}
	ids, err := r.scheduler.Schedule(ctx, pages, types.ObjectAssignment)
	if err != nil {
		return ids, err
	}
	r.planned(rc, groupID, types.ObjectAssignment, "assignment refresh planned", ids)
	return ids, nil
}

// PurgeManagedRecords schedules deletion of the managed records held by the
// group's active users. Nothing is scheduled when the group has none.
func (r *Reconciler) PurgeManagedRecords(ctx context.Context, rc *reqctx.Context, groupID string) ([]string, error) {
	users, err := r.resolver.ActiveUsers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}

	cfg, err := r.resolver.LoadConfig(ctx, rc, groupID)
	if err != nil {
		return nil, err
	}
	return r.scheduleDelete(ctx, rc, cfg, users, "managed record purge planned")
}

// Reprovision schedules deletion of the managed records held by the group's
// active users and, when refresh is set, an assignment refresh that only
// starts once every delete job has completed. Nothing is scheduled when the
// group has no active users.
func (r *Reconciler) Reprovision(ctx context.Context, rc *reqctx.Context, groupID string, refresh bool) ([]string, error) {
	users, err := r.resolver.ActiveUsers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}

	cfg, err := r.resolver.LoadConfig(ctx, rc, groupID)
	if err != nil {
		return nil, err
	}
	purge, err := r.planner.PlanRefresh(ctx, groupID, planner.MatchingRecords(resolver.ExistingRecordsQuery(cfg, users)))
	if err != nil {
		return nil, err
	}
	stages := []scheduler.Stage{{Pages: purge, Target: cfg.ManagedObjectName}}

	if refresh {
		pages, err := r.planner.PlanRefresh(ctx, groupID, planner.AllAssignments(groupID))
		if err != nil {
			return nil, err
		}
		stages = append(stages, scheduler.Stage{Pages: pages, Target: types.ObjectAssignment})
	}

	ids, err := r.scheduler.ScheduleStages(ctx, stages...)
	if err != nil {
		return ids, err
	}
	r.planned(rc, groupID, cfg.ManagedObjectName, "reprovision planned", ids)
	return ids, nil
}

// SweepInactive schedules deletion of the managed records of users whose
// assignments in the group are all inactive. Users still active in another
// group provisioning the same managed object keep their records.
func (r *Reconciler) SweepInactive(ctx context.Context, rc *reqctx.Context, groupID string) ([]string, error) {
	assigned, err := r.resolver.AssignedUsers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(assigned) == 0 {
		return nil, nil
	}

	cfg, err := r.resolver.LoadConfig(ctx, rc, groupID)
	if err != nil {
		return nil, err
	}
	active, err := r.activeUsersOf(ctx, cfg.ManagedObjectEnumID)
	if err != nil {
		return nil, err
	}

	var inactive []string
	for _, u := range assigned {
		if !active[u] {
			inactive = append(inactive, u)
		}
	}
	if len(inactive) == 0 {
		return nil, nil
	}

	n, err := r.store.Count(ctx, resolver.ExistingRecordsQuery(cfg, inactive))
	if err != nil {
		return nil, fmt.Errorf("failed to count managed records: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return r.scheduleDelete(ctx, rc, cfg, inactive, "inactive sweep planned")
}

// activeUsersOf returns the users active in any group provisioning the managed object
func (r *Reconciler) activeUsersOf(ctx context.Context, objectToken string) (map[string]bool, error) {
	q := query.Select(types.FieldID).
		From(types.ObjectTemplateGroup).
		WhereEq(types.FieldManagedObject, objectToken)
	groups, err := r.store.Query(ctx, q.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list template groups: %w", err)
	}

	active := make(map[string]bool)
	for _, g := range groups {
		users, err := r.resolver.ActiveUsers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			active[u] = true
		}
	}
	return active, nil
}

func (r *Reconciler) scheduleDelete(ctx context.Context, rc *reqctx.Context, cfg *types.TemplateGroupConfig, users []string, msg string) ([]string, error) {
	base := resolver.ExistingRecordsQuery(cfg, users)
	pages, err := r.planner.PlanRefresh(ctx, cfg.ID, planner.MatchingRecords(base))
	if err != nil {
		return nil, err
	}
	ids, err := r.scheduler.Schedule(ctx, pages, cfg.ManagedObjectName)
	if err != nil {
		return ids, err
	}
	r.planned(rc, cfg.ID, cfg.ManagedObjectName, msg, ids)
	return ids, nil
}

func (r *Reconciler) planned(rc *reqctx.Context, groupID, object, msg string, ids []string) {
	logger := log.WithGroupID(log.WithRequestID(r.logger, rc.ID), groupID)
	logger.Info().
		Str("object", object).
		Int("jobs", len(ids)).
		Msg(msg)
	r.broker.Publish(events.NewEvent(events.EventRefreshPlanned, msg, map[string]string{
		events.MetaTemplateGroup: groupID,
		events.MetaObject:        object,
		events.MetaCount:         strconv.Itoa(len(ids)),
	}))
}

// Reconcile runs one sweep over every template group. Group failures are
// logged and counted; the first one is returned after all groups ran.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	r.mu.Lock()
	defer r.mu.Unlock()

	groups, err := r.store.Query(ctx, query.Select(types.FieldID).From(types.ObjectTemplateGroup).String())
	if err != nil {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list template groups: %w", err)
	}

	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	slices.Sort(ids)

	var first error
	scheduled := 0
	for _, groupID := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		rc := reqctx.New()
		jobIDs, err := r.SweepInactive(ctx, rc, groupID)
		scheduled += len(jobIDs)
		if err == nil {
			continue
		}

		logger := log.WithGroupID(r.logger, groupID)
		if types.IsSetupError(err) {
			logger.Warn().Err(err).Msg("Skipping misconfigured template group")
			continue
		}
		logger.Error().Err(err).Msg("Failed to sweep template group")
		if first == nil {
			first = err
		}
	}

	timer.ObserveDuration(metrics.ReconciliationDuration)
	result := "success"
	if first != nil {
		result = "error"
	}
	metrics.ReconciliationCyclesTotal.WithLabelValues(result).Inc()

	r.logger.Debug().
		Int("groups", len(ids)).
		Int("jobs", scheduled).
		Dur("duration", timer.Duration()).
		Msg("Reconciliation cycle finished")
	return first
}

// Serve runs the periodic sweep until ctx is cancelled
func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler started")
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "running")

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				metrics.UpdateComponent(metrics.ComponentReconciler, false, err.Error())
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
				continue
			}
			metrics.UpdateComponent(metrics.ComponentReconciler, true, "running")
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return ctx.Err()
		}
	}
}

func (r *Reconciler) String() string {
	return "reconciler"
}
