package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// DeleteFilter narrows the records a delete job removes to the ones the
// template group still considers eligible
type DeleteFilter interface {
	EligibleForDelete(ctx context.Context, groupID string, records []*types.Record) ([]*types.Record, error)
}

// RecordJob saves or deletes every record a page query returns
type RecordJob struct {
	op        Op
	store     storage.Store
	committer *Committer
	filter    DeleteFilter
	groupID   string
	logger    zerolog.Logger
}

// NewRecordJob creates a job applying op through store
func NewRecordJob(op Op, store storage.Store, logger zerolog.Logger) *RecordJob {
	return &RecordJob{
		op:        op,
		store:     store,
		committer: NewCommitter(store, logger),
		logger:    logger,
	}
}

// NewAssignmentRefreshJob re-saves the assignments of a page
func NewAssignmentRefreshJob(store storage.Store, logger zerolog.Logger) Job {
	return NewRecordJob(OpSave, store, logger)
}

// NewManagedRecordDeleteJob deletes the managed records of a page. When the
// page names its template group, filter decides which records go; a nil
// filter deletes them all.
func NewManagedRecordDeleteJob(store storage.Store, filter DeleteFilter, logger zerolog.Logger) Job {
	j := NewRecordJob(OpDelete, store, logger)
	j.filter = filter
	return j
}

// Init runs the page query and emits one item per row
func (j *RecordJob) Init(ctx context.Context, params Params) ([]Item, error) {
	q := params[ParamQuery]
	object := params[ParamObjectName]
	if q == "" || object == "" {
		return nil, fmt.Errorf("job requires %q and %q parameters", ParamQuery, ParamObjectName)
	}

	j.groupID = params[ParamTemplateGroup]

	rows, err := j.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to run job query: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, Item{ID: row.ID, Object: object})
	}

	j.logger.Info().
		Str("object", object).
		Int("records", len(items)).
		Msg("Job initialized")
	return items, nil
}

// Process commits one record reference per item
func (j *RecordJob) Process(ctx context.Context, items []Item) error {
	records := make([]*types.Record, 0, len(items))
	for _, item := range items {
		records = append(records, types.NewRecordWithID(item.Object, item.ID))
	}

	if j.op == OpDelete && j.filter != nil && j.groupID != "" {
		eligible, err := j.eligible(ctx, records)
		if err != nil {
			return err
		}
		if kept := len(records) - len(eligible); kept > 0 {
			j.logger.Info().
				Str("template_group", j.groupID).
				Int("kept", kept).
				Msg("Records not eligible for deletion")
		}
		records = eligible
	}

	j.logger.Debug().
		Str("op", string(j.op)).
		Int("records", len(records)).
		Msg("Processing records")

	if len(records) == 0 {
		return nil
	}
	return j.committer.Commit(ctx, j.op, records)
}

// eligible loads the current version of every record and runs the filter
// over them. Records already gone are skipped.
func (j *RecordJob) eligible(ctx context.Context, refs []*types.Record) ([]*types.Record, error) {
	loaded := make([]*types.Record, 0, len(refs))
	for _, ref := range refs {
		rec, err := j.store.Get(ctx, ref.Object, ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s %s: %w", ref.Object, ref.ID, err)
		}
		loaded = append(loaded, rec)
	}
	if len(loaded) == 0 {
		return nil, nil
	}

	eligible, err := j.filter.EligibleForDelete(ctx, j.groupID, loaded)
	if err != nil {
		return nil, fmt.Errorf("failed to check delete eligibility: %w", err)
	}
	return eligible, nil
}

// Complete logs the job summary and the first error of every failed task
func (j *RecordJob) Complete(ctx context.Context, result *Result) {
	LogSummary(j.logger, result)
}

// LogSummary writes the one-line job summary and one line per failed task
func LogSummary(logger zerolog.Logger, result *Result) {
	if result.InitErr != "" {
		logger.Error().
			Str("error", result.InitErr).
			Msg("Job failed to initialize")
		return
	}

	failed := result.Failed()
	if failed == 0 {
		logger.Info().
			Int("tasks", len(result.Tasks)).
			Msgf("All tasks completed successfully, total: %d", result.Completed())
		return
	}

	logger.Warn().
		Int("failed", failed).
		Int("tasks", len(result.Tasks)).
		Msgf("Complete with error: %d tasks failed out of %d", failed, len(result.Tasks))
	for _, task := range result.Tasks {
		if task.State == TaskFailed {
			logger.Warn().
				Str("task_id", task.TaskID).
				Str("error", task.FirstError).
				Msg("Task failed")
		}
	}
}
