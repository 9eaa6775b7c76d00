package scheduler

import (
	"context"
	"fmt"

	"github.com/cuemby/provisioner/pkg/jobs"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// Submitter is the asynchronous job scheduler capability
type Submitter interface {
	Submit(ctx context.Context, jobType string, params jobs.Params) (string, error)
	SubmitStages(ctx context.Context, stages ...[]jobs.Submission) ([]string, error)
}

// Stage is a set of pages on one target object. Every job of a stage
// completes before the jobs of the next stage start.
type Stage struct {
	Pages  []types.ReconciliationPage
	Target string
}

// Scheduler fans reconciliation pages out as independent jobs
type Scheduler struct {
	submitter Submitter
	logger    zerolog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(submitter Submitter) *Scheduler {
	return &Scheduler{
		submitter: submitter,
		logger:    log.WithComponent("fanout"),
	}
}

// JobType returns the job type that performs a page action
func JobType(action types.PageAction) (string, error) {
	switch action {
	case types.ActionResave:
		return jobs.TypeAssignmentRefresh, nil
	case types.ActionDelete:
		return jobs.TypeManagedRecordDelete, nil
	default:
		return "", fmt.Errorf("no job type for page action %q", action)
	}
}

// Schedule submits one job per page and returns the job ids in page order.
// It does not wait for the jobs. On a submit failure the pages already
// submitted stay scheduled and their ids are returned with the error.
func (s *Scheduler) Schedule(ctx context.Context, pages []types.ReconciliationPage, targetObjectName string) ([]string, error) {
	ids := make([]string, 0, len(pages))
	for i, page := range pages {
		jobType, err := JobType(page.Action)
		if err != nil {
			return ids, err
		}

		id, err := s.submitter.Submit(ctx, jobType, pageParams(page, targetObjectName))
		if err != nil {
			return ids, fmt.Errorf("failed to schedule page %d of %d: %w", i+1, len(pages), err)
		}
		ids = append(ids, id)

		s.logger.Debug().
			Str("job_id", id).
			Str("job_type", jobType).
			Int64("skip", page.Skip).
			Int64("limit", page.Limit).
			Msg("Page scheduled")
	}

	s.logger.Info().
		Str("object", targetObjectName).
		Int("jobs", len(ids)).
		Msg("Pages scheduled")
	return ids, nil
}

// ScheduleStages submits the pages of every stage as one chain of jobs.
// Stages run one after another; the jobs inside a stage run independently.
func (s *Scheduler) ScheduleStages(ctx context.Context, stages ...Stage) ([]string, error) {
	subs := make([][]jobs.Submission, 0, len(stages))
	for _, stage := range stages {
		batch := make([]jobs.Submission, 0, len(stage.Pages))
		for _, page := range stage.Pages {
			jobType, err := JobType(page.Action)
			if err != nil {
				return nil, err
			}
			batch = append(batch, jobs.Submission{Type: jobType, Params: pageParams(page, stage.Target)})
		}
		subs = append(subs, batch)
	}

	ids, err := s.submitter.SubmitStages(ctx, subs...)
	if err != nil {
		return ids, fmt.Errorf("failed to schedule job stages: %w", err)
	}

	s.logger.Info().
		Int("stages", len(stages)).
		Int("jobs", len(ids)).
		Msg("Stages scheduled")
	return ids, nil
}

func pageParams(page types.ReconciliationPage, target string) jobs.Params {
	params := jobs.Params{
		jobs.ParamQuery:      page.Query(),
		jobs.ParamObjectName: target,
	}
	if page.GroupID != "" {
		params[jobs.ParamTemplateGroup] = page.GroupID
	}
	return params
}
