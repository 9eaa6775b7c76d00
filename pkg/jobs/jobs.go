package jobs

import (
	"context"
)

// Job types handled by the queue
const (
	TypeAssignmentRefresh   = "assignment_refresh"
	TypeManagedRecordDelete = "managed_record_delete"
)

// Job parameter names
const (
	ParamQuery         = "query"
	ParamObjectName    = "object_name"
	ParamTemplateGroup = "template_group"
)

// Params are the string parameters a job is scheduled with
type Params map[string]string

// Submission is one job to submit as part of a stage
type Submission struct {
	Type   string
	Params Params
}

// Item is one unit of work emitted by Init
type Item struct {
	ID     string `json:"id"`
	Object string `json:"object,omitempty"`
}

// Job is the three-phase shape every asynchronous job follows.
// Init runs once and emits items, Process runs once per task with a slice of
// those items, Complete runs exactly once with the aggregated outcome.
type Job interface {
	Init(ctx context.Context, params Params) ([]Item, error)
	Process(ctx context.Context, items []Item) error
	Complete(ctx context.Context, result *Result)
}

// TaskState is the outcome of one Process call
type TaskState string

const (
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "errors_encountered"
)

// TaskResult records one task's outcome
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	State      TaskState `json:"state"`
	Items      int       `json:"items"`
	FirstError string    `json:"first_error,omitempty"`
}

// Result aggregates every task of one job
type Result struct {
	JobID   string       `json:"job_id"`
	JobType string       `json:"job_type"`
	InitErr string       `json:"init_error,omitempty"`
	Tasks   []TaskResult `json:"tasks"`
}

// Failed returns the number of failed tasks
func (r *Result) Failed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.State == TaskFailed {
			n++
		}
	}
	return n
}

// Completed returns the number of succeeded tasks
func (r *Result) Completed() int {
	return len(r.Tasks) - r.Failed()
}

// Success reports whether the job initialized and every task succeeded
func (r *Result) Success() bool {
	return r.InitErr == "" && r.Failed() == 0
}

// Split divides items into tasks of at most size items
func Split(items []Item, size int) [][]Item {
	if size <= 0 {
		size = len(items)
	}
	var tasks [][]Item
	for start := 0; start < len(items); start += size {
		tasks = append(tasks, items[start:min(start+size, len(items))])
	}
	return tasks
}
