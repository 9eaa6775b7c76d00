// Package jobqueue runs asynchronous jobs submitted by the fan-out scheduler.
//
// Jobs travel as JSON envelopes over an in-process watermill topic. Serve
// consumes the topic with a fixed worker pool; each worker waits on a rate
// limiter before starting a job, runs Init, splits the items into tasks of
// TaskSize, runs Process per task and finally Complete exactly once.
//
// SubmitStages chains groups of jobs: the jobs of one stage may run
// concurrently, but a stage is only published once every job of the stage
// before it has completed.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/jobs"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"
)

// ErrUnknownJobType is returned when submitting a type with no registered factory
var ErrUnknownJobType = errors.New("unknown job type")

// Config holds job queue settings
type Config struct {
	Workers       int     `koanf:"workers" validate:"min=1,max=64"`
	TaskSize      int     `koanf:"task_size" validate:"min=1,max=500"`
	RatePerSecond float64 `koanf:"rate_per_second" validate:"min=0"`
	Burst         int     `koanf:"burst" validate:"min=1"`
	Topic         string  `koanf:"topic" validate:"required"`
}

// DefaultConfig returns the default queue settings
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		TaskSize:      250,
		RatePerSecond: 0,
		Burst:         1,
		Topic:         "provisioner.jobs",
	}
}

// Factory creates a job instance bound to a job-scoped logger
type Factory func(logger zerolog.Logger) jobs.Job

type envelope struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Params jobs.Params `json:"params"`
	Chain  string      `json:"chain,omitempty"`
}

// chain holds the stages not yet published and the jobs still running in
// the current one
type chain struct {
	stages    [][]envelope
	remaining int
}

// Queue is the in-process asynchronous job scheduler
type Queue struct {
	cfg       Config
	pubsub    *gochannel.GoChannel
	messages  <-chan *message.Message
	cancel    context.CancelFunc
	limiter   *rate.Limiter
	broker    *events.Broker
	logger    zerolog.Logger
	factories map[string]Factory

	mu      sync.Mutex
	pending int
	idleCh  chan struct{}

	chainMu sync.Mutex
	chains  map[string]*chain
}

// New creates a queue and subscribes to its topic. broker may be nil.
func New(cfg Config, broker *events.Broker) (*Queue, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TaskSize <= 0 {
		cfg.TaskSize = def.TaskSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 1024,
	}, watermill.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := pubsub.Subscribe(ctx, cfg.Topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		cfg:       cfg,
		pubsub:    pubsub,
		messages:  messages,
		cancel:    cancel,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		broker:    broker,
		logger:    log.WithComponent("jobqueue"),
		factories: make(map[string]Factory),
		idleCh:    idle,
		chains:    make(map[string]*chain),
	}, nil
}

// Register binds a job type to its factory
func (q *Queue) Register(jobType string, f Factory) {
	q.factories[jobType] = f
}

// Submit enqueues one job and returns its id without waiting for it to run
func (q *Queue) Submit(ctx context.Context, jobType string, params jobs.Params) (string, error) {
	if _, ok := q.factories[jobType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := envelope{ID: uuid.New().String(), Type: jobType, Params: params}
	q.addPending(1)
	if err := q.publish(env); err != nil {
		q.donePending()
		return "", err
	}
	return env.ID, nil
}

// SubmitStages enqueues the first non-empty stage and holds back every later
// one until all jobs of the previous stage completed. Job ids of all stages
// are returned in submission order. Pending counts every job of the chain
// from the start, so Wait only returns once the last stage finished.
func (q *Queue) SubmitStages(ctx context.Context, stages ...[]jobs.Submission) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chainID := uuid.New().String()
	var envs [][]envelope
	var ids []string
	for _, stage := range stages {
		if len(stage) == 0 {
			continue
		}
		batch := make([]envelope, 0, len(stage))
		for _, sub := range stage {
			if _, ok := q.factories[sub.Type]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, sub.Type)
			}
			env := envelope{ID: uuid.New().String(), Type: sub.Type, Params: sub.Params, Chain: chainID}
			batch = append(batch, env)
			ids = append(ids, env.ID)
		}
		envs = append(envs, batch)
	}
	if len(envs) == 0 {
		return nil, nil
	}

	q.addPending(len(ids))
	q.chainMu.Lock()
	q.chains[chainID] = &chain{stages: envs[1:], remaining: len(envs[0])}
	q.chainMu.Unlock()

	published, err := q.publishStage(chainID, envs[0])
	if err != nil {
		return ids[:published], err
	}

	q.logger.Debug().
		Str("chain", chainID).
		Int("stages", len(envs)).
		Int("jobs", len(ids)).
		Msg("Job stages submitted")
	return ids, nil
}

func (q *Queue) publish(env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.pubsub.Publish(q.cfg.Topic, message.NewMessage(env.ID, payload)); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	metrics.JobsScheduledTotal.WithLabelValues(env.Type).Inc()
	q.broker.Publish(events.NewEvent(events.EventJobScheduled, "job scheduled", map[string]string{
		events.MetaJobID:   env.ID,
		events.MetaJobType: env.Type,
	}))
	return nil
}

// publishStage publishes one stage of a chain. On failure the unpublished
// jobs and every later stage are dropped.
func (q *Queue) publishStage(chainID string, stage []envelope) (int, error) {
	for i, env := range stage {
		if err := q.publish(env); err != nil {
			for range stage[i:] {
				q.donePending()
			}
			q.dropChain(chainID)
			return i, err
		}
	}
	return len(stage), nil
}

// advance records one completed job of a chain and publishes the next
// stage once the current one is done
func (q *Queue) advance(chainID string) {
	if chainID == "" {
		return
	}

	q.chainMu.Lock()
	c, ok := q.chains[chainID]
	if !ok {
		q.chainMu.Unlock()
		return
	}
	c.remaining--
	if c.remaining > 0 {
		q.chainMu.Unlock()
		return
	}
	if len(c.stages) == 0 {
		delete(q.chains, chainID)
		q.chainMu.Unlock()
		return
	}
	next := c.stages[0]
	c.stages = c.stages[1:]
	c.remaining = len(next)
	q.chainMu.Unlock()

	if _, err := q.publishStage(chainID, next); err != nil {
		q.logger.Error().Err(err).Str("chain", chainID).Msg("Dropping remaining job stages")
	}
}

func (q *Queue) dropChain(chainID string) {
	q.chainMu.Lock()
	c, ok := q.chains[chainID]
	delete(q.chains, chainID)
	q.chainMu.Unlock()
	if !ok {
		return
	}
	for _, stage := range c.stages {
		for range stage {
			q.donePending()
		}
	}
}

// Serve consumes the topic until ctx is canceled. It implements suture.Service.
func (q *Queue) Serve(ctx context.Context) error {
	work := make(chan envelope)
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for env := range work {
				q.execute(ctx, env)
			}
		}()
	}
	defer func() {
		close(work)
		wg.Wait()
	}()

	metrics.UpdateComponent(metrics.ComponentJobQueue, true, "")
	q.logger.Info().Int("workers", q.cfg.Workers).Str("topic", q.cfg.Topic).Msg("Job queue started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.messages:
			if !ok {
				metrics.UpdateComponent(metrics.ComponentJobQueue, false, "queue closed")
				return suture.ErrDoNotRestart
			}

			var env envelope
			err := json.Unmarshal(msg.Payload, &env)
			msg.Ack()
			if err != nil {
				q.logger.Error().Err(err).Str("message_id", msg.UUID).Msg("Dropping undecodable job")
				q.donePending()
				continue
			}

			select {
			case work <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (q *Queue) String() string {
	return "jobqueue"
}

// Wait blocks until every submitted job has completed
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idleCh
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of submitted jobs not yet completed
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close stops the subscription and the underlying pubsub
func (q *Queue) Close() error {
	q.cancel()
	return q.pubsub.Close()
}

func (q *Queue) addPending(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		q.idleCh = make(chan struct{})
	}
	q.pending += n
	metrics.JobsPending.Set(float64(q.pending))
}

func (q *Queue) donePending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		return
	}
	q.pending--
	metrics.JobsPending.Set(float64(q.pending))
	if q.pending == 0 {
		close(q.idleCh)
	}
}

// execute runs one job through Init, Process per task and Complete
func (q *Queue) execute(ctx context.Context, env envelope) {
	defer q.donePending()
	defer q.advance(env.Chain)

	if err := q.limiter.Wait(ctx); err != nil {
		q.logger.Warn().Err(err).Str("job_id", env.ID).Msg("Job not started")
		return
	}

	logger := log.WithJob(q.logger, env.ID, env.Type)
	timer := metrics.NewTimer()
	job := q.factories[env.Type](logger)
	result := &jobs.Result{JobID: env.ID, JobType: env.Type}

	items, err := q.initJob(ctx, job, env.Params)
	if err != nil {
		result.InitErr = err.Error()
	} else {
		for i, task := range jobs.Split(items, q.cfg.TaskSize) {
			tr := jobs.TaskResult{
				TaskID: env.ID + "-" + strconv.Itoa(i),
				State:  jobs.TaskSucceeded,
				Items:  len(task),
			}
			if err := q.processTask(ctx, job, task); err != nil {
				tr.State = jobs.TaskFailed
				tr.FirstError = err.Error()
			}
			metrics.JobTasksTotal.WithLabelValues(env.Type, string(tr.State)).Inc()
			result.Tasks = append(result.Tasks, tr)
		}
	}

	job.Complete(ctx, result)
	timer.ObserveDurationVec(metrics.JobDuration, env.Type)

	status := "completed"
	eventType := events.EventJobCompleted
	if !result.Success() {
		status = "failed"
		eventType = events.EventJobFailed
	}
	metrics.JobsCompletedTotal.WithLabelValues(env.Type, status).Inc()

	q.broker.Publish(events.NewEvent(eventType, "job "+status, map[string]string{
		events.MetaJobID:   env.ID,
		events.MetaJobType: env.Type,
		events.MetaCount:   strconv.Itoa(len(items)),
	}))
}

func (q *Queue) initJob(ctx context.Context, job jobs.Job, params jobs.Params) (items []jobs.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job init panicked: %v", r)
		}
	}()
	return job.Init(ctx, params)
}

func (q *Queue) processTask(ctx context.Context, job jobs.Job, items []jobs.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job task panicked: %v", r)
		}
	}()
	return job.Process(ctx, items)
}
