package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Setup data metrics
	TemplateGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_template_groups_total",
			Help: "Total number of template groups",
		},
	)

	TemplatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisioner_templates_total",
			Help: "Total number of templates by status",
		},
		[]string{"status"},
	)

	AssignmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisioner_assignments_total",
			Help: "Total number of assignments by status",
		},
		[]string{"status"},
	)

	// Generation metrics
	RecordsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_records_generated_total",
			Help: "Total number of managed records generated by managed object",
		},
		[]string{"object"},
	)

	TriggerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_trigger_rejections_total",
			Help: "Total number of records rejected at the trigger boundary by object",
		},
		[]string{"object"},
	)

	// Planner metrics
	PagesPlannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_pages_planned_total",
			Help: "Total number of reconciliation pages planned by action",
		},
		[]string{"action"},
	)

	// Commit metrics
	CommitChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_commit_chunks_total",
			Help: "Total number of bulk store calls by operation and result",
		},
		[]string{"op", "result"},
	)

	DuplicatesAbsorbedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_duplicates_absorbed_total",
			Help: "Total number of chunks whose duplicate-record error was treated as already satisfied",
		},
	)

	// Job metrics
	JobsScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_jobs_scheduled_total",
			Help: "Total number of jobs scheduled by type",
		},
		[]string{"job_type"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_jobs_completed_total",
			Help: "Total number of jobs completed by type and result",
		},
		[]string{"job_type", "result"},
	)

	JobTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_job_tasks_total",
			Help: "Total number of job tasks processed by type and state",
		},
		[]string{"job_type", "state"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisioner_job_duration_seconds",
			Help:    "Job duration from init to complete in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	JobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_jobs_pending",
			Help: "Number of jobs submitted and not yet completed",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provisioner_reconciliation_duration_seconds",
			Help:    "Time taken by one reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TemplateGroupsTotal)
	prometheus.MustRegister(TemplatesTotal)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(RecordsGeneratedTotal)
	prometheus.MustRegister(TriggerRejectionsTotal)
	prometheus.MustRegister(PagesPlannedTotal)
	prometheus.MustRegister(CommitChunksTotal)
	prometheus.MustRegister(DuplicatesAbsorbedTotal)
	prometheus.MustRegister(JobsScheduledTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobTasksTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsPending)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
