/*
Package metrics provides Prometheus metrics and health endpoints for the provisioner.

All metrics are package-level collectors registered with the default registry
in init(), so any package can record without plumbing a registry through.
The serve command exposes them with NewServeMux on /metrics next to /health
and /ready.

# Metrics

Setup data (sampled by Collector):
  - provisioner_template_groups_total
  - provisioner_templates_total{status}
  - provisioner_assignments_total{status}

Generation and triggers:
  - provisioner_records_generated_total{object}
  - provisioner_trigger_rejections_total{object}

Planning and commits:
  - provisioner_pages_planned_total{action}
  - provisioner_commit_chunks_total{op,result}
  - provisioner_duplicates_absorbed_total

Jobs:
  - provisioner_jobs_scheduled_total{job_type}
  - provisioner_jobs_completed_total{job_type,result}
  - provisioner_job_tasks_total{job_type,state}
  - provisioner_job_duration_seconds{job_type}
  - provisioner_jobs_pending

Reconciler:
  - provisioner_reconciliation_duration_seconds
  - provisioner_reconciliation_cycles_total{result}

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

# Health

Components report through UpdateComponent. A component listed as critical
(store and jobqueue by default) turns /health unhealthy when it fails and
gates /ready until it has reported healthy; any other failing component only
degrades /health.
*/
package metrics
