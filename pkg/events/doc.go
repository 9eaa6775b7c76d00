/*
Package events provides an in-memory event broker for provisioning activity.

Components publish job lifecycle and reconciliation events; subscribers such
as tests receive them on buffered channels.

	Publisher → Event Channel (buffer: 100) → Broadcast Loop → Subscribers (buffer: 50 each)

# Event Types

  - job.scheduled: a page was submitted to the job queue
  - job.completed: every task of a job succeeded
  - job.failed: the job failed to initialize or a task failed
  - refresh.planned: the planner split a population into pages
  - records.provisioned: a trigger committed generated managed records

Metadata carries job_id, job_type, template_group, object and count where
they apply.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		if event.Type == events.EventJobFailed {
			// ...
		}
	}

# Delivery

Publish blocks only while the broker's own buffer is full. Delivery to a
subscriber whose buffer is full is skipped for that event, so a slow
subscriber never stalls job processing. Events are not persisted.
*/
package events
