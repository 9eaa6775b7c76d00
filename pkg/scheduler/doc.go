/*
Package scheduler fans reconciliation pages out to the asynchronous job queue.

Each page becomes exactly one job carrying two parameters: the page query
(base query plus its SKIP/PAGESIZE suffix) and the name of the object the
returned ids belong to. The page action picks the job type:

	resave → assignment_refresh
	delete → managed_record_delete

Scheduling is fire-and-forget. The scheduler does not wait for jobs, does not
aggregate their results and does not deduplicate overlapping pages; callers
that need completion wait on the queue itself.

	sched := scheduler.NewScheduler(queue)
	ids, err := sched.Schedule(ctx, pages, "access_grant")
*/
package scheduler
