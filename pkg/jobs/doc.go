/*
Package jobs implements the batch job runtime shared by every reconciliation job.

# Lifecycle

A job runs Init, then Process once per task, then Complete:

	Init(params)      execute the page query, emit one Item per row
	Process(items)    materialize record references, commit in chunks
	Complete(result)  log a summary and the first error of each failed task

The queue decides how many items a task receives. That size is independent
of ChunkSize: Process always commits in chunks of at most ChunkSize records,
so no single bulk store call exceeds the store's per-call limit.

# Committer

Committer is the chunked bulk save/delete used by jobs and by synchronous
triggers alike. For each chunk only the first reported error is inspected.
A save chunk whose first error carries the duplicate record marker counts as
already satisfied. In the default mode a failed chunk is logged and the
remaining chunks still run; in fail-fast mode the records inserted by the
failed chunk are removed and the error is returned immediately.

# Job Types

  - assignment_refresh: re-saves assignments so their triggers regenerate
    managed records
  - managed_record_delete: deletes managed records

Both take the params "query" (page query including SKIP/PAGESIZE) and
"object_name" (the object the ids belong to).
*/
package jobs
