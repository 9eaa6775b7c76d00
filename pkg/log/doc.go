/*
Package log provides structured logging for the provisioner using zerolog.

The package wraps zerolog with a global Logger, a one-call Init and child
logger helpers that attach the fields every component logs with. The global
logger discards everything until Init is called, so packages can be used in
tests without configuring output.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  log.Init(Config{Level, JSONOutput, Output})               │
	│        │                                                   │
	│        ▼                                                   │
	│  Global Logger (zerolog, timestamped)                      │
	│        │                                                   │
	│        ├── WithComponent("planner")                        │
	│        │       └── WithGroupID(l, "grp-1")                 │
	│        ├── WithComponent("runtime")                        │
	│        │       └── WithJob(l, jobID, "assignment_refresh") │
	│        │               └── WithTaskID(l, taskID)           │
	│        └── WithComponent("trigger")                        │
	│                └── WithRequestID(l, rc.ID)                 │
	└────────────────────────────────────────────────────────────┘

# Usage

Initializing:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("planner")
	logger.Info().
		Str("template_group", groupID).
		Int64("count", n).
		Int("pages", len(pages)).
		Msg("Refresh planned")

Job loggers carry the job id and type on every line, which is how the
per-chunk first error and the completion summary of one job are correlated:

	jl := log.WithJob(log.WithComponent("runtime"), job.ID, job.Type)
	jl.Error().Err(err).Int("chunk", i).Msg("Chunk failed")

# Log Output Examples

	{"level":"info","component":"planner","template_group":"grp-1","count":1234,"pages":3,"message":"Refresh planned"}
	{"level":"error","component":"runtime","job_id":"5f1c...","job_type":"managed_record_delete","chunk":2,"error":"...","message":"Chunk failed"}
	{"level":"info","component":"runtime","job_id":"5f1c...","job_type":"assignment_refresh","tasks":3,"message":"All tasks completed successfully"}
*/
package log
