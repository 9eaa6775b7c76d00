/*
Package reconciler plans and schedules the asynchronous work that keeps
managed records in line with templates and assignments.

The reconciler never writes records itself. Every operation counts a
population, splits it into pages with the planner and hands the pages to the
fan-out scheduler, which submits one job per page:

	RefreshAssignments   active assignments of a group    re-save  (assignment_refresh)
	PurgeManagedRecords  managed records of active users  delete   (managed_record_delete)
	SweepInactive        managed records of users with    delete   (managed_record_delete)
	                     only inactive assignments

	Reprovision          PurgeManagedRecords, then       delete,  chained
	                     RefreshAssignments              re-save

Re-saving an assignment goes through the trigger dispatcher, so the
assignment handler regenerates its managed records. A template update calls
Reprovision: its refresh jobs are published only once every purge job has
finished. Delete jobs keep the records the resolver's delete eligibility
rule rejects.

Managed records carry no reference to the group that generated them, only the
user. Purge and sweep therefore select by user, and a sweep keeps the records
of users still active in any group provisioning the same managed object.

# Periodic sweep

Serve runs Reconcile on a fixed interval (DefaultInterval unless configured)
and is meant to run under a suture supervisor:

	rec := reconciler.NewReconciler(store, res, fanout, broker, time.Minute)
	sup.Add(rec)

A cycle visits every template group in id order. Misconfigured groups are
logged and skipped; other failures are logged, the cycle continues, and the
first one is returned. Cycles are serialized and reported through the
provisioner_reconciliation_duration_seconds and
provisioner_reconciliation_cycles_total metrics.

The periodic cycle only sweeps. Refreshes are scheduled explicitly, by a
template update or the refresh command.
*/
package reconciler
