/*
Package trigger runs record-change handlers around record store writes.

Dispatcher implements storage.Store. Writes to an object without handlers go
straight to the wrapped store. Writes to an object with handlers are turned
into batches of old/new Change pairs, one batch per event:

	insert   draft without an id, or with an id the store does not know
	update   draft whose id exists; New is the stored record with the draft merged in
	delete   existing record; deleting an unknown id succeeds without a change

Each batch goes through three steps:

 1. Before: every handler may reject individual changes. Rejected changes are
    not written and surface as a per-item RejectionError in the bulk result.
 2. Persist: accepted changes are written in one bulk call.
 3. After: handlers write follow-up records through a journaled store. If any
    After fails, everything the batch and the handlers wrote is undone and
    every change of the batch is rejected with that error.

A request context travels in the context.Context. It caches loaded template
group configurations for the whole dispatch and tracks which handlers are
running, so a handler whose own writes come back through the dispatcher is
skipped instead of recursing.

# Handlers

AssignmentHandler guards template_assignment records. User and country are
immutable once created, and a country is only accepted when the template
group defines a country field. Inserts and updates of active assignments
generate one managed record per active template; generated records are
buffered up to BufferLimit and committed grouped by object in fail-fast mode.

TemplateHandler guards role_template records. An active template cannot be
inserted into, or deleted from, a group that has active assignments. Before
an update it schedules deletion of the group's managed records; after an
update that leaves the template active, or inactivates it, it schedules a
refresh of the group's assignments.
*/
package trigger
