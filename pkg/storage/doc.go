/*
Package storage provides the record store the provisioner reads and writes.

The Store interface is the whole capability the rest of the system relies on:
query, count, draft creation, lookup by id, bulk save and bulk delete. Two
implementations share the same bulk semantics: BoltStore persists to a bbolt
file and MemStore keeps everything in a go-memdb database.

# Architecture

	┌─────────────────────── RECORD STORE ───────────────────────┐
	│                                                              │
	│  Query / Count ──► query.Parse ──► scan object ──► Match     │
	│                                      (id order)    Window    │
	│                                                              │
	│  BulkSave / BulkDelete ──► one write transaction             │
	│      per item: merge draft, check unique key, put or delete  │
	│      items fail independently, backend errors abort the call │
	│                                                              │
	│  BoltStore                    MemStore                       │
	│   <dataDir>/provisioner.db     go-memdb tables               │
	│   records.<object> buckets     records (id, object index)    │
	│   unique_keys bucket           unique_keys                   │
	└──────────────────────────────────────────────────────────────┘

# Bulk Semantics

BulkSave inserts drafts that carry no id (a uuid is assigned) and merges
drafts that do carry one into the stored version: fields present on the
draft overwrite, absent fields are kept. A draft whose id is unknown is
inserted under that id.

Every item reports its own outcome in BulkResult. A failed item never rolls
back the others. A uniqueness violation fails the item with an error whose
message contains DuplicateRecordMarker, which callers match on to treat the
write as already satisfied.

BulkDelete of a record that does not exist succeeds.

# Uniqueness

Schema.UniqueKeys declares, per object, the fields whose combined value must
be unique:

	schema := storage.Schema{UniqueKeys: map[string][]string{
		"access_grant": {"user", "setup_role", "setup_country"},
	}}

The combined key is kept in a side index so the check does not scan the
object.

# Ordering

Query results are ordered by record id. A fixed population therefore splits
into the same SKIP/PAGESIZE pages on every read; a population that changes
between reads may shift rows across pages.

# Usage

	store, err := storage.NewBoltStore(dataDir, schema)
	if err != nil {
		return err
	}
	defer store.Close()

	draft := store.NewRecord("access_grant")
	draft.SetText("user", "u-42")
	res, err := store.BulkSave(ctx, []*types.Record{draft})
	if err != nil {
		return err
	}
	if err := res.FirstError(); err != nil && !storage.IsDuplicate(err) {
		return err
	}
*/
package storage
