package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/provisioner/pkg/query"
	"github.com/cuemby/provisioner/pkg/types"
)

// DuplicateRecordMarker appears in the message of every uniqueness violation
const DuplicateRecordMarker = "duplicate record"

// ErrNotFound is returned by Get when the record does not exist
var ErrNotFound = errors.New("record not found")

// Store defines the record store capability used by every component
// Implemented by BoltStore (persistent) and MemStore (in-memory)
type Store interface {
	// Query returns the records matching the query text, ordered by id
	Query(ctx context.Context, text string) ([]*types.Record, error)

	// Count returns the number of matching records, ignoring any paging suffix
	Count(ctx context.Context, text string) (int64, error)

	// NewRecord returns an empty draft of the given object type
	NewRecord(object string) *types.Record

	// Get returns one record by object and id
	Get(ctx context.Context, object, id string) (*types.Record, error)

	// BulkSave inserts drafts without an id and merges the rest into their stored version
	BulkSave(ctx context.Context, records []*types.Record) (*BulkResult, error)

	// BulkDelete deletes records by id; deleting a missing record succeeds
	BulkDelete(ctx context.Context, records []*types.Record) (*BulkResult, error)

	// Utility
	Close() error
}

// Schema declares per-object uniqueness constraints
type Schema struct {
	// UniqueKeys maps an object name to the fields whose combined value must be unique
	UniqueKeys map[string][]string
}

// ItemResult is the outcome of one record of a bulk call
type ItemResult struct {
	Position int
	ID       string
	Err      error
}

// OK reports whether the item succeeded
func (r ItemResult) OK() bool {
	return r.Err == nil
}

// BulkResult collects per-item outcomes of a bulk call
type BulkResult struct {
	Items []ItemResult
}

// FirstError returns the first failed item's error, nil when everything succeeded
func (r *BulkResult) FirstError() error {
	for _, item := range r.Items {
		if item.Err != nil {
			return item.Err
		}
	}
	return nil
}

// Failed returns the number of failed items
func (r *BulkResult) Failed() int {
	n := 0
	for _, item := range r.Items {
		if item.Err != nil {
			n++
		}
	}
	return n
}

// IDs returns the ids of the successful items
func (r *BulkResult) IDs() []string {
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Err == nil {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// IsDuplicate reports whether an error is a uniqueness violation
func IsDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), DuplicateRecordMarker)
}

func duplicateError(object string, fields []string) error {
	return fmt.Errorf("%s: %s with the same %s already exists", DuplicateRecordMarker, object, strings.Join(fields, ", "))
}

// uniqueKey returns the index key of a record, empty when its object has no constraint
func (s Schema) uniqueKey(rec *types.Record) string {
	fields := s.UniqueKeys[rec.Object]
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, rec.Object)
	for _, f := range fields {
		v := rec.Get(f)
		if v.Multi {
			parts = append(parts, strings.Join(v.Tokens, ","))
		} else {
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\x00")
}

// txn is the primitive access a backend provides inside one transaction
type txn interface {
	get(object, id string) (*types.Record, error)
	put(rec *types.Record) error
	del(object, id string) error
	uniqueOwner(key string) (string, error)
	putUnique(key, id string) error
	delUnique(key string) error
}

// saveAll applies a bulk save inside one backend transaction
// Items fail independently; only backend errors abort the call
func saveAll(t txn, schema Schema, records []*types.Record, newID func() string) (*BulkResult, error) {
	res := &BulkResult{Items: make([]ItemResult, len(records))}
	for i, draft := range records {
		res.Items[i] = ItemResult{Position: i, ID: draft.ID}
		if draft.Object == "" {
			res.Items[i].Err = fmt.Errorf("record at position %d has no object type", i)
			continue
		}

		var merged *types.Record
		var prior *types.Record
		if draft.ID == "" {
			merged = draft.Clone()
			merged.ID = newID()
		} else {
			existing, err := t.get(draft.Object, draft.ID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				prior = existing
				merged = existing.Clone()
				merged.Merge(draft)
			} else {
				merged = draft.Clone()
			}
		}
		res.Items[i].ID = merged.ID

		key := schema.uniqueKey(merged)
		if key != "" {
			owner, err := t.uniqueOwner(key)
			if err != nil {
				return nil, err
			}
			if owner != "" && owner != merged.ID {
				res.Items[i].Err = duplicateError(merged.Object, schema.UniqueKeys[merged.Object])
				continue
			}
		}

		if prior != nil {
			if oldKey := schema.uniqueKey(prior); oldKey != "" && oldKey != key {
				if err := t.delUnique(oldKey); err != nil {
					return nil, err
				}
			}
		}
		if key != "" {
			if err := t.putUnique(key, merged.ID); err != nil {
				return nil, err
			}
		}
		if err := t.put(merged); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// deleteAll applies a bulk delete inside one backend transaction
func deleteAll(t txn, schema Schema, records []*types.Record) (*BulkResult, error) {
	res := &BulkResult{Items: make([]ItemResult, len(records))}
	for i, ref := range records {
		res.Items[i] = ItemResult{Position: i, ID: ref.ID}
		if ref.Object == "" || ref.ID == "" {
			res.Items[i].Err = fmt.Errorf("record at position %d has no object type or id", i)
			continue
		}

		existing, err := t.get(ref.Object, ref.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		if key := schema.uniqueKey(existing); key != "" {
			if err := t.delUnique(key); err != nil {
				return nil, err
			}
		}
		if err := t.del(ref.Object, ref.ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// scanner iterates one object's records in id order
type scanner func(object string, fn func(*types.Record) error) error

func runQuery(scan scanner, text string) ([]*types.Record, error) {
	q, err := query.Parse(text)
	if err != nil {
		return nil, err
	}

	var matched []*types.Record
	err = scan(q.Object, func(rec *types.Record) error {
		if q.Match(rec) {
			matched = append(matched, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	start, end := q.Window(len(matched))
	return matched[start:end], nil
}

func runCount(scan scanner, text string) (int64, error) {
	q, err := query.Parse(text)
	if err != nil {
		return 0, err
	}
	q = q.Base()

	var n int64
	err = scan(q.Object, func(rec *types.Record) error {
		if q.Match(rec) {
			n++
		}
		return nil
	})
	return n, err
}
