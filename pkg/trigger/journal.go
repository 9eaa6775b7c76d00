package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/hashicorp/go-multierror"
)

type journalEntry struct {
	object string
	id     string
	// prior is nil when the entry created the record
	prior *types.Record
}

// journal records every write made through it so the writes can be undone.
// Writes go through the dispatcher, undo goes to the raw store.
type journal struct {
	storage.Store
	raw storage.Store

	mu      sync.Mutex
	entries []journalEntry
}

func newJournal(through, raw storage.Store) *journal {
	return &journal{Store: through, raw: raw}
}

func (j *journal) record(object, id string, prior *types.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{object: object, id: id, prior: prior})
}

func (j *journal) priors(ctx context.Context, records []*types.Record) ([]*types.Record, error) {
	priors := make([]*types.Record, len(records))
	for i, rec := range records {
		if rec.ID == "" || rec.Object == "" {
			continue
		}
		prior, err := j.raw.Get(ctx, rec.Object, rec.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		priors[i] = prior
	}
	return priors, nil
}

func (j *journal) BulkSave(ctx context.Context, records []*types.Record) (*storage.BulkResult, error) {
	priors, err := j.priors(ctx, records)
	if err != nil {
		return nil, err
	}
	res, err := j.Store.BulkSave(ctx, records)
	if err != nil {
		return nil, err
	}
	for _, item := range res.Items {
		if item.OK() {
			j.record(records[item.Position].Object, item.ID, priors[item.Position])
		}
	}
	return res, nil
}

func (j *journal) BulkDelete(ctx context.Context, records []*types.Record) (*storage.BulkResult, error) {
	priors, err := j.priors(ctx, records)
	if err != nil {
		return nil, err
	}
	res, err := j.Store.BulkDelete(ctx, records)
	if err != nil {
		return nil, err
	}
	for _, item := range res.Items {
		if item.OK() && priors[item.Position] != nil {
			j.record(records[item.Position].Object, item.ID, priors[item.Position])
		}
	}
	return res, nil
}

// undo reverts every recorded write, newest first
func (j *journal) undo(ctx context.Context) error {
	j.mu.Lock()
	entries := j.entries
	j.entries = nil
	j.mu.Unlock()

	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		ref := types.NewRecordWithID(e.object, e.id)

		res, err := j.raw.BulkDelete(ctx, []*types.Record{ref})
		if err == nil {
			err = res.FirstError()
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if e.prior == nil {
			continue
		}

		res, err = j.raw.BulkSave(ctx, []*types.Record{e.prior.Clone()})
		if err == nil {
			err = res.FirstError()
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
