package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Dispatcher is a record store that runs registered handlers around writes
type Dispatcher struct {
	inner    storage.Store
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewDispatcher wraps inner. Handlers must be registered before use.
func NewDispatcher(inner storage.Store) *Dispatcher {
	return &Dispatcher{
		inner:    inner,
		handlers: make(map[string][]Handler),
		logger:   log.WithComponent("trigger"),
	}
}

// Register adds a handler for object; handlers run in registration order
func (d *Dispatcher) Register(object string, h Handler) {
	d.handlers[object] = append(d.handlers[object], h)
}

// Inner returns the wrapped store
func (d *Dispatcher) Inner() storage.Store {
	return d.inner
}

func (d *Dispatcher) Query(ctx context.Context, text string) ([]*types.Record, error) {
	return d.inner.Query(ctx, text)
}

func (d *Dispatcher) Count(ctx context.Context, text string) (int64, error) {
	return d.inner.Count(ctx, text)
}

func (d *Dispatcher) NewRecord(object string) *types.Record {
	return d.inner.NewRecord(object)
}

func (d *Dispatcher) Get(ctx context.Context, object, id string) (*types.Record, error) {
	return d.inner.Get(ctx, object, id)
}

func (d *Dispatcher) Close() error {
	return d.inner.Close()
}

// BulkSave persists records, running handlers of their objects
func (d *Dispatcher) BulkSave(ctx context.Context, records []*types.Record) (*storage.BulkResult, error) {
	ctx, rc := reqctx.Ensure(ctx)
	res := &storage.BulkResult{Items: make([]storage.ItemResult, len(records))}

	for _, group := range groupByObject(records) {
		if len(d.handlers[group.object]) == 0 {
			if err := d.passThrough(ctx, d.inner.BulkSave, records, group.positions, res); err != nil {
				return nil, err
			}
			continue
		}

		inserts := &Batch{Object: group.object, Event: EventInsert}
		updates := &Batch{Object: group.object, Event: EventUpdate}
		var insertPos, updatePos []int
		for _, pos := range group.positions {
			draft := records[pos]
			if draft.ID == "" {
				inserts.Changes = append(inserts.Changes, &Change{New: draft.Clone()})
				insertPos = append(insertPos, pos)
				continue
			}

			old, err := d.inner.Get(ctx, draft.Object, draft.ID)
			if errors.Is(err, storage.ErrNotFound) {
				inserts.Changes = append(inserts.Changes, &Change{New: draft.Clone()})
				insertPos = append(insertPos, pos)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read prior version of %s %s: %w", draft.Object, draft.ID, err)
			}
			merged := old.Clone()
			merged.Merge(draft)
			updates.Changes = append(updates.Changes, &Change{Old: old, New: merged})
			updatePos = append(updatePos, pos)
		}

		for _, b := range []struct {
			batch     *Batch
			positions []int
		}{{inserts, insertPos}, {updates, updatePos}} {
			if len(b.batch.Changes) == 0 {
				continue
			}
			if err := d.dispatch(ctx, rc, b.batch); err != nil {
				return nil, err
			}
			collect(b.batch, b.positions, res)
		}
	}
	return res, nil
}

// BulkDelete deletes records, running handlers of their objects
func (d *Dispatcher) BulkDelete(ctx context.Context, records []*types.Record) (*storage.BulkResult, error) {
	ctx, rc := reqctx.Ensure(ctx)
	res := &storage.BulkResult{Items: make([]storage.ItemResult, len(records))}

	for _, group := range groupByObject(records) {
		if len(d.handlers[group.object]) == 0 {
			if err := d.passThrough(ctx, d.inner.BulkDelete, records, group.positions, res); err != nil {
				return nil, err
			}
			continue
		}

		deletes := &Batch{Object: group.object, Event: EventDelete}
		var positions []int
		for _, pos := range group.positions {
			ref := records[pos]
			res.Items[pos] = storage.ItemResult{Position: pos, ID: ref.ID}

			old, err := d.inner.Get(ctx, ref.Object, ref.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s %s before delete: %w", ref.Object, ref.ID, err)
			}
			deletes.Changes = append(deletes.Changes, &Change{Old: old})
			positions = append(positions, pos)
		}

		if len(deletes.Changes) == 0 {
			continue
		}
		if err := d.dispatch(ctx, rc, deletes); err != nil {
			return nil, err
		}
		collect(deletes, positions, res)
	}
	return res, nil
}

// dispatch runs Before, persists the accepted changes, then runs After
func (d *Dispatcher) dispatch(ctx context.Context, rc *reqctx.Context, b *Batch) error {
	handlers := d.handlers[b.Object]
	logger := log.WithRequestID(d.logger, rc.ID).With().
		Str("object", b.Object).
		Str("event", string(b.Event)).
		Logger()

	for _, h := range handlers {
		leave, reentrant := rc.Enter(h.Name())
		if reentrant {
			leave()
			logger.Debug().Str("handler", h.Name()).Msg("Skipping re-entrant handler")
			continue
		}
		err := h.Before(ctx, rc, b)
		leave()
		if err != nil {
			b.RejectAll(err)
		}
	}

	accepted := b.Accepted()
	if len(accepted) == 0 {
		d.countRejections(b)
		return nil
	}

	j := newJournal(d, d.inner)
	if err := d.persist(ctx, b.Event, accepted, j); err != nil {
		return err
	}

	persisted := &Batch{Object: b.Object, Event: b.Event}
	for _, c := range accepted {
		if !c.Rejected() {
			persisted.Changes = append(persisted.Changes, c)
		}
	}

	if len(persisted.Changes) > 0 {
		for _, h := range handlers {
			leave, reentrant := rc.Enter(h.Name())
			if reentrant {
				leave()
				continue
			}
			err := h.After(ctx, rc, persisted, j)
			leave()
			if err == nil {
				continue
			}

			logger.Error().Err(err).Str("handler", h.Name()).Int("records", len(persisted.Changes)).Msg("Trigger failed, rolling back batch")
			if undoErr := j.undo(ctx); undoErr != nil {
				logger.Error().Err(undoErr).Msg("Rollback incomplete")
				err = multierror.Append(err, undoErr)
			}
			persisted.RejectAll(err)
			break
		}
	}

	d.countRejections(b)
	return nil
}

// persist writes accepted changes to the inner store and journals them
func (d *Dispatcher) persist(ctx context.Context, event Event, changes []*Change, j *journal) error {
	records := make([]*types.Record, len(changes))
	for i, c := range changes {
		if event == EventDelete {
			records[i] = types.NewRecordWithID(c.Old.Object, c.Old.ID)
		} else {
			records[i] = c.New
		}
	}

	var res *storage.BulkResult
	var err error
	if event == EventDelete {
		res, err = d.inner.BulkDelete(ctx, records)
	} else {
		res, err = d.inner.BulkSave(ctx, records)
	}
	if err != nil {
		return err
	}

	for _, item := range res.Items {
		c := changes[item.Position]
		if item.Err != nil {
			// Store errors keep their message so callers can still classify them
			c.err = item.Err
			continue
		}
		if c.New != nil {
			c.New.ID = item.ID
		}
		j.record(records[item.Position].Object, item.ID, c.Old)
	}
	return nil
}

func (d *Dispatcher) countRejections(b *Batch) {
	for _, c := range b.Changes {
		if c.Rejected() {
			metrics.TriggerRejectionsTotal.WithLabelValues(b.Object).Inc()
		}
	}
}

func (d *Dispatcher) passThrough(ctx context.Context, write func(context.Context, []*types.Record) (*storage.BulkResult, error),
	records []*types.Record, positions []int, res *storage.BulkResult) error {
	subset := make([]*types.Record, len(positions))
	for i, pos := range positions {
		subset[i] = records[pos]
	}
	r, err := write(ctx, subset)
	if err != nil {
		return err
	}
	for _, item := range r.Items {
		pos := positions[item.Position]
		res.Items[pos] = storage.ItemResult{Position: pos, ID: item.ID, Err: item.Err}
	}
	return nil
}

// collect copies change outcomes into the caller-facing result
func collect(b *Batch, positions []int, res *storage.BulkResult) {
	for i, c := range b.Changes {
		pos := positions[i]
		res.Items[pos] = storage.ItemResult{Position: pos, ID: c.Record().ID, Err: c.Err()}
	}
}

type objectGroup struct {
	object    string
	positions []int
}

// groupByObject groups record positions by object, objects in first-seen order
func groupByObject(records []*types.Record) []objectGroup {
	index := make(map[string]int)
	var groups []objectGroup
	for pos, rec := range records {
		i, ok := index[rec.Object]
		if !ok {
			i = len(groups)
			index[rec.Object] = i
			groups = append(groups, objectGroup{object: rec.Object})
		}
		groups[i].positions = append(groups[i].positions, pos)
	}
	return groups
}
