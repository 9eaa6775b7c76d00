package jobs

import (
	"context"
	"fmt"

	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// ChunkSize is the maximum number of records passed to one bulk store call
const ChunkSize = 500

// Op is a bulk store operation
type Op string

const (
	OpSave   Op = "save"
	OpDelete Op = "delete"
)

// ChunkError reports the representative error of one failed chunk
type ChunkError struct {
	Op     Op
	Object string
	Chunk  int
	Size   int
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s chunk %d of %s (%d records) failed: %v", e.Op, e.Chunk, e.Object, e.Size, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Committer writes records in chunks of at most ChunkSize
type Committer struct {
	store    storage.Store
	logger   zerolog.Logger
	failFast bool
}

// NewCommitter creates a committer that logs failed chunks and keeps going
func NewCommitter(store storage.Store, logger zerolog.Logger) *Committer {
	return &Committer{store: store, logger: logger}
}

// FailFast returns a committer that stops at the first failed chunk and
// removes the records that chunk inserted
func (c *Committer) FailFast() *Committer {
	return &Committer{store: c.store, logger: c.logger, failFast: true}
}

// Save bulk-saves records chunk by chunk
func (c *Committer) Save(ctx context.Context, records []*types.Record) error {
	return c.Commit(ctx, OpSave, records)
}

// Delete bulk-deletes records chunk by chunk
func (c *Committer) Delete(ctx context.Context, records []*types.Record) error {
	return c.Commit(ctx, OpDelete, records)
}

// Commit applies op to records in chunks. It returns the first chunk error;
// without fail-fast every chunk is still attempted.
func (c *Committer) Commit(ctx context.Context, op Op, records []*types.Record) error {
	var first error
	for i, chunk := range Partition(records, ChunkSize) {
		if err := c.commitChunk(ctx, op, i, chunk); err != nil {
			if c.failFast {
				return err
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// CommitGrouped commits records one object at a time, objects in first-seen order
func (c *Committer) CommitGrouped(ctx context.Context, op Op, records []*types.Record) error {
	var order []string
	groups := make(map[string][]*types.Record)
	for _, rec := range records {
		if _, ok := groups[rec.Object]; !ok {
			order = append(order, rec.Object)
		}
		groups[rec.Object] = append(groups[rec.Object], rec)
	}

	var first error
	for _, object := range order {
		c.logger.Debug().
			Str("object", object).
			Int("records", len(groups[object])).
			Msgf("Committing %s", op)
		if err := c.Commit(ctx, op, groups[object]); err != nil {
			if c.failFast {
				return err
			}
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Committer) commitChunk(ctx context.Context, op Op, index int, chunk []*types.Record) error {
	object := chunk[0].Object

	var res *storage.BulkResult
	var err error
	switch op {
	case OpSave:
		res, err = c.store.BulkSave(ctx, chunk)
	case OpDelete:
		res, err = c.store.BulkDelete(ctx, chunk)
	default:
		return fmt.Errorf("unknown commit operation %q", op)
	}
	if err == nil {
		err = res.FirstError()
	}

	if err == nil {
		metrics.CommitChunksTotal.WithLabelValues(string(op), "ok").Inc()
		return nil
	}

	if op == OpSave && storage.IsDuplicate(err) {
		metrics.CommitChunksTotal.WithLabelValues(string(op), "duplicate").Inc()
		metrics.DuplicatesAbsorbedTotal.Inc()
		c.logger.Debug().
			Str("object", object).
			Int("chunk", index).
			Msg("Duplicate record ignored")
		return nil
	}

	metrics.CommitChunksTotal.WithLabelValues(string(op), "failed").Inc()
	c.logger.Error().
		Err(err).
		Str("object", object).
		Str("op", string(op)).
		Int("chunk", index).
		Int("records", len(chunk)).
		Msg("Chunk failed")

	if c.failFast && op == OpSave && res != nil {
		c.rollbackInserts(ctx, chunk, res)
	}
	return &ChunkError{Op: op, Object: object, Chunk: index, Size: len(chunk), Err: err}
}

// rollbackInserts deletes the records a failed save chunk created
func (c *Committer) rollbackInserts(ctx context.Context, chunk []*types.Record, res *storage.BulkResult) {
	var created []*types.Record
	for _, item := range res.Items {
		if item.OK() && chunk[item.Position].ID == "" {
			created = append(created, types.NewRecordWithID(chunk[item.Position].Object, item.ID))
		}
	}
	if len(created) == 0 {
		return
	}
	if _, err := c.store.BulkDelete(ctx, created); err != nil {
		c.logger.Error().Err(err).Int("records", len(created)).Msg("Failed to roll back chunk")
	}
}

// Partition splits records into consecutive slices of at most size
func Partition(records []*types.Record, size int) [][]*types.Record {
	var chunks [][]*types.Record
	for start := 0; start < len(records); start += size {
		chunks = append(chunks, records[start:min(start+size, len(records))])
	}
	return chunks
}
