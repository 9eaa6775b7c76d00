package trigger

import (
	"context"

	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
)

// Event is the kind of record change being dispatched
type Event string

const (
	EventInsert Event = "insert"
	EventUpdate Event = "update"
	EventDelete Event = "delete"
)

// Change is one old/new record pair. Old is nil on insert, New is nil on delete.
type Change struct {
	Old *types.Record
	New *types.Record

	err error
}

// Record returns the version the change is about: New, or Old for deletes
func (c *Change) Record() *types.Record {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// Reject marks the change as rejected. The first rejection wins.
func (c *Change) Reject(err error) {
	if c.err == nil && err != nil {
		c.err = types.Reject(c.Record().ID, err)
	}
}

// Rejected reports whether the change was rejected
func (c *Change) Rejected() bool {
	return c.err != nil
}

// Err returns the rejection, nil when accepted
func (c *Change) Err() error {
	return c.err
}

// Batch is every change of one object and event delivered in one call
type Batch struct {
	Object  string
	Event   Event
	Changes []*Change
}

// Accepted returns the changes not rejected so far
func (b *Batch) Accepted() []*Change {
	accepted := make([]*Change, 0, len(b.Changes))
	for _, c := range b.Changes {
		if !c.Rejected() {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

// RejectAll rejects every change not yet rejected
func (b *Batch) RejectAll(err error) {
	for _, c := range b.Changes {
		c.Reject(err)
	}
}

// Handler reacts to changes of one object.
//
// Before runs ahead of persistence and rejects individual changes with
// Change.Reject; a returned error rejects the whole batch. After runs once
// the accepted changes are stored and writes through store; a returned error
// undoes the batch and everything written through store, then rejects every
// change of the batch.
type Handler interface {
	Name() string
	Before(ctx context.Context, rc *reqctx.Context, b *Batch) error
	After(ctx context.Context, rc *reqctx.Context, b *Batch, store storage.Store) error
}
