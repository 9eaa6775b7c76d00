package trigger

import (
	"context"
	"errors"
	"strconv"

	"github.com/cuemby/provisioner/pkg/events"
	"github.com/cuemby/provisioner/pkg/jobs"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/resolver"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// BufferLimit is the number of generated records collected before a commit
const BufferLimit = 5000

var (
	ErrUserChanged    = errors.New(types.ErrMsgUserChange)
	ErrCountryChanged = errors.New(types.ErrMsgCountryChange)
	ErrCountryNotSet  = errors.New(types.ErrMsgCountryNotSet)
)

// AssignmentHandler provisions managed records when assignments are created or reactivated
type AssignmentHandler struct {
	resolver *resolver.Resolver
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewAssignmentHandler creates the assignment handler. broker may be nil.
func NewAssignmentHandler(r *resolver.Resolver, broker *events.Broker) *AssignmentHandler {
	return &AssignmentHandler{
		resolver: r,
		broker:   broker,
		logger:   log.WithComponent("trigger").With().Str("handler", "assignment_provision").Logger(),
	}
}

func (h *AssignmentHandler) Name() string {
	return "assignment_provision"
}

// Before rejects user or country changes and countries the group cannot carry
func (h *AssignmentHandler) Before(ctx context.Context, rc *reqctx.Context, b *Batch) error {
	if b.Event == EventDelete {
		return nil
	}

	for _, c := range b.Accepted() {
		a := types.AssignmentFromRecord(c.New)

		if b.Event == EventUpdate {
			prior := types.AssignmentFromRecord(c.Old)
			if prior.User != a.User {
				c.Reject(ErrUserChanged)
				continue
			}
			if prior.Country != a.Country {
				c.Reject(ErrCountryChanged)
				continue
			}
		}

		if a.Country == "" && !a.IsActive() {
			continue
		}

		cfg, err := h.resolver.LoadConfig(ctx, rc, a.GroupID)
		if err != nil {
			c.Reject(err)
			continue
		}
		if a.Country != "" && !cfg.CountryScoped() {
			c.Reject(ErrCountryNotSet)
		}
	}
	return nil
}

// After generates managed records for every active assignment of the batch
// and commits them grouped by object, BufferLimit records at a time
func (h *AssignmentHandler) After(ctx context.Context, rc *reqctx.Context, b *Batch, store storage.Store) error {
	if b.Event == EventDelete {
		return nil
	}

	committer := jobs.NewCommitter(store, h.logger).FailFast()
	var buffer []*types.Record
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := committer.CommitGrouped(ctx, jobs.OpSave, buffer); err != nil {
			return err
		}
		h.publish(buffer)
		buffer = nil
		return nil
	}

	for _, c := range b.Changes {
		a := types.AssignmentFromRecord(c.New)
		if !a.IsActive() {
			continue
		}

		cfg, err := h.resolver.LoadConfig(ctx, rc, a.GroupID)
		if err != nil {
			return err
		}
		buffer = append(buffer, h.resolver.BuildManagedRecords(cfg, a)...)

		if len(buffer) >= BufferLimit {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (h *AssignmentHandler) publish(records []*types.Record) {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Object]++
	}
	for object, n := range counts {
		h.logger.Debug().Str("object", object).Int("records", n).Msg("Managed records provisioned")
		h.broker.Publish(events.NewEvent(events.EventRecordsProvisioned, "managed records provisioned", map[string]string{
			events.MetaObject: object,
			events.MetaCount:  strconv.Itoa(n),
		}))
	}
}
