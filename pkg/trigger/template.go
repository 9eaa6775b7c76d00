package trigger

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/query"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

var (
	ErrActiveInsert = errors.New(types.ErrMsgActiveInsert)
	ErrActiveDelete = errors.New(types.ErrMsgActiveDelete)
)

// Counter is the record store capability the template guard needs
type Counter interface {
	Count(ctx context.Context, text string) (int64, error)
}

// Reprovisioner schedules asynchronous reconciliation of one template group.
// Reprovision deletes the group's managed records and, with refresh set,
// regenerates them once the deletion has completed.
type Reprovisioner interface {
	Reprovision(ctx context.Context, rc *reqctx.Context, groupID string, refresh bool) ([]string, error)
}

// TemplateHandler guards template inserts and deletes and reconciles a
// group's managed records when one of its templates changes
type TemplateHandler struct {
	counter       Counter
	reprovisioner Reprovisioner
	logger        zerolog.Logger
}

// NewTemplateHandler creates the template handler
func NewTemplateHandler(counter Counter, reprovisioner Reprovisioner) *TemplateHandler {
	return &TemplateHandler{
		counter:       counter,
		reprovisioner: reprovisioner,
		logger:        log.WithComponent("trigger").With().Str("handler", "template_provision").Logger(),
	}
}

func (h *TemplateHandler) Name() string {
	return "template_provision"
}

// Before blocks active inserts and deletes in groups with active assignments
func (h *TemplateHandler) Before(ctx context.Context, rc *reqctx.Context, b *Batch) error {
	if b.Event != EventInsert && b.Event != EventDelete {
		return nil
	}
	for _, c := range b.Accepted() {
		tmpl := types.TemplateFromRecord(c.Record())
		if tmpl.Status != types.StatusActive {
			continue
		}
		has, err := h.hasActiveAssignments(ctx, tmpl.GroupID)
		if err != nil {
			c.Reject(err)
			continue
		}
		if !has {
			continue
		}
		if b.Event == EventInsert {
			c.Reject(ErrActiveInsert)
		} else {
			c.Reject(ErrActiveDelete)
		}
	}
	return nil
}

// After reprovisions the groups of updated templates. The group's managed
// records are deleted first; the assignment refresh follows when a template
// is active or was just inactivated.
func (h *TemplateHandler) After(ctx context.Context, rc *reqctx.Context, b *Batch, store storage.Store) error {
	if b.Event != EventUpdate {
		return nil
	}

	groups := changesByGroup(b.Accepted())
	ids := make([]string, 0, len(groups))
	for groupID := range groups {
		ids = append(ids, groupID)
	}
	slices.Sort(ids)

	for _, groupID := range ids {
		refresh := false
		for _, c := range groups[groupID] {
			current := c.New.Status()
			if current == types.StatusActive || (current == types.StatusInactive && c.Old.Status() == types.StatusActive) {
				refresh = true
			}
		}

		rc.ForgetConfig(groupID)
		jobIDs, err := h.reprovisioner.Reprovision(ctx, rc, groupID, refresh)
		if err != nil {
			return fmt.Errorf("failed to reprovision template group %s: %w", groupID, err)
		}
		h.logger.Info().
			Str("template_group", groupID).
			Bool("refresh", refresh).
			Int("jobs", len(jobIDs)).
			Msg("Template group reprovision scheduled")
	}
	return nil
}

func (h *TemplateHandler) hasActiveAssignments(ctx context.Context, groupID string) (bool, error) {
	q := query.Select(types.FieldID).
		From(types.ObjectAssignment).
		WhereEq(types.FieldTemplateGroup, groupID).
		WhereEq(types.FieldStatus, string(types.StatusActive)).
		WithPage(0, 1)
	n, err := h.counter.Count(ctx, q.String())
	if err != nil {
		return false, fmt.Errorf("failed to count assignments: %w", err)
	}
	return n > 0, nil
}

func changesByGroup(changes []*Change) map[string][]*Change {
	groups := make(map[string][]*Change)
	for _, c := range changes {
		groupID := c.Record().Text(types.FieldTemplateGroup)
		groups[groupID] = append(groups[groupID], c)
	}
	return groups
}
