// Package planner splits a reconciliation population into bounded pages.
//
// A plan is computed from one count snapshot. Pages are not revalidated when
// they execute, so rows added or removed in between may be missed or visited
// twice; every downstream operation is idempotent and converges on the next run.
package planner

import (
	"context"
	"fmt"

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/query"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// PageSize is the number of rows one page, and one bulk store call, covers
const PageSize = 500

// Counter is the record store capability the planner needs
type Counter interface {
	Count(ctx context.Context, text string) (int64, error)
}

// Selector identifies the population a plan covers
type Selector struct {
	BaseQuery string
	Action    types.PageAction
}

// AllAssignments selects every active assignment of a group for re-saving
func AllAssignments(groupID string) Selector {
	q := query.Select(types.FieldID).
		From(types.ObjectAssignment).
		WhereEq(types.FieldTemplateGroup, groupID).
		WhereEq(types.FieldStatus, string(types.StatusActive))
	return Selector{BaseQuery: q.String(), Action: types.ActionResave}
}

// MatchingRecords selects every record matching baseQuery for deletion
func MatchingRecords(baseQuery string) Selector {
	return Selector{BaseQuery: baseQuery, Action: types.ActionDelete}
}

// Planner computes reconciliation pages
type Planner struct {
	store  Counter
	logger zerolog.Logger
}

// NewPlanner creates a new planner
func NewPlanner(store Counter) *Planner {
	return &Planner{
		store:  store,
		logger: log.WithComponent("planner"),
	}
}

// PlanRefresh counts the selected population and splits it into pages
func (p *Planner) PlanRefresh(ctx context.Context, groupID string, sel Selector) ([]types.ReconciliationPage, error) {
	count, err := p.store.Count(ctx, sel.BaseQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count %q: %w", sel.BaseQuery, err)
	}

	pages := Paginate(sel.BaseQuery, count, sel.Action)
	for i := range pages {
		pages[i].GroupID = groupID
	}
	metrics.PagesPlannedTotal.WithLabelValues(string(sel.Action)).Add(float64(len(pages)))

	p.logger.Info().
		Str("template_group", groupID).
		Str("action", string(sel.Action)).
		Int64("count", count).
		Int("pages", len(pages)).
		Msg("Refresh planned")

	return pages, nil
}

// Paginate splits count rows into ceil(count/PageSize) pages, at least one
func Paginate(baseQuery string, count int64, action types.PageAction) []types.ReconciliationPage {
	if count <= PageSize {
		return []types.ReconciliationPage{{BaseQuery: baseQuery, Skip: 0, Limit: PageSize, Action: action}}
	}

	n := (count + PageSize - 1) / PageSize
	pages := make([]types.ReconciliationPage, 0, n)
	for k := int64(0); k < n; k++ {
		pages = append(pages, types.ReconciliationPage{
			BaseQuery: baseQuery,
			Skip:      k * PageSize,
			Limit:     PageSize,
			Action:    action,
		})
	}
	return pages
}
