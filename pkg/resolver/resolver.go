package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cuemby/provisioner/pkg/catalog"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/metrics"
	"github.com/cuemby/provisioner/pkg/query"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/rs/zerolog"
)

// ReadPageSize bounds every paged read the resolver performs
const ReadPageSize = 500

// DeleteEligibility decides whether an existing managed record generated
// from template may be deleted
type DeleteEligibility func(existing *types.Record, template *types.TemplateRecord) bool

// Resolver loads template group configurations and generates managed records
type Resolver struct {
	store    storage.Store
	catalog  catalog.Catalog
	eligible DeleteEligibility
	logger   zerolog.Logger
}

// NewResolver creates a new resolver
func NewResolver(store storage.Store, cat catalog.Catalog) *Resolver {
	r := &Resolver{
		store:   store,
		catalog: cat,
		logger:  log.WithComponent("resolver"),
	}
	r.eligible = r.IsDeleteEligible
	return r
}

// SetDeleteEligibility replaces the delete eligibility rule. nil restores
// IsDeleteEligible.
func (r *Resolver) SetDeleteEligibility(fn DeleteEligibility) {
	if fn == nil {
		fn = r.IsDeleteEligible
	}
	r.eligible = fn
}

// LoadConfig resolves the managed object, loads active mappings and active templates
// Results are cached on the request context
func (r *Resolver) LoadConfig(ctx context.Context, rc *reqctx.Context, groupID string) (*types.TemplateGroupConfig, error) {
	if cfg, ok := rc.Config(groupID); ok {
		return cfg, nil
	}

	group, err := r.store.Get(ctx, types.ObjectTemplateGroup, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.NewSetupTokenError(types.ErrMsgGroupNotFound, groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template group %s: %w", groupID, err)
	}

	token := group.Text(types.FieldManagedObject)
	label, err := rc.Label(r.catalog, types.PicklistManagedObject, token)
	if err != nil {
		return nil, types.NewSetupTokenError(types.ErrMsgUnknownObject, token)
	}

	cfg := &types.TemplateGroupConfig{
		ID:                  groupID,
		ManagedObjectName:   label,
		ManagedObjectEnumID: token,
		UserFieldName:       group.Text(types.FieldUserField),
		CountryFieldName:    group.Text(types.FieldCountryField),
	}
	if cfg.UserFieldName == "" {
		cfg.UserFieldName = types.DefaultUserField
	}

	cfg.Mappings, err = r.loadMappings(ctx, token, group.Text(types.FieldInlineMapping))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Templates, err = r.loadActiveTemplates(ctx, groupID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("template_group", groupID).
		Str("managed_object", cfg.ManagedObjectName).
		Int("mappings", len(cfg.Mappings)).
		Int("templates", len(cfg.Templates)).
		Msg("Template group loaded")

	rc.StoreConfig(cfg)
	return cfg, nil
}

// loadMappings reads the active mapping rows for the managed object, then the inline mapping string
func (r *Resolver) loadMappings(ctx context.Context, objectToken, inline string) ([]types.FieldMapping, error) {
	q := query.Select(types.FieldTemplateField, types.FieldTargetField, types.FieldIsEnumerated).
		From(types.ObjectMapping).
		WhereEq(types.FieldManagedObject, objectToken).
		WhereEq(types.FieldStatus, string(types.StatusActive))

	rows, err := r.store.Query(ctx, q.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query field mappings: %w", err)
	}

	mappings := make([]types.FieldMapping, 0, len(rows))
	for _, row := range rows {
		mappings = append(mappings, types.MappingFromRecord(row))
	}

	extra, err := ParseMappings(inline)
	if err != nil {
		return nil, err
	}
	return append(mappings, extra...), nil
}

// loadActiveTemplates reads the group's templates a page at a time, keeping active ones
func (r *Resolver) loadActiveTemplates(ctx context.Context, groupID string) ([]*types.TemplateRecord, error) {
	base := query.Select(types.FieldID).
		From(types.ObjectTemplate).
		WhereEq(types.FieldTemplateGroup, groupID)

	total, err := r.store.Count(ctx, base.String())
	if err != nil {
		return nil, fmt.Errorf("failed to count templates: %w", err)
	}

	var templates []*types.TemplateRecord
	for skip := int64(0); skip < total; skip += ReadPageSize {
		rows, err := r.store.Query(ctx, base.WithPage(skip, ReadPageSize).String())
		if err != nil {
			return nil, fmt.Errorf("failed to read templates: %w", err)
		}
		for _, row := range rows {
			if row.Status() == types.StatusActive {
				templates = append(templates, types.TemplateFromRecord(row))
			}
		}
	}
	return templates, nil
}

// BuildManagedRecords creates one managed record per active template for an assignment
// The country field is written last so the assignment's country wins over any mapped value
func (r *Resolver) BuildManagedRecords(cfg *types.TemplateGroupConfig, a *types.AssignmentRecord) []*types.Record {
	records := make([]*types.Record, 0, len(cfg.Templates))
	for _, tmpl := range cfg.Templates {
		if tmpl.Status != types.StatusActive {
			continue
		}

		rec := r.store.NewRecord(cfg.ManagedObjectName)
		rec.SetText(cfg.UserFieldName, a.User)
		for _, m := range cfg.Mappings {
			rec.Set(m.TargetField, m.Project(tmpl))
		}
		if a.Country != "" && cfg.CountryScoped() {
			rec.SetText(cfg.CountryFieldName, a.Country)
		}
		records = append(records, rec)
	}

	metrics.RecordsGeneratedTotal.WithLabelValues(cfg.ManagedObjectName).Add(float64(len(records)))
	return records
}

// IsDeleteEligible decides whether a record generated from template may be
// deleted during reconciliation. Every generated record is eligible: the
// reconciliation path deletes and regenerates rather than comparing fields.
func (r *Resolver) IsDeleteEligible(existing *types.Record, template *types.TemplateRecord) bool {
	return true
}

// EligibleForDelete returns the records of the group's managed object that
// may be deleted. A record is eligible when the group has no active
// template or when the rule accepts it for at least one active template.
func (r *Resolver) EligibleForDelete(ctx context.Context, groupID string, records []*types.Record) ([]*types.Record, error) {
	rc, ok := reqctx.FromContext(ctx)
	if !ok {
		rc = reqctx.New()
	}
	cfg, err := r.LoadConfig(ctx, rc, groupID)
	if err != nil {
		return nil, err
	}

	eligible := make([]*types.Record, 0, len(records))
	for _, rec := range records {
		ok := true
		for _, tmpl := range cfg.Templates {
			if ok = r.eligible(rec, tmpl); ok {
				break
			}
		}
		if ok {
			eligible = append(eligible, rec)
		}
	}

	if kept := len(records) - len(eligible); kept > 0 {
		logger := log.WithGroupID(r.logger, groupID)
		logger.Debug().Int("kept", kept).Int("eligible", len(eligible)).Msg("Delete eligibility applied")
	}
	return eligible, nil
}

// ExistingRecordsQuery returns the base query selecting the managed records of the given users
func ExistingRecordsQuery(cfg *types.TemplateGroupConfig, users []string) string {
	return query.Select(types.FieldID).
		From(cfg.ManagedObjectName).
		WhereIn(cfg.UserFieldName, users...).
		String()
}

// ActiveUsers returns the distinct users holding an active assignment in the group
func (r *Resolver) ActiveUsers(ctx context.Context, groupID string) ([]string, error) {
	return r.users(ctx, query.Select(types.FieldUser).
		From(types.ObjectAssignment).
		WhereEq(types.FieldTemplateGroup, groupID).
		WhereEq(types.FieldStatus, string(types.StatusActive)))
}

// AssignedUsers returns the distinct users holding any assignment in the group
func (r *Resolver) AssignedUsers(ctx context.Context, groupID string) ([]string, error) {
	return r.users(ctx, query.Select(types.FieldUser).
		From(types.ObjectAssignment).
		WhereEq(types.FieldTemplateGroup, groupID))
}

func (r *Resolver) users(ctx context.Context, base *query.Query) ([]string, error) {
	total, err := r.store.Count(ctx, base.String())
	if err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}

	seen := make(map[string]bool)
	var users []string
	for skip := int64(0); skip < total; skip += ReadPageSize {
		rows, err := r.store.Query(ctx, base.WithPage(skip, ReadPageSize).String())
		if err != nil {
			return nil, fmt.Errorf("failed to read assignments: %w", err)
		}
		for _, row := range rows {
			u := row.Text(types.FieldUser)
			if u != "" && !seen[u] {
				seen[u] = true
				users = append(users, u)
			}
		}
	}
	slices.Sort(users)
	return users, nil
}

// ParseMappings reads the inline mapping syntax "template:target[:kind]|..."
// kind is "enum" for an enumerated token set, "scalar" or absent otherwise
func ParseMappings(s string) ([]types.FieldMapping, error) {
	var mappings []types.FieldMapping
	for _, entry := range strings.Split(s, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, types.NewSetupTokenError(types.ErrMsgMalformedMapping, entry)
		}
		m := types.FieldMapping{
			TemplateField: strings.TrimSpace(parts[0]),
			TargetField:   strings.TrimSpace(parts[1]),
			Kind:          types.MappingScalar,
		}
		if m.TemplateField == "" || m.TargetField == "" {
			return nil, types.NewSetupTokenError(types.ErrMsgMalformedMapping, entry)
		}
		if len(parts) == 3 {
			switch strings.ToLower(strings.TrimSpace(parts[2])) {
			case "enum", "enumerated", "picklist":
				m.Kind = types.MappingEnumeratedSet
			case "scalar", "":
			default:
				return nil, types.NewSetupTokenError(types.ErrMsgMalformedMapping, entry)
			}
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}
