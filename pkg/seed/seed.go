// Package seed loads setup and assignment data from YAML documents.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cuemby/provisioner/pkg/catalog"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Document is a seed file: setup data, then assignments
type Document struct {
	// Catalog adds managed object picklist entries, token to label
	Catalog     map[string]string `yaml:"catalog"`
	Groups      []Group           `yaml:"groups" validate:"dive"`
	Mappings    []Mapping         `yaml:"mappings" validate:"dive"`
	Templates   []Template        `yaml:"templates" validate:"dive"`
	Assignments []Assignment      `yaml:"assignments" validate:"dive"`
}

type Group struct {
	ID            string `yaml:"id" validate:"required"`
	ManagedObject string `yaml:"managed_object" validate:"required"`
	UserField     string `yaml:"user_field"`
	CountryField  string `yaml:"country_field"`
	Mappings      string `yaml:"mappings"`
	Status        string `yaml:"status" validate:"omitempty,oneof=active inactive"`
}

type Mapping struct {
	ID            string `yaml:"id"`
	ManagedObject string `yaml:"managed_object" validate:"required"`
	TemplateField string `yaml:"template_field" validate:"required"`
	TargetField   string `yaml:"target_field" validate:"required"`
	Enumerated    bool   `yaml:"enumerated"`
	Status        string `yaml:"status" validate:"omitempty,oneof=active inactive"`
}

type Template struct {
	ID     string           `yaml:"id"`
	Group  string           `yaml:"group" validate:"required"`
	Status string           `yaml:"status" validate:"omitempty,oneof=active inactive"`
	Values map[string]Value `yaml:"values"`
}

type Assignment struct {
	ID      string `yaml:"id"`
	Group   string `yaml:"group" validate:"required"`
	User    string `yaml:"user" validate:"required"`
	Country string `yaml:"country"`
	Status  string `yaml:"status" validate:"omitempty,oneof=active inactive"`
}

// Value is a template field: a scalar, or a list read as an enumerated token set
type Value struct {
	types.Value
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		v.Value = types.Scalar(node.Value)
		return nil
	case yaml.SequenceNode:
		var tokens []string
		if err := node.Decode(&tokens); err != nil {
			return err
		}
		v.Value = types.TokenSet(tokens...)
		return nil
	default:
		return fmt.Errorf("line %d: template value must be a scalar or a list", node.Line)
	}
}

// Parse decodes and validates a seed document
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return &doc, nil
}

// ParseFile reads and parses the seed file at path
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// ResolveManagedObjects lets groups and mappings name their managed object by
// display label. Values the catalog knows as a token are left alone, as are
// values it does not know at all.
func (d *Document) ResolveManagedObjects(cat catalog.Catalog) {
	resolve := func(value string) string {
		if _, err := cat.Label(types.PicklistManagedObject, value); err == nil {
			return value
		}
		if token, err := cat.Token(types.PicklistManagedObject, value); err == nil {
			return token
		}
		return value
	}
	for i := range d.Groups {
		d.Groups[i].ManagedObject = resolve(d.Groups[i].ManagedObject)
	}
	for i := range d.Mappings {
		d.Mappings[i].ManagedObject = resolve(d.Mappings[i].ManagedObject)
	}
}

// Summary counts, per object, the records a seed wrote, the records a trigger
// rejected and the records the store refused
type Summary struct {
	Saved    map[string]int
	Rejected map[string]int
	Failed   map[string]int
}

// Apply saves groups, mappings, templates and assignments, in that order,
// through store. Per-record failures do not stop the remaining records; they
// are returned together.
func Apply(ctx context.Context, store storage.Store, doc *Document) (*Summary, error) {
	logger := log.WithComponent("seed")
	sum := &Summary{Saved: map[string]int{}, Rejected: map[string]int{}, Failed: map[string]int{}}
	var result *multierror.Error

	sections := []struct {
		object  string
		records []*types.Record
	}{
		{types.ObjectTemplateGroup, groupRecords(doc.Groups)},
		{types.ObjectMapping, mappingRecords(doc.Mappings)},
		{types.ObjectTemplate, templateRecords(doc.Templates)},
		{types.ObjectAssignment, assignmentRecords(doc.Assignments)},
	}

	for _, s := range sections {
		if len(s.records) == 0 {
			continue
		}
		res, err := store.BulkSave(ctx, s.records)
		if err != nil {
			return sum, fmt.Errorf("failed to save %s records: %w", s.object, err)
		}
		for _, item := range res.Items {
			if item.Err != nil {
				if types.IsRejection(item.Err) {
					sum.Rejected[s.object]++
				} else {
					sum.Failed[s.object]++
				}
				result = multierror.Append(result, fmt.Errorf("%s #%d: %w", s.object, item.Position+1, item.Err))
				continue
			}
			sum.Saved[s.object]++
		}
		logger.Info().
			Str("object", s.object).
			Int("saved", sum.Saved[s.object]).
			Int("rejected", sum.Rejected[s.object]).
			Int("failed", sum.Failed[s.object]).
			Msg("Seed section applied")
	}
	return sum, result.ErrorOrNil()
}

func status(s string) string {
	if s == "" {
		return string(types.StatusActive)
	}
	return s
}

func groupRecords(groups []Group) []*types.Record {
	recs := make([]*types.Record, 0, len(groups))
	for _, g := range groups {
		r := types.NewRecordWithID(types.ObjectTemplateGroup, g.ID)
		r.SetText(types.FieldManagedObject, g.ManagedObject)
		setIfPresent(r, types.FieldUserField, g.UserField)
		setIfPresent(r, types.FieldCountryField, g.CountryField)
		setIfPresent(r, types.FieldInlineMapping, g.Mappings)
		r.SetText(types.FieldStatus, status(g.Status))
		recs = append(recs, r)
	}
	return recs
}

func mappingRecords(mappings []Mapping) []*types.Record {
	recs := make([]*types.Record, 0, len(mappings))
	for _, m := range mappings {
		r := types.NewRecordWithID(types.ObjectMapping, m.ID)
		r.SetText(types.FieldManagedObject, m.ManagedObject)
		r.SetText(types.FieldTemplateField, m.TemplateField)
		r.SetText(types.FieldTargetField, m.TargetField)
		r.SetText(types.FieldIsEnumerated, strconv.FormatBool(m.Enumerated))
		r.SetText(types.FieldStatus, status(m.Status))
		recs = append(recs, r)
	}
	return recs
}

func templateRecords(templates []Template) []*types.Record {
	recs := make([]*types.Record, 0, len(templates))
	for _, t := range templates {
		r := types.NewRecordWithID(types.ObjectTemplate, t.ID)
		for field, v := range t.Values {
			r.Set(field, v.Value)
		}
		r.SetText(types.FieldTemplateGroup, t.Group)
		r.SetText(types.FieldStatus, status(t.Status))
		recs = append(recs, r)
	}
	return recs
}

func assignmentRecords(assignments []Assignment) []*types.Record {
	recs := make([]*types.Record, 0, len(assignments))
	for _, a := range assignments {
		ar := &types.AssignmentRecord{
			ID:      a.ID,
			GroupID: a.Group,
			User:    a.User,
			Country: a.Country,
			Status:  types.Status(status(a.Status)),
		}
		recs = append(recs, ar.ToRecord())
	}
	return recs
}

func setIfPresent(r *types.Record, field, value string) {
	if value != "" {
		r.SetText(field, value)
	}
}
