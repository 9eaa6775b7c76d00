package types

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Object names of the setup and assignment data held in the record store
const (
	ObjectTemplateGroup = "template_group"
	ObjectMapping       = "template_mapping"
	ObjectTemplate      = "role_template"
	ObjectAssignment    = "template_assignment"
)

// Field names shared by the setup objects
const (
	FieldID            = "id"
	FieldStatus        = "status"
	FieldTemplateGroup = "template_group"
	FieldManagedObject = "managed_object"
	FieldUserField     = "user_field"
	FieldCountryField  = "country_field"
	FieldInlineMapping = "mappings"
	FieldTemplateField = "template_field"
	FieldTargetField   = "target_field"
	FieldIsEnumerated  = "is_enumerated"
	FieldUser          = "user"
	FieldCountry       = "country"
)

// DefaultUserField is the platform-standard user field on managed objects
const DefaultUserField = "user"

// PicklistManagedObject is the enumerated field whose tokens name managed objects
const PicklistManagedObject = "managed_object"

// Status represents the lifecycle state of setup and assignment records
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Value holds one field value. Multi marks an enumerated token set.
type Value struct {
	Text   string   `json:"text,omitempty"`
	Tokens []string `json:"tokens,omitempty"`
	Multi  bool     `json:"multi,omitempty"`
}

// Scalar creates a single-value field
func Scalar(s string) Value {
	return Value{Text: s}
}

// TokenSet creates an enumerated field holding a set of tokens
func TokenSet(tokens ...string) Value {
	return Value{Tokens: slices.Clone(tokens), Multi: true}
}

// IsEmpty reports whether the value carries nothing
func (v Value) IsEmpty() bool {
	if v.Multi {
		return len(v.Tokens) == 0
	}
	return v.Text == ""
}

// First returns the scalar text, or the first token of a set
func (v Value) First() string {
	if v.Multi {
		if len(v.Tokens) == 0 {
			return ""
		}
		return v.Tokens[0]
	}
	return v.Text
}

func (v Value) clone() Value {
	return Value{Text: v.Text, Tokens: slices.Clone(v.Tokens), Multi: v.Multi}
}

// Record is a generic row of the record store
type Record struct {
	ID     string           `json:"id"`
	Object string           `json:"object"`
	Fields map[string]Value `json:"fields"`
}

// NewRecord creates an empty draft of the given object type
func NewRecord(object string) *Record {
	return &Record{Object: object, Fields: make(map[string]Value)}
}

// NewRecordWithID creates a reference to an existing record
func NewRecordWithID(object, id string) *Record {
	r := NewRecord(object)
	r.ID = id
	return r
}

// Set assigns a field value
func (r *Record) Set(field string, v Value) {
	if r.Fields == nil {
		r.Fields = make(map[string]Value)
	}
	r.Fields[field] = v
}

// SetText assigns a scalar field
func (r *Record) SetText(field, s string) {
	r.Set(field, Scalar(s))
}

// Get returns a field value, the zero Value when absent
func (r *Record) Get(field string) Value {
	if field == FieldID {
		return Scalar(r.ID)
	}
	return r.Fields[field]
}

// Text returns the first value of a field as a string
func (r *Record) Text(field string) string {
	return r.Get(field).First()
}

// Bool parses a scalar field as a boolean, false when absent or malformed
func (r *Record) Bool(field string) bool {
	b, err := strconv.ParseBool(r.Text(field))
	return err == nil && b
}

// Status returns the record's status field
func (r *Record) Status() Status {
	return Status(r.Text(FieldStatus))
}

// Clone returns a deep copy
func (r *Record) Clone() *Record {
	c := &Record{ID: r.ID, Object: r.Object, Fields: make(map[string]Value, len(r.Fields))}
	for k, v := range r.Fields {
		c.Fields[k] = v.clone()
	}
	return c
}

// Merge overwrites the receiver's fields with every field present in draft
func (r *Record) Merge(draft *Record) {
	for k, v := range draft.Fields {
		r.Set(k, v.clone())
	}
}

func (r *Record) String() string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s{id=%s", r.Object, r.ID)
	for _, k := range keys {
		v := r.Fields[k]
		if v.Multi {
			fmt.Fprintf(&b, " %s=%v", k, v.Tokens)
		} else {
			fmt.Fprintf(&b, " %s=%q", k, v.Text)
		}
	}
	b.WriteString("}")
	return b.String()
}

// MappingKind distinguishes how a mapped value is copied
type MappingKind string

const (
	MappingScalar        MappingKind = "scalar"
	MappingEnumeratedSet MappingKind = "enumerated"
)

// FieldMapping projects one template field onto one managed object field
type FieldMapping struct {
	TemplateField string      `validate:"required"`
	TargetField   string      `validate:"required"`
	Kind          MappingKind `validate:"oneof=scalar enumerated"`
}

// IsEnumerated reports whether the value is copied as a token set
func (m FieldMapping) IsEnumerated() bool {
	return m.Kind == MappingEnumeratedSet
}

// Project copies the mapped value out of a template
func (m FieldMapping) Project(t *TemplateRecord) Value {
	v := t.Values[m.TemplateField]
	if m.IsEnumerated() {
		if v.Multi {
			return TokenSet(v.Tokens...)
		}
		if v.Text == "" {
			return TokenSet()
		}
		return TokenSet(v.Text)
	}
	return Scalar(v.First())
}

// MappingFromRecord converts a template_mapping row
func MappingFromRecord(r *Record) FieldMapping {
	kind := MappingScalar
	if r.Bool(FieldIsEnumerated) {
		kind = MappingEnumeratedSet
	}
	return FieldMapping{
		TemplateField: r.Text(FieldTemplateField),
		TargetField:   r.Text(FieldTargetField),
		Kind:          kind,
	}
}

// TemplateRecord is one row of values projected onto managed records
type TemplateRecord struct {
	ID      string
	GroupID string
	Status  Status
	Values  map[string]Value
}

// TemplateFromRecord converts a role_template row
func TemplateFromRecord(r *Record) *TemplateRecord {
	values := make(map[string]Value, len(r.Fields))
	for k, v := range r.Fields {
		values[k] = v.clone()
	}
	return &TemplateRecord{
		ID:      r.ID,
		GroupID: r.Text(FieldTemplateGroup),
		Status:  r.Status(),
		Values:  values,
	}
}

// AssignmentRecord associates a user, and optionally a country, with a template group
type AssignmentRecord struct {
	ID      string
	GroupID string
	User    string
	Country string
	Status  Status
}

// AssignmentFromRecord converts a template_assignment row
func AssignmentFromRecord(r *Record) *AssignmentRecord {
	return &AssignmentRecord{
		ID:      r.ID,
		GroupID: r.Text(FieldTemplateGroup),
		User:    r.Text(FieldUser),
		Country: r.Text(FieldCountry),
		Status:  r.Status(),
	}
}

// ToRecord converts the assignment back to a store row
func (a *AssignmentRecord) ToRecord() *Record {
	r := NewRecordWithID(ObjectAssignment, a.ID)
	r.SetText(FieldTemplateGroup, a.GroupID)
	r.SetText(FieldUser, a.User)
	if a.Country != "" {
		r.SetText(FieldCountry, a.Country)
	}
	r.SetText(FieldStatus, string(a.Status))
	return r
}

// IsActive reports whether the assignment participates in provisioning
func (a *AssignmentRecord) IsActive() bool {
	return a.Status == StatusActive
}

// TemplateGroupConfig is one resolved provisioning configuration
type TemplateGroupConfig struct {
	ID                  string `validate:"required"`
	ManagedObjectName   string `validate:"required"`
	ManagedObjectEnumID string `validate:"required"`
	UserFieldName       string `validate:"required"`
	CountryFieldName    string
	Mappings            []FieldMapping `validate:"min=1,unique=TargetField,dive"`
	Templates           []*TemplateRecord
}

// CountryScoped reports whether the group carries a country qualifier
func (c *TemplateGroupConfig) CountryScoped() bool {
	return c.CountryFieldName != ""
}

// Validate enforces the config invariants: every identifying field set, at
// least one well-formed mapping, unique target fields
func (c *TemplateGroupConfig) Validate() error {
	for _, m := range c.Mappings {
		if err := validate.Struct(m); err != nil {
			return NewSetupTokenError(ErrMsgMalformedMapping, m.TemplateField+":"+m.TargetField)
		}
	}

	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fe := verrs[0]
	switch {
	case fe.Field() == "Mappings" && fe.Tag() == "min":
		return NewSetupError(ErrMsgNoMappings)
	case fe.Field() == "Mappings" && fe.Tag() == "unique":
		return NewSetupTokenError(ErrMsgDuplicateTarget, duplicateTarget(c.Mappings))
	default:
		return NewSetupTokenError(ErrMsgIncompleteGroup, fe.Field())
	}
}

func duplicateTarget(mappings []FieldMapping) string {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if seen[m.TargetField] {
			return m.TargetField
		}
		seen[m.TargetField] = true
	}
	return ""
}

// PageAction is the work a reconciliation page performs on its rows
type PageAction string

const (
	// ActionResave re-saves rows so their save triggers regenerate downstream records
	ActionResave PageAction = "resave"
	// ActionDelete deletes rows
	ActionDelete PageAction = "delete"
)

// ReconciliationPage is a bounded skip/limit slice of a population
type ReconciliationPage struct {
	BaseQuery string
	Skip      int64
	Limit     int64
	Action    PageAction
	GroupID   string
}

// Query returns the fully-formed query string for this page
func (p ReconciliationPage) Query() string {
	return fmt.Sprintf("%s SKIP %d PAGESIZE %d", p.BaseQuery, p.Skip, p.Limit)
}
