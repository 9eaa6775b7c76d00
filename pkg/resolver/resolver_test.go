package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/cuemby/provisioner/pkg/catalog"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testObjectToken = "access_grant__c"
	testObject      = "access_grant"
)

func newTestResolver(t *testing.T) (*Resolver, storage.Store) {
	store, err := storage.NewMemStore(storage.Schema{})
	require.NoError(t, err)
	cat := catalog.NewStatic(map[string]map[string]string{
		types.PicklistManagedObject: {testObjectToken: testObject},
	})
	return NewResolver(store, cat), store
}

func save(t *testing.T, store storage.Store, recs ...*types.Record) {
	res, err := store.BulkSave(context.Background(), recs)
	require.NoError(t, err)
	require.NoError(t, res.FirstError())
}

func groupRecord(id, countryField, inline string) *types.Record {
	r := types.NewRecordWithID(types.ObjectTemplateGroup, id)
	r.SetText(types.FieldManagedObject, testObjectToken)
	r.SetText(types.FieldStatus, string(types.StatusActive))
	if countryField != "" {
		r.SetText(types.FieldCountryField, countryField)
	}
	if inline != "" {
		r.SetText(types.FieldInlineMapping, inline)
	}
	return r
}

func mappingRecord(templateField, targetField string, enumerated bool) *types.Record {
	r := types.NewRecord(types.ObjectMapping)
	r.SetText(types.FieldManagedObject, testObjectToken)
	r.SetText(types.FieldTemplateField, templateField)
	r.SetText(types.FieldTargetField, targetField)
	r.SetText(types.FieldIsEnumerated, fmt.Sprint(enumerated))
	r.SetText(types.FieldStatus, string(types.StatusActive))
	return r
}

func templateRecord(groupID, role, country string, status types.Status) *types.Record {
	r := types.NewRecord(types.ObjectTemplate)
	r.SetText(types.FieldTemplateGroup, groupID)
	r.SetText("role_field", role)
	r.SetText("country_field", country)
	r.SetText(types.FieldStatus, string(status))
	return r
}

// seedExampleGroup stores a group with two scalar mappings and three active templates
func seedExampleGroup(t *testing.T, store storage.Store) {
	save(t, store, groupRecord("g1", "setup_country", ""))
	save(t, store,
		mappingRecord("role_field", "setup_role", false),
		mappingRecord("country_field", "setup_country", false),
	)
	save(t, store,
		templateRecord("g1", "reviewer", "CA", types.StatusActive),
		templateRecord("g1", "approver", "MX", types.StatusActive),
		templateRecord("g1", "author", "FR", types.StatusActive),
		templateRecord("g1", "retired", "DE", types.StatusInactive),
	)
}

func TestLoadConfig(t *testing.T) {
	r, store := newTestResolver(t)
	seedExampleGroup(t, store)

	rc := reqctx.New()
	cfg, err := r.LoadConfig(context.Background(), rc, "g1")
	require.NoError(t, err)

	assert.Equal(t, "g1", cfg.ID)
	assert.Equal(t, testObject, cfg.ManagedObjectName)
	assert.Equal(t, testObjectToken, cfg.ManagedObjectEnumID)
	assert.Equal(t, types.DefaultUserField, cfg.UserFieldName)
	assert.Equal(t, "setup_country", cfg.CountryFieldName)
	assert.Len(t, cfg.Mappings, 2)
	assert.Len(t, cfg.Templates, 3)
	for _, tmpl := range cfg.Templates {
		assert.Equal(t, types.StatusActive, tmpl.Status)
	}

	// Cached for the rest of the request
	again, err := r.LoadConfig(context.Background(), rc, "g1")
	require.NoError(t, err)
	assert.Same(t, cfg, again)
}

func TestLoadConfigTemplatesPaged(t *testing.T) {
	r, store := newTestResolver(t)
	save(t, store, groupRecord("g1", "", "role_field:setup_role"))

	var recs []*types.Record
	for i := 0; i < ReadPageSize+20; i++ {
		recs = append(recs, templateRecord("g1", fmt.Sprintf("r%d", i), "", types.StatusActive))
	}
	save(t, store, recs...)

	cfg, err := r.LoadConfig(context.Background(), reqctx.New(), "g1")
	require.NoError(t, err)
	assert.Len(t, cfg.Templates, ReadPageSize+20)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, store storage.Store)
		group string
		token string
	}{
		{
			name:  "missing group",
			setup: func(t *testing.T, store storage.Store) {},
			group: "nope",
			token: "nope",
		},
		{
			name: "no mappings",
			setup: func(t *testing.T, store storage.Store) {
				save(t, store, groupRecord("g1", "", ""))
			},
			group: "g1",
		},
		{
			name: "inactive mappings only",
			setup: func(t *testing.T, store storage.Store) {
				save(t, store, groupRecord("g1", "", ""))
				m := mappingRecord("role_field", "setup_role", false)
				m.SetText(types.FieldStatus, string(types.StatusInactive))
				save(t, store, m)
			},
			group: "g1",
		},
		{
			name: "duplicate target field",
			setup: func(t *testing.T, store storage.Store) {
				save(t, store, groupRecord("g1", "", "other_field:setup_role"))
				save(t, store, mappingRecord("role_field", "setup_role", false))
			},
			group: "g1",
			token: "setup_role",
		},
		{
			name: "malformed inline mapping",
			setup: func(t *testing.T, store storage.Store) {
				save(t, store, groupRecord("g1", "", "role_field"))
			},
			group: "g1",
			token: "role_field",
		},
		{
			name: "unknown managed object",
			setup: func(t *testing.T, store storage.Store) {
				g := groupRecord("g1", "", "a:b")
				g.SetText(types.FieldManagedObject, "mystery__c")
				save(t, store, g)
			},
			group: "g1",
			token: "mystery__c",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(t)
			tt.setup(t, store)

			_, err := r.LoadConfig(context.Background(), reqctx.New(), tt.group)
			require.Error(t, err)
			require.True(t, types.IsSetupError(err), "expected setup error, got %v", err)

			se := err.(*types.SetupError)
			assert.Equal(t, types.CodeOperationNotAllowed, se.Code)
			assert.Equal(t, tt.token, se.Token)
		})
	}
}

// TestBuildManagedRecordsCountryLast covers three templates, two scalar mappings and country US
func TestBuildManagedRecordsCountryLast(t *testing.T) {
	r, store := newTestResolver(t)
	seedExampleGroup(t, store)

	cfg, err := r.LoadConfig(context.Background(), reqctx.New(), "g1")
	require.NoError(t, err)

	a := &types.AssignmentRecord{ID: "a1", GroupID: "g1", User: "u1", Country: "US", Status: types.StatusActive}
	recs := r.BuildManagedRecords(cfg, a)
	require.Len(t, recs, 3)

	roles := map[string]bool{}
	for _, rec := range recs {
		assert.Equal(t, testObject, rec.Object)
		assert.Empty(t, rec.ID)
		assert.Equal(t, "u1", rec.Text(types.DefaultUserField))
		assert.Equal(t, "US", rec.Text("setup_country"))
		roles[rec.Text("setup_role")] = true
	}
	assert.Equal(t, map[string]bool{"reviewer": true, "approver": true, "author": true}, roles)
}

func TestBuildManagedRecordsWithoutCountry(t *testing.T) {
	r, _ := newTestResolver(t)
	cfg := &types.TemplateGroupConfig{
		ID:                "g1",
		ManagedObjectName: testObject,
		UserFieldName:     "owner",
		CountryFieldName:  "setup_country",
		Mappings: []types.FieldMapping{
			{TemplateField: "country_field", TargetField: "setup_country", Kind: types.MappingScalar},
			{TemplateField: "markets", TargetField: "setup_markets", Kind: types.MappingEnumeratedSet},
		},
		Templates: []*types.TemplateRecord{
			{ID: "t1", Status: types.StatusActive, Values: map[string]types.Value{
				"country_field": types.Scalar("CA"),
				"markets":       types.TokenSet("us", "ca"),
			}},
			{ID: "t2", Status: types.StatusInactive},
		},
	}

	recs := r.BuildManagedRecords(cfg, &types.AssignmentRecord{User: "u1"})
	require.Len(t, recs, 1)
	assert.Equal(t, "u1", recs[0].Text("owner"))
	// Without an assignment country the mapped value stays
	assert.Equal(t, "CA", recs[0].Text("setup_country"))
	assert.Equal(t, types.TokenSet("us", "ca"), recs[0].Get("setup_markets"))
}

func TestIsDeleteEligible(t *testing.T) {
	r, _ := newTestResolver(t)
	existing := types.NewRecordWithID(testObject, "x")
	existing.SetText("setup_role", "something else entirely")
	tmpl := &types.TemplateRecord{ID: "t1", Values: map[string]types.Value{"role_field": types.Scalar("reviewer")}}

	assert.True(t, r.IsDeleteEligible(existing, tmpl))
	assert.True(t, r.IsDeleteEligible(types.NewRecord(testObject), &types.TemplateRecord{}))
}

func TestEligibleForDelete(t *testing.T) {
	r, store := newTestResolver(t)
	seedExampleGroup(t, store)

	var existing []*types.Record
	for _, role := range []string{"reviewer", "approver", "legacy"} {
		rec := types.NewRecordWithID(testObject, role)
		rec.SetText("setup_role", role)
		existing = append(existing, rec)
	}

	got, err := r.EligibleForDelete(context.Background(), "g1", existing)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// Only records matching an active template's role may go
	r.SetDeleteEligibility(func(rec *types.Record, tmpl *types.TemplateRecord) bool {
		return rec.Text("setup_role") == tmpl.Values["role_field"].First()
	})
	got, err = r.EligibleForDelete(context.Background(), "g1", existing)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reviewer", got[0].ID)
	assert.Equal(t, "approver", got[1].ID)

	r.SetDeleteEligibility(nil)
	got, err = r.EligibleForDelete(context.Background(), "g1", existing)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestEligibleForDeleteWithoutActiveTemplates(t *testing.T) {
	r, store := newTestResolver(t)
	save(t, store, groupRecord("g1", "", "role_field:setup_role"))
	r.SetDeleteEligibility(func(*types.Record, *types.TemplateRecord) bool { return false })

	got, err := r.EligibleForDelete(context.Background(), "g1", []*types.Record{types.NewRecordWithID(testObject, "x")})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEligibleForDeleteUnknownGroup(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.EligibleForDelete(context.Background(), "missing", nil)
	assert.True(t, types.IsSetupError(err))
}

func TestParseMappings(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []types.FieldMapping
		token    string
	}{
		{name: "empty", input: ""},
		{
			name:  "scalar and enumerated",
			input: "role_field:setup_role | markets:setup_markets:enum|",
			expected: []types.FieldMapping{
				{TemplateField: "role_field", TargetField: "setup_role", Kind: types.MappingScalar},
				{TemplateField: "markets", TargetField: "setup_markets", Kind: types.MappingEnumeratedSet},
			},
		},
		{
			name:  "explicit scalar",
			input: "a:b:scalar",
			expected: []types.FieldMapping{
				{TemplateField: "a", TargetField: "b", Kind: types.MappingScalar},
			},
		},
		{name: "missing target", input: "a:b|c", token: "c"},
		{name: "empty template field", input: ":b", token: ":b"},
		{name: "unknown kind", input: "a:b:weird", token: "a:b:weird"},
		{name: "too many parts", input: "a:b:enum:x", token: "a:b:enum:x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMappings(tt.input)
			if tt.token != "" {
				require.Error(t, err)
				se, ok := err.(*types.SetupError)
				require.True(t, ok)
				assert.Equal(t, tt.token, se.Token)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestExistingRecordsQuery(t *testing.T) {
	cfg := &types.TemplateGroupConfig{ManagedObjectName: testObject, UserFieldName: "user"}
	assert.Equal(t, "select id from access_grant where user contains ('u1','u2')",
		ExistingRecordsQuery(cfg, []string{"u1", "u2"}))
}

func TestActiveUsers(t *testing.T) {
	r, store := newTestResolver(t)
	save(t, store,
		(&types.AssignmentRecord{GroupID: "g1", User: "u2", Status: types.StatusActive}).ToRecord(),
		(&types.AssignmentRecord{GroupID: "g1", User: "u1", Country: "US", Status: types.StatusActive}).ToRecord(),
		(&types.AssignmentRecord{GroupID: "g1", User: "u1", Country: "CA", Status: types.StatusActive}).ToRecord(),
		(&types.AssignmentRecord{GroupID: "g1", User: "u3", Status: types.StatusInactive}).ToRecord(),
		(&types.AssignmentRecord{GroupID: "g2", User: "u4", Status: types.StatusActive}).ToRecord(),
	)

	users, err := r.ActiveUsers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	users, err = r.AssignedUsers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, users)
}
