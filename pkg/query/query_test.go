package query

import (
	"testing"

	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected *Query
		wantErr  bool
	}{
		{
			name:     "select only",
			text:     "select id from role_template",
			expected: &Query{Fields: []string{"id"}, Object: "role_template"},
		},
		{
			name: "equality and paging",
			text: "SELECT id, user FROM template_assignment WHERE template_group = 'g1' AND status = 'active' SKIP 500 PAGESIZE 500",
			expected: &Query{
				Fields: []string{"id", "user"},
				Object: "template_assignment",
				Where: []Condition{
					{Field: "template_group", Op: OpEq, Values: []string{"g1"}},
					{Field: "status", Op: OpEq, Values: []string{"active"}},
				},
				Skip:     500,
				PageSize: 500,
			},
		},
		{
			name: "contains with escaped quote",
			text: "select id from access where user contains ('a','o''brien')",
			expected: &Query{
				Fields: []string{"id"},
				Object: "access",
				Where:  []Condition{{Field: "user", Op: OpContains, Values: []string{"a", "o'brien"}}},
			},
		},
		{name: "missing from", text: "select id role_template", wantErr: true},
		{name: "unterminated string", text: "select id from x where a = 'b", wantErr: true},
		{name: "trailing garbage", text: "select id from x limit 1", wantErr: true},
		{name: "negative skip", text: "select id from x SKIP -1", wantErr: true},
		{name: "bad contains", text: "select id from x where a contains 'b'", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Parse(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, q)
		})
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	q := Select("id").From("access").
		WhereEq("status", "active").
		WhereIn("user", "u1", "it's").
		WithPage(1000, 500)

	text := q.String()
	assert.Equal(t, "select id from access where status = 'active' and user contains ('u1','it''s') SKIP 1000 PAGESIZE 500", text)

	parsed, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, q, parsed)
	assert.Equal(t, "select id from access where status = 'active' and user contains ('u1','it''s')", parsed.Base().String())
}

func TestPageSuffixMatchesReconciliationPage(t *testing.T) {
	base := Select("id").From("template_assignment").WhereEq("template_group", "g")
	page := types.ReconciliationPage{BaseQuery: base.String(), Skip: 500, Limit: 500}

	parsed, err := Parse(page.Query())
	require.NoError(t, err)
	assert.Equal(t, int64(500), parsed.Skip)
	assert.Equal(t, int64(500), parsed.PageSize)
	assert.Equal(t, base.String(), parsed.Base().String())
}

func TestMatch(t *testing.T) {
	rec := types.NewRecordWithID("access", "r1")
	rec.SetText("user", "u1")
	rec.Set("markets", types.TokenSet("us", "ca"))

	tests := []struct {
		name     string
		query    *Query
		expected bool
	}{
		{"object only", Select().From("access"), true},
		{"other object", Select().From("other"), false},
		{"id equality", Select().From("access").WhereEq("id", "r1"), true},
		{"scalar equality", Select().From("access").WhereEq("user", "u1"), true},
		{"scalar mismatch", Select().From("access").WhereEq("user", "u2"), false},
		{"scalar contains", Select().From("access").WhereIn("user", "u9", "u1"), true},
		{"token equality", Select().From("access").WhereEq("markets", "ca"), true},
		{"token contains miss", Select().From("access").WhereIn("markets", "mx"), false},
		{"absent equals empty", Select().From("access").WhereEq("country", ""), true},
		{"absent equals value", Select().From("access").WhereEq("country", "US"), false},
		{"conjunction", Select().From("access").WhereEq("user", "u1").WhereEq("markets", "mx"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.query.Match(rec))
		})
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name       string
		skip, size int64
		n          int
		start, end int
	}{
		{"unpaged", 0, 0, 10, 0, 10},
		{"first page", 0, 500, 1234, 0, 500},
		{"last partial page", 1000, 500, 1234, 1000, 1234},
		{"skip past end", 1500, 500, 1234, 1234, 1234},
		{"skip only", 3, 0, 10, 3, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Select().From("x").WithPage(tt.skip, tt.size)
			start, end := q.Window(tt.n)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}
