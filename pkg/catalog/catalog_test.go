package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	c := NewStatic(map[string]map[string]string{
		"managed_object": {
			"access_grant__c": "access_grant",
			"team_member__c":  "team_member",
		},
	})
	c.Add("country", "us", "United States")

	label, err := c.Label("managed_object", "access_grant__c")
	require.NoError(t, err)
	assert.Equal(t, "access_grant", label)

	label, err = c.Label("country", "us")
	require.NoError(t, err)
	assert.Equal(t, "United States", label)

	// Re-adding a token replaces its label
	c.Add("managed_object", "team_member__c", "crew_member")
	label, err = c.Label("managed_object", "team_member__c")
	require.NoError(t, err)
	assert.Equal(t, "crew_member", label)

	_, err = c.Label("managed_object", "nope")
	assert.Error(t, err)
	_, err = c.Label("missing", "x")
	assert.Error(t, err)

	token, err := c.Token("country", "United States")
	require.NoError(t, err)
	assert.Equal(t, "us", token)
	_, err = c.Token("missing", "x")
	assert.Error(t, err)
}

func TestStaticTokenSharedLabel(t *testing.T) {
	c := NewStatic(map[string]map[string]string{
		"managed_object": {
			"grant_v3__c": "access_grant",
			"grant__c":    "access_grant",
			"grant_v2__c": "access_grant",
		},
	})
	for i := 0; i < 20; i++ {
		token, err := c.Token("managed_object", "access_grant")
		require.NoError(t, err)
		assert.Equal(t, "grant__c", token)
	}
}
