package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)

	_, err = NewRegistry([]Role{{Name: "a"}, {Name: "a"}})
	require.Error(t, err)

	_, err = NewRegistry([]Role{{Name: "a"}}, WithDefaultRole("missing"))
	require.Error(t, err)

	r, err := NewRegistry([]Role{{Name: "a"}, {Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, "a", r.Default().Name)
}

func TestCandidatesPreferMostSpecificRole(t *testing.T) {
	r, err := NewRegistry([]Role{
		{Name: "broad", Expertise: []string{"data", "report", "write", "edit", "review"}},
		{Name: "narrow", Expertise: []string{"data", "report"}},
		{Name: "other", Expertise: []string{"calendar"}},
	})
	require.NoError(t, err)

	got := r.Candidates("Write a report on the sales data")
	require.Len(t, got, 2)
	assert.Equal(t, "narrow", got[0].Role.Name)
	assert.Equal(t, 2, got[0].Overlap)
	assert.Equal(t, "broad", got[1].Role.Name)
	assert.Equal(t, 3, got[1].Overlap)
}

func TestCandidatesTieBreaksOnOverlapThenName(t *testing.T) {
	r, err := NewRegistry([]Role{
		{Name: "zeta", Expertise: []string{"plan", "budget"}},
		{Name: "alpha", Expertise: []string{"plan", "travel"}},
		{Name: "beta", Expertise: []string{"plan", "other"}},
	})
	require.NoError(t, err)

	got := r.Candidates("plan the travel budget")
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].Role.Name)
	assert.Equal(t, "zeta", got[1].Role.Name)
	assert.Equal(t, "beta", got[2].Role.Name)
}

func TestCandidatesMultiWordTags(t *testing.T) {
	r, err := NewRegistry([]Role{{Name: "ml", Expertise: []string{"Machine  Learning"}}})
	require.NoError(t, err)
	assert.Len(t, r.Candidates("a machine learning pipeline"), 1)
	assert.Empty(t, r.Candidates("machinery for learners"))
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, "generalist", r.Default().Name)
	_, ok := r.Lookup("researcher")
	assert.True(t, ok)
	assert.Len(t, r.Roles(), len(DefaultRoles()))
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_role: helper
roles:
  - name: helper
    system_prompt: help
    expertise: [general]
  - name: auditor
    system_prompt: audit
    expertise: [audit, compliance]
`), 0o644))

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, "helper", r.Default().Name)
	role, ok := r.Lookup("auditor")
	require.True(t, ok)
	assert.Equal(t, []string{"audit", "compliance"}, role.Expertise)
}
