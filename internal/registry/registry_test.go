package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeanpaul/relay/internal/types"
)

func TestLoadBuiltins(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.LoadBuiltins())

	for _, id := range []string{"base", "thinker", "reviewer"} {
		tmpl, ok := r.Resolve(id, nil)
		require.True(t, ok, id)
		assert.Equal(t, id, tmpl.ID)
	}

	base, _ := r.Resolve("base", nil)
	assert.Contains(t, base.SpawnableAgents, "context-pruner")

	reviewer, _ := r.Resolve("reviewer", nil)
	assert.Equal(t, types.OutputStructured, reviewer.OutputMode)
	assert.NotEmpty(t, reviewer.OutputSchema)
}

func TestResolve(t *testing.T) {
	r := New(nil)
	for _, id := range []string{"acme/thinker@1.0.0", "acme/thinker@1.10.0", "acme/thinker@1.2.0", "other/thinker@9.0.0", "reviewer"} {
		require.NoError(t, r.Register(&types.AgentTemplate{ID: id}))
	}
	localThinker := &types.AgentTemplate{ID: "thinker"}
	local := map[string]*types.AgentTemplate{"thinker": localThinker}

	tests := []struct {
		id    string
		local map[string]*types.AgentTemplate
		want  string
		ok    bool
	}{
		{"reviewer", nil, "reviewer", true},
		{"acme/thinker@1.2.0", nil, "acme/thinker@1.2.0", true},
		{"acme/thinker", nil, "acme/thinker@1.10.0", true},
		{"thinker", nil, "other/thinker@9.0.0", true},
		{"thinker@1.0.0", nil, "acme/thinker@1.0.0", true},
		{"thinker", local, "thinker", true},
		{"acme/thinker@3.0.0", nil, "", false},
		{"missing", nil, "", false},
		{"a/b/c", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, ok := r.Resolve(tt.id, tt.local)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got.ID)
			}
		})
	}

	got, _ := r.Resolve("thinker", local)
	assert.Same(t, localThinker, got)
}

func TestRegisterRejectsBadIDs(t *testing.T) {
	r := New(nil)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&types.AgentTemplate{}))
	assert.Error(t, r.Register(&types.AgentTemplate{ID: "a/b/c"}))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "team"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team", "planner.yaml"),
		[]byte("id: acme/planner@0.1.0\nspawnable_agents: [thinker]\n"), 0644))

	r := New(nil)
	require.NoError(t, r.LoadDir(dir))
	require.NoError(t, r.LoadDir(filepath.Join(dir, "absent")))

	got, ok := r.Resolve("planner", nil)
	require.True(t, ok)
	assert.Equal(t, []string{"thinker"}, got.SpawnableAgents)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "acme/planner@0.1.0", list[0].ID)
}
