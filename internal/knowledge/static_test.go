package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryRanksByRelevance(t *testing.T) {
	p := NewStaticProvider([]Chunk{
		{Title: "generic", Content: "always relevant"},
		{Title: "weak", Content: "w", Keywords: []string{"budget", "travel", "hotel"}},
		{Title: "strong", Content: "s", Keywords: []string{"budget"}},
		{Title: "miss", Content: "m", Keywords: []string{"kubernetes"}},
	}, 2)

	got, err := p.Query(context.Background(), "Plan a travel BUDGET")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "strong", got[0].Title)
	assert.Equal(t, 1.0, got[0].Relevance)
	assert.Equal(t, "weak", got[1].Title)
	assert.InDelta(t, 2.0/3.0, got[1].Relevance, 1e-9)
	assert.NotEmpty(t, got[0].ID)
}

func TestQueryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStaticProvider(nil, 1).Query(ctx, "x")
	require.Error(t, err)
}

func TestLoadStaticProviderYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "kb.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("- id: a\n  content: yaml entry\n  keywords: [report]\n"), 0o644))
	jsonPath := filepath.Join(dir, "kb.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"id":"b","content":"json entry","keywords":["report"]}]`), 0o644))

	for _, path := range []string{yamlPath, jsonPath} {
		p, err := LoadStaticProvider(path, 3)
		require.NoError(t, err)
		got, err := p.Query(context.Background(), "write a report")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, filepath.Base(path), got[0].Source)
	}

	_, err := LoadStaticProvider("", 1)
	require.Error(t, err)
}
