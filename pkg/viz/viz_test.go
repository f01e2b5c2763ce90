package viz

import (
	"bytes"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history(t *testing.T) *automerge.Doc {
	doc := automerge.New()
	for i, tree := range []string{`["html",{}]`, `["html",{},"hi"]`} {
		require.NoError(t, doc.Path("version").Set(i+1))
		require.NoError(t, doc.Path("type").Set("json0"))
		require.NoError(t, doc.Path("tree").Set(tree))
		_, err := doc.Commit("change")
		require.NoError(t, err)
	}
	return doc
}

func TestEntries(t *testing.T) {
	entries, err := Entries(history(t))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Version)
	assert.Equal(t, `["html",{}]`, entries[0].Tree)
	assert.Empty(t, entries[0].Deps)
	assert.Equal(t, int64(2), entries[1].Version)
	assert.Equal(t, []string{entries[0].Hash}, entries[1].Deps)
	assert.Contains(t, label(entries[1]), "v2 16 bytes")
}

func TestRenderHistory(t *testing.T) {
	var buff bytes.Buffer
	require.NoError(t, RenderHistory(history(t), &buff))
	assert.Contains(t, buff.String(), "<svg")
}
