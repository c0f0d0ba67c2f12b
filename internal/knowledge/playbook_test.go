package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Fleet/internal/errors"
)

func TestPlaybookQueryMatchesRoleAndKeywords(t *testing.T) {
	book := NewPlaybook([]Snippet{
		{Title: "always", Content: "keep gas"},
		{Title: "liquidity", Content: "hold stables", Keywords: []string{"Liquid"}},
		{Title: "trader only", Content: "cap impact", Roles: []string{"trader"}},
		{Title: "scout only", Content: "scan first", Roles: []string{"scout"}, Keywords: []string{"liquid"}},
	}, 5)

	titles := func(items []Snippet) []string {
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, item.Title)
		}
		return out
	}

	assert.Equal(t, []string{"always", "liquidity", "trader only"}, titles(book.Query("Keep the treasury LIQUID", "Trader")))
	assert.Equal(t, []string{"always"}, titles(book.Query("accumulate eth", "risk")))
	assert.Equal(t, []string{"always", "liquidity", "scout only"}, titles(book.Query("liquid", "scout")))
}

func TestPlaybookCapsResults(t *testing.T) {
	book := NewPlaybook([]Snippet{{Title: "a", Content: "1"}, {Title: "b", Content: "2"}, {Title: "c", Content: "3"}}, 2)
	assert.Len(t, book.Query("", "trader"), 2)
	assert.Equal(t, 3, book.Len())

	var missing *Playbook
	assert.Nil(t, missing.Query("x", "y"))
}

func TestLoadPlaybook(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playbook.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"title": "gas", "content": "keep 0.005 ETH", "roles": ["trader"]}]`), 0o600))

	book, err := LoadPlaybook(path, 0)
	require.NoError(t, err)
	require.Len(t, book.Query("anything", "trader"), 1)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"title": "empty"}]`), 0o600))
	_, err = LoadPlaybook(bad, 0)
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = LoadPlaybook(filepath.Join(dir, "missing.json"), 0)
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))

	_, err = LoadPlaybook(" ", 0)
	assert.Equal(t, xerrors.CodeConfig, xerrors.CodeOf(err))
}
