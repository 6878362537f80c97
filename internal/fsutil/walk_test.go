package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWalk_BestEffort(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.YAML"), []byte("bad"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte("ignored"), 0o644))

	var seen []string
	st := Walk(dir, YAMLExts, func(p string, b []byte) error {
		seen = append(seen, filepath.Base(p))
		if string(b) == "bad" {
			return errors.New("malformed")
		}
		return nil
	}, zaptest.NewLogger(t).Sugar())

	assert.Equal(t, Stats{Loaded: 1, Skipped: 1}, st)
	assert.ElementsMatch(t, []string{"a.yml", "b.YAML"}, seen)
}

func TestWalk_MissingRoot(t *testing.T) {
	st := Walk(filepath.Join(t.TempDir(), "nope"), YAMLExts, func(string, []byte) error {
		t.Fatal("callback must not run")
		return nil
	}, nil)
	assert.Equal(t, Stats{}, st)
}

func TestHasExt(t *testing.T) {
	assert.True(t, HasExt("x/RULE.YML", YAMLExts...))
	assert.False(t, HasExt("x/rule.json", YAMLExts...))
	assert.True(t, HasExt("list.txt", ".txt"))
}
