package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAllOnMissingDirectoryReturnsEmpty(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist"))
	entries, err := r.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveThenLoadAllRoundTrip(t *testing.T) {
	r := New(t.TempDir())
	e := Entry{ID: "pem-id", Host: "127.0.0.1", Port: 8080}

	require.NoError(t, r.Save(e))

	entries, err := r.LoadAll()
	require.NoError(t, err)
	require.Contains(t, entries, e.ID)
	assert.Equal(t, e, entries[e.ID])
}

func TestSaveTwiceOverwritesSameFile(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	e := Entry{ID: "pem-id", Host: "127.0.0.1", Port: 8080}

	require.NoError(t, r.Save(e))
	require.NoError(t, r.Save(e))

	entries, err := r.LoadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadAllIgnoresReadme(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	require.NoError(t, r.Save(Entry{ID: "pem-id", Host: "h", Port: 1}))

	readmePath := filepath.Join(dir, readmeFile)
	require.NoError(t, os.WriteFile(readmePath, []byte("not json"), 0o644))

	entries, err := r.LoadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	e := Entry{ID: "pem-id", Host: "h", Port: 1}

	require.NoError(t, r.Delete(e))
	require.NoError(t, r.Save(e))
	require.NoError(t, r.Delete(e))
	require.NoError(t, r.Delete(e))

	entries, err := r.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
