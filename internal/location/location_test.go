package location

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/localsave/internal/faults"
)

func TestOpenRequiresExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, faults.ErrPermanentIO)

	file := filepath.Join(dir, "file.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o600))
	_, err = Open(file)
	require.ErrorIs(t, err, faults.ErrPermanentIO)

	_, err = Open("")
	require.ErrorIs(t, err, faults.ErrInvalidInput)

	loc, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, loc.Root())
}

func TestWriteReadRoundTrip(t *testing.T) {
	loc, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("{\"cases\":[1,2,3]}\n\x00binary")
	backup, err := loc.WriteFile(context.Background(), "data.json", payload, false)
	require.NoError(t, err)
	assert.Nil(t, backup)

	got, err := loc.ReadFile("data.json")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	leftovers, err := filepath.Glob(filepath.Join(loc.Root(), ".data.json.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestReadMissingFileIsNotFound(t *testing.T) {
	loc, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = loc.ReadFile("absent.json")
	require.ErrorIs(t, err, faults.ErrNotFound)
	require.ErrorIs(t, err, faults.ErrPermanentIO)
}

func TestValidateNameRejectsTraversal(t *testing.T) {
	for _, name := range []string{"", " ", ".", "..", "../x.json", "a/b.json", `a\b.json`, "bad\x00.json"} {
		assert.ErrorIs(t, ValidateName(name), faults.ErrInvalidInput, "name %q", name)
	}
	for _, name := range []string{"data.json", "..hidden.json", "notes v2.json"} {
		assert.NoError(t, ValidateName(name), "name %q", name)
	}
}

func TestWriteCancelledContext(t *testing.T) {
	loc, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loc.WriteFile(ctx, "data.json", []byte("x"), false)
	require.ErrorIs(t, err, faults.ErrCancelled)
	_, statErr := os.Stat(filepath.Join(loc.Root(), "data.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestListSkipsNonDataFiles(t *testing.T) {
	loc, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = loc.WriteFile(ctx, "b.json", []byte("bb"), false)
	require.NoError(t, err)
	_, err = loc.WriteFile(ctx, "a.json", []byte("a"), false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(loc.Root(), "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(loc.Root(), ".hidden.json"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(loc.Root(), "dir.json"), 0o755))

	files, err := loc.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.json", files[0].Name)
	assert.Equal(t, int64(1), files[0].Size)
	assert.Equal(t, "b.json", files[1].Name)
	assert.Equal(t, int64(2), files[1].Size)
}

func TestListIncludesNamedFiles(t *testing.T) {
	loc, err := Open(t.TempDir())
	require.NoError(t, err)
	_, err = loc.WriteFile(context.Background(), "cases.ndjson", []byte("{}"), false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(loc.Root(), "notes.txt"), []byte("x"), 0o600))

	files, err := loc.List("cases.ndjson")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "cases.ndjson", files[0].Name)
}
