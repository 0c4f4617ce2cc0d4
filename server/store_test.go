package server

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwontaeheon/snapdock/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveStoreRoundTrip(t *testing.T) {
	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{Enabled: true, Level: 6})
	require.NoError(t, err)

	path := store.ArchiveName("superset_app", "0c2f1a9b-0000-0000-0000-000000000000", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC))
	assert.True(t, strings.HasSuffix(path, "superset_app-20240301-103000-0c2f1a9b.tar.gz"))

	writer, err := store.Create(path)
	require.NoError(t, err)

	payload := strings.Repeat("layer data ", 1024)
	_, err = io.WriteString(writer, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), writer.Written())

	size, err := writer.Commit()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	assert.True(t, store.Exists(path))

	reader, err := store.Open(path)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestArchiveStoreUncompressed(t *testing.T) {
	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{})
	require.NoError(t, err)

	path := store.ArchiveName("db", "91fe03aa-0000-0000-0000-000000000000", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, strings.HasSuffix(path, "db-20240301-000000-91fe03aa.tar"))

	writer, err := store.Create(path)
	require.NoError(t, err)

	_, err = io.WriteString(writer, "raw tar bytes")
	require.NoError(t, err)

	size, err := writer.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(len("raw tar bytes")), size)

	reader, err := store.Open(path)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "raw tar bytes", string(data))
}

func TestArchiveWriterAbortLeavesNothing(t *testing.T) {
	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{Enabled: true, Level: 1})
	require.NoError(t, err)

	path := store.ArchiveName("cache", "77b0d4e1-0000-0000-0000-000000000000", time.Now())
	writer, err := store.Create(path)
	require.NoError(t, err)

	_, err = io.WriteString(writer, "partial data")
	require.NoError(t, err)

	writer.Abort()

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveStoreCommitIsAtomic(t *testing.T) {
	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{})
	require.NoError(t, err)

	path := filepath.Join(store.Dir(), "app.tar")
	writer, err := store.Create(path)
	require.NoError(t, err)

	// until Commit only the staged file exists
	assert.False(t, store.Exists(path))
	assert.True(t, store.Exists(path+".partial"))

	_, err = writer.Commit()
	require.NoError(t, err)

	assert.True(t, store.Exists(path))
	assert.False(t, store.Exists(path+".partial"))
}

func TestArchiveNameUniqueWithinSameSecond(t *testing.T) {
	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{})
	require.NoError(t, err)

	// same container, same wall-clock second, different snapshots
	now := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	first := store.ArchiveName("app", "11111111-0000-0000-0000-000000000000", now)
	second := store.ArchiveName("app", "22222222-0000-0000-0000-000000000000", now)

	assert.NotEqual(t, first, second)
}

func TestArchiveStoreOpenMissing(t *testing.T) {
	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{})
	require.NoError(t, err)

	_, err = store.Open(filepath.Join(store.Dir(), "gone.tar"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
