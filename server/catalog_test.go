package server

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kwontaeheon/snapdock/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schemaBytes, err := schema.ReadFile("schema.sql")
	require.NoError(t, err)

	_, err = db.Exec(string(schemaBytes))
	require.NoError(t, err)

	return db
}

func testSnapshot(id, name string, createdAt time.Time) pkg.Snapshot {
	return pkg.Snapshot{
		ID:            id,
		ContainerID:   "cid-" + id,
		ContainerName: name,
		ImageRef:      name + ":snapshot-" + createdAt.Format("20060102-150405"),
		ImageID:       "sha256:" + id,
		CreatedAt:     createdAt.UTC().Format(time.RFC3339),
	}
}

func TestCatalogAddAndResolve(t *testing.T) {
	catalog := NewCatalog(newTestDB(t), zap.NewNop())

	snapshot := testSnapshot("aaaa1111-0000-0000-0000-000000000000", "superset_app", time.Now())
	require.NoError(t, catalog.Add(snapshot))

	byID, err := catalog.Resolve(snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot.ImageRef, byID.ImageRef)

	byPrefix, err := catalog.Resolve("aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, byPrefix.ID)

	byRef, err := catalog.Resolve(snapshot.ImageRef)
	require.NoError(t, err)
	assert.Equal(t, snapshot.ID, byRef.ID)

	_, err = catalog.Resolve("nope")
	assert.Error(t, err)
}

func TestCatalogAddConcurrent(t *testing.T) {
	catalog := NewCatalog(newTestDB(t), zap.NewNop())

	// the CLI snapshots several containers at once, so Add has to be safe
	// to call from concurrent handlers
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		snapshot := testSnapshot(fmt.Sprintf("%08d-0000-0000-0000-000000000000", i), fmt.Sprintf("app-%d", i), time.Now())
		g.Go(func() error {
			return catalog.Add(snapshot)
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, catalog.All(), 8)
}

func TestCatalogResolveAmbiguous(t *testing.T) {
	catalog := NewCatalog(newTestDB(t), zap.NewNop())

	now := time.Now()
	require.NoError(t, catalog.Add(testSnapshot("abc11111-0000-0000-0000-000000000000", "app", now)))
	require.NoError(t, catalog.Add(testSnapshot("abc22222-0000-0000-0000-000000000000", "db", now)))

	_, err := catalog.Resolve("abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestCatalogAllNewestFirst(t *testing.T) {
	catalog := NewCatalog(newTestDB(t), zap.NewNop())

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, catalog.Add(testSnapshot("11111111-0000-0000-0000-000000000000", "app", base)))
	require.NoError(t, catalog.Add(testSnapshot("22222222-0000-0000-0000-000000000000", "app", base.Add(time.Hour))))
	require.NoError(t, catalog.Add(testSnapshot("33333333-0000-0000-0000-000000000000", "db", base.Add(30*time.Minute))))

	all := catalog.All()
	require.Len(t, all, 3)
	assert.Equal(t, "22222222-0000-0000-0000-000000000000", all[0].ID)
	assert.Equal(t, "33333333-0000-0000-0000-000000000000", all[1].ID)
	assert.Equal(t, "11111111-0000-0000-0000-000000000000", all[2].ID)
}

func TestCatalogDelete(t *testing.T) {
	db := newTestDB(t)
	catalog := NewCatalog(db, zap.NewNop())

	snapshot := testSnapshot("deadbeef-0000-0000-0000-000000000000", "app", time.Now())
	require.NoError(t, catalog.Add(snapshot))
	require.NoError(t, catalog.Delete(snapshot.ID))

	_, err := catalog.Resolve(snapshot.ID)
	assert.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&count))
	assert.Zero(t, count)
}

func TestCatalogImageReferenced(t *testing.T) {
	catalog := NewCatalog(newTestDB(t), zap.NewNop())

	a := testSnapshot("11111111-0000-0000-0000-000000000000", "app", time.Now())
	b := testSnapshot("22222222-0000-0000-0000-000000000000", "app", time.Now().Add(time.Second))
	b.ImageID = a.ImageID

	require.NoError(t, catalog.Add(a))
	require.NoError(t, catalog.Add(b))

	assert.True(t, catalog.ImageReferenced(a.ImageID, a.ID))

	require.NoError(t, catalog.Delete(b.ID))
	assert.False(t, catalog.ImageReferenced(a.ImageID, a.ID))
}

func TestCatalogPrunePlan(t *testing.T) {
	catalog := NewCatalog(newTestDB(t), zap.NewNop())

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		id := string(rune('1'+i)) + "0000000-0000-0000-0000-000000000000"
		require.NoError(t, catalog.Add(testSnapshot(id, "app", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, catalog.Add(testSnapshot("90000000-0000-0000-0000-000000000000", "db", base)))

	victims := catalog.PrunePlan(2)
	require.Len(t, victims, 2)
	for _, victim := range victims {
		assert.Equal(t, "app", victim.ContainerName)
	}

	// the two oldest app snapshots go
	ids := []string{victims[0].ID, victims[1].ID}
	assert.Contains(t, ids, "10000000-0000-0000-0000-000000000000")
	assert.Contains(t, ids, "20000000-0000-0000-0000-000000000000")

	assert.Empty(t, catalog.PrunePlan(10))
	assert.Len(t, catalog.PrunePlan(0), 5)
}

func TestCatalogInitDropsMissingArchives(t *testing.T) {
	db := newTestDB(t)
	catalog := NewCatalog(db, zap.NewNop())

	store, err := NewArchiveStore(t.TempDir(), pkg.Compression{})
	require.NoError(t, err)

	kept := testSnapshot("11111111-0000-0000-0000-000000000000", "app", time.Now())
	kept.ArchivePath = filepath.Join(store.Dir(), "app.tar")
	require.NoError(t, os.WriteFile(kept.ArchivePath, []byte("tar"), 0644))

	gone := testSnapshot("22222222-0000-0000-0000-000000000000", "db", time.Now())
	gone.ArchivePath = filepath.Join(store.Dir(), "db.tar")

	require.NoError(t, catalog.Add(kept))
	require.NoError(t, catalog.Add(gone))

	reloaded := NewCatalog(db, zap.NewNop())
	require.NoError(t, reloaded.Init(store))

	_, err = reloaded.Resolve(kept.ID)
	assert.NoError(t, err)

	_, err = reloaded.Resolve(gone.ID)
	assert.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&count))
	assert.Equal(t, 1, count)
}
