package server

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kwontaeheon/snapdock/pkg"
	"go.uber.org/zap"
)

// Catalog is the in-memory view of the snapshots table. All writes go
// through the database first, the map mirrors it.
type Catalog struct {
	snapshots sync.Map
	db        *sql.DB
	logger    *zap.Logger

	stmtMu     sync.Mutex
	insertStmt *sql.Stmt
}

func NewCatalog(db *sql.DB, logger *zap.Logger) *Catalog {
	return &Catalog{
		db:     db,
		logger: logger,
	}
}

// Init loads all rows and drops the ones whose archive file has gone
// missing, since a snapshot without its tarball can never be restored.
func (c *Catalog) Init(store *ArchiveStore) error {
	rows, err := c.db.Query("SELECT id, container_id, container_name, image_ref, image_id, comment, archive_path, size_bytes, created_at FROM snapshots")
	if err != nil {
		return fmt.Errorf("Failed to query snapshots: %v", err)
	}
	defer rows.Close()

	var snapshots []pkg.Snapshot
	for rows.Next() {
		var snapshot pkg.Snapshot
		if err := rows.Scan(&snapshot.ID, &snapshot.ContainerID, &snapshot.ContainerName, &snapshot.ImageRef, &snapshot.ImageID, &snapshot.Comment, &snapshot.ArchivePath, &snapshot.SizeBytes, &snapshot.CreatedAt); err != nil {
			return fmt.Errorf("Failed to scan snapshot: %v", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("Failed to read snapshots: %v", err)
	}

	for _, snapshot := range snapshots {
		if snapshot.ArchivePath != "" && !store.Exists(snapshot.ArchivePath) {
			c.logger.Warn("Dropping snapshot with missing archive",
				zap.String("id", snapshot.ID),
				zap.String("archive", snapshot.ArchivePath))

			if _, err := c.db.Exec("DELETE FROM snapshots WHERE id = ?", snapshot.ID); err != nil {
				return fmt.Errorf("Failed to delete stale snapshot: %v", err)
			}
			continue
		}

		c.snapshots.Store(snapshot.ID, snapshot)
	}

	return nil
}

// insert hands out the shared prepared statement. Concurrent snapshots of
// different containers call Add at the same time, so the lazy prepare has
// to be guarded.
func (c *Catalog) insert() (*sql.Stmt, error) {
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()

	if c.insertStmt == nil {
		stmt, err := c.db.Prepare("INSERT INTO snapshots (id, container_id, container_name, image_ref, image_id, comment, archive_path, size_bytes, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)")
		if err != nil {
			return nil, err
		}
		c.insertStmt = stmt
	}

	return c.insertStmt, nil
}

func (c *Catalog) Add(snapshot pkg.Snapshot) error {
	stmt, err := c.insert()
	if err != nil {
		return fmt.Errorf("Failed to prepare statement: %v", err)
	}

	if _, err := stmt.Exec(snapshot.ID, snapshot.ContainerID, snapshot.ContainerName, snapshot.ImageRef, snapshot.ImageID, snapshot.Comment, snapshot.ArchivePath, snapshot.SizeBytes, snapshot.CreatedAt); err != nil {
		return fmt.Errorf("Failed to insert snapshot: %v", err)
	}

	c.snapshots.Store(snapshot.ID, snapshot)

	return nil
}

// Resolve accepts a snapshot ID, an ID prefix, or an image ref.
func (c *Catalog) Resolve(ref string) (pkg.Snapshot, error) {
	if snapshot, ok := c.snapshots.Load(ref); ok {
		return snapshot.(pkg.Snapshot), nil
	}

	var matches []pkg.Snapshot
	c.snapshots.Range(func(key, value interface{}) bool {
		snapshot := value.(pkg.Snapshot)
		if snapshot.ImageRef == ref || strings.HasPrefix(snapshot.ID, ref) {
			matches = append(matches, snapshot)
		}
		return true
	})

	switch len(matches) {
	case 0:
		return pkg.Snapshot{}, fmt.Errorf("no snapshot matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		var ids []string
		for _, snapshot := range matches {
			ids = append(ids, snapshot.ID[:8])
		}
		sort.Strings(ids)
		return pkg.Snapshot{}, fmt.Errorf("%q is ambiguous, matches snapshots %s", ref, strings.Join(ids, ", "))
	}
}

// All returns the catalog newest-first.
func (c *Catalog) All() []pkg.Snapshot {
	var snapshots []pkg.Snapshot
	c.snapshots.Range(func(key, value interface{}) bool {
		snapshots = append(snapshots, value.(pkg.Snapshot))
		return true
	})

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt != snapshots[j].CreatedAt {
			return snapshots[i].CreatedAt > snapshots[j].CreatedAt
		}
		return snapshots[i].ID < snapshots[j].ID
	})

	return snapshots
}

func (c *Catalog) Delete(id string) error {
	if _, err := c.db.Exec("DELETE FROM snapshots WHERE id = ?", id); err != nil {
		return fmt.Errorf("Failed to delete snapshot: %v", err)
	}

	c.snapshots.Delete(id)

	return nil
}

// ImageReferenced reports whether any snapshot other than excludeID still
// points at imageID.
func (c *Catalog) ImageReferenced(imageID, excludeID string) bool {
	referenced := false
	c.snapshots.Range(func(key, value interface{}) bool {
		snapshot := value.(pkg.Snapshot)
		if snapshot.ID != excludeID && snapshot.ImageID == imageID {
			referenced = true
			return false
		}
		return true
	})
	return referenced
}

// PrunePlan returns the snapshots that fall outside the newest keep per
// container.
func (c *Catalog) PrunePlan(keep int) []pkg.Snapshot {
	if keep < 0 {
		keep = 0
	}

	byContainer := make(map[string][]pkg.Snapshot)
	for _, snapshot := range c.All() {
		byContainer[snapshot.ContainerName] = append(byContainer[snapshot.ContainerName], snapshot)
	}

	var victims []pkg.Snapshot
	for _, snapshots := range byContainer {
		if len(snapshots) > keep {
			victims = append(victims, snapshots[keep:]...)
		}
	}

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].CreatedAt > victims[j].CreatedAt
	})

	return victims
}
