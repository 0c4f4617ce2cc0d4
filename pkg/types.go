package pkg

// Container is the daemon's view of a container, trimmed down to what the
// CLI renders.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Created int64  `json:"created"`
}

type Snapshot struct {
	ID            string `json:"id"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	ImageRef      string `json:"image_ref"`
	ImageID       string `json:"image_id"`
	Comment       string `json:"comment,omitempty"`
	ArchivePath   string `json:"archive_path"`
	SizeBytes     int64  `json:"size_bytes"`
	CreatedAt     string `json:"created_at"`
}

type SnapshotEvent struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type Compression struct {
	Enabled bool `json:"enabled"`
	Level   int  `json:"level,omitempty"`
}

type Info struct {
	Version     string      `json:"version"`
	Compression Compression `json:"compression"`
}

type SnapRequest struct {
	Comment string `json:"comment,omitempty"`
	Pause   bool   `json:"pause,omitempty"`
	// NoArchive commits the image but skips the tarball export.
	NoArchive bool `json:"no_archive,omitempty"`
}

type RunRequest struct {
	Name  string   `json:"name,omitempty"`
	Ports []string `json:"ports,omitempty"`
	Env   []string `json:"env,omitempty"`
}

type RunResponse struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
}

type PruneRequest struct {
	Keep int `json:"keep"`
}

type PruneResponse struct {
	Deleted []Snapshot `json:"deleted"`
}
