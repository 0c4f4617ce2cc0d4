package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/kwontaeheon/snapdock/pkg"
	"github.com/stretchr/testify/assert"
)

func TestSuggestCommand(t *testing.T) {
	assert.Equal(t, "snap", suggestCommand("snapp"))
	assert.Equal(t, "list", suggestCommand("lits"))
	assert.Equal(t, "prune", suggestCommand("prun"))
	assert.Equal(t, "version", suggestCommand("verison"))
	assert.Equal(t, "", suggestCommand("frobnicate"))
}

func TestRenderDaemonInfo(t *testing.T) {
	var buf bytes.Buffer
	renderDaemonInfo(&buf, pkg.Info{
		Version:     "0.2.1",
		Compression: pkg.Compression{Enabled: true, Level: 6},
	})

	out := buf.String()
	assert.Contains(t, out, "snapdockd version 0.2.1")
	assert.Contains(t, out, "gzip level 6")

	buf.Reset()
	renderDaemonInfo(&buf, pkg.Info{Version: "0.2.1"})
	assert.Contains(t, buf.String(), "compression: disabled")
}

func TestRenderContainers(t *testing.T) {
	var buf bytes.Buffer
	renderContainers(&buf, []pkg.Container{
		{
			ID:     "abc123def456abc123def456",
			Name:   "superset_app",
			Image:  "apache/superset:latest",
			State:  "running",
			Status: "Up 2 hours",
		},
	})

	out := buf.String()
	assert.Contains(t, out, "CONTAINER ID")
	assert.Contains(t, out, "abc123def456")
	assert.NotContains(t, out, "abc123def456a")
	assert.Contains(t, out, "superset_app")
	assert.Contains(t, out, "Up 2 hours")
}

func TestRenderSnapshots(t *testing.T) {
	var buf bytes.Buffer
	renderSnapshots(&buf, []pkg.Snapshot{
		{
			ID:            "11112222-3333-4444-5555-666677778888",
			ContainerName: "superset_db",
			ImageRef:      "superset_db:snapshot-20240301-103000",
			SizeBytes:     150 * 1000 * 1000,
			CreatedAt:     time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339),
		},
		{
			ID:            "99990000-3333-4444-5555-666677778888",
			ContainerName: "superset_cache",
			ImageRef:      "superset_cache:snapshot-20240301-103000",
		},
	})

	out := buf.String()
	assert.Contains(t, out, "SNAPSHOT ID")
	assert.Contains(t, out, "11112222-333")
	assert.Contains(t, out, "superset_db:snapshot-20240301-103000")
	assert.Contains(t, out, "150MB")
	assert.Contains(t, out, "2 hours ago")
	// archiveless snapshots render a dash for size
	assert.Contains(t, out, " - ")
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "-", formatSize(0))
	assert.Equal(t, "1kB", formatSize(1000))
}
