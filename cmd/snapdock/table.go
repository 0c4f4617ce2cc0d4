package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/agnivade/levenshtein"
	units "github.com/docker/go-units"
	"github.com/kwontaeheon/snapdock/pkg"
)

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func renderContainers(w io.Writer, containers []pkg.Container) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "CONTAINER ID\tNAME\tIMAGE\tSTATE\tSTATUS\n")
	for _, c := range containers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(c.ID), c.Name, c.Image, c.State, c.Status)
	}
}

func renderSnapshots(w io.Writer, snapshots []pkg.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "SNAPSHOT ID\tIMAGE\tCONTAINER\tSIZE\tCREATED\n")
	for _, s := range snapshots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(s.ID), s.ImageRef, s.ContainerName, formatSize(s.SizeBytes), formatCreated(s.CreatedAt))
	}
}

func formatSize(bytes int64) string {
	if bytes == 0 {
		return "-"
	}
	return units.HumanSize(float64(bytes))
}

func formatCreated(createdAt string) string {
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return createdAt
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}

func renderDaemonInfo(w io.Writer, info pkg.Info) {
	fmt.Fprintf(w, "snapdockd version %s\n", info.Version)
	if info.Compression.Enabled {
		fmt.Fprintf(w, "compression: gzip level %d\n", info.Compression.Level)
	} else {
		fmt.Fprintf(w, "compression: disabled\n")
	}
}

var commands = []string{"ps", "snap", "list", "restore", "run", "delete", "prune", "version"}

// suggestCommand returns the closest known command, or "" when nothing is
// within editing distance 3.
func suggestCommand(input string) string {
	best := ""
	bestDistance := 4
	for _, command := range commands {
		distance := levenshtein.ComputeDistance(input, command)
		if distance < bestDistance {
			best = command
			bestDistance = distance
		}
	}
	return best
}
