package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/kwontaeheon/snapdock/pkg"
	"go.uber.org/zap"
)

// RestoreSnapshot loads the snapshot's archive back into the Engine.
func (s *SnapServer) RestoreSnapshot(ctx context.Context, snapshot pkg.Snapshot) error {
	if snapshot.ArchivePath == "" {
		return fmt.Errorf("snapshot %s has no archive, it was taken with no_archive", snapshot.ID[:8])
	}

	reader, err := s.store.Open(snapshot.ArchivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := s.containerManager.LoadImage(ctx, reader); err != nil {
		return err
	}

	s.Logger.Info("Restored snapshot",
		zap.String("id", snapshot.ID),
		zap.String("image", snapshot.ImageRef))

	return nil
}

func (s *SnapServer) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshot, err := s.catalog.Resolve(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	eventChannel := make(chan pkg.SnapshotEvent, 10)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		for event := range eventChannel {
			eventJSON, err := json.Marshal(event)
			if err != nil {
				fmt.Fprintf(w, "data: %s\n\n", err.Error())
				flusher.Flush()
				return
			}

			fmt.Fprintf(w, "data: %s\n\n", eventJSON)
			flusher.Flush()
		}
	}()

	eventChannel <- pkg.SnapshotEvent{
		Stage:   "loading",
		Message: fmt.Sprintf("Loading %s into the Docker daemon", snapshot.ImageRef),
	}

	if err := s.RestoreSnapshot(r.Context(), snapshot); err != nil {
		s.Logger.Error("Restore failed", zap.String("id", snapshot.ID), zap.Error(err))
		eventChannel <- pkg.SnapshotEvent{
			Stage:   "error",
			Message: fmt.Sprintf("Restore failed: %s", err),
			Error:   err.Error(),
		}
		close(eventChannel)
		wg.Wait()
		return
	}

	snapshotJSON, _ := json.Marshal(snapshot)
	eventChannel <- pkg.SnapshotEvent{
		Stage:   "complete",
		Message: string(snapshotJSON),
	}

	close(eventChannel)
	wg.Wait()
}

// RunSnapshot creates and starts a container from the snapshot image,
// restoring the image first when the Engine no longer has it.
func (s *SnapServer) RunSnapshot(ctx context.Context, snapshot pkg.Snapshot, req pkg.RunRequest) (pkg.RunResponse, error) {
	if !s.containerManager.ImageExists(ctx, snapshot.ImageRef) {
		if err := s.RestoreSnapshot(ctx, snapshot); err != nil {
			return pkg.RunResponse{}, err
		}
	}

	exposedPorts, portBindings, err := nat.ParsePortSpecs(req.Ports)
	if err != nil {
		return pkg.RunResponse{}, fmt.Errorf("Failed to parse port bindings: %v", err)
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-restore-%s", snapshot.ContainerName, time.Now().Format("20060102-150405"))
	}

	resp, err := s.containerManager.dockerClient.ContainerCreate(ctx, &container.Config{
		Image:        snapshot.ImageRef,
		Env:          req.Env,
		ExposedPorts: exposedPorts,
	},
		&container.HostConfig{
			PortBindings: portBindings,
		},
		nil,
		nil,
		name,
	)
	if err != nil {
		return pkg.RunResponse{}, fmt.Errorf("Failed to create container: %v", err)
	}

	if err := s.containerManager.dockerClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return pkg.RunResponse{}, fmt.Errorf("Failed to start container: %v", err)
	}

	s.Logger.Info("Started container from snapshot",
		zap.String("id", snapshot.ID),
		zap.String("container", name))

	return pkg.RunResponse{
		ContainerID: resp.ID,
		Name:        name,
	}, nil
}

func (s *SnapServer) RunHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.catalog.Resolve(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	// an empty body means default options
	var req pkg.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid run request", http.StatusBadRequest)
		return
	}

	resp, err := s.RunSnapshot(r.Context(), snapshot, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
