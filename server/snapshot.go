package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/google/uuid"
	"github.com/kwontaeheon/snapdock/pkg"
	"go.uber.org/zap"
)

type SnapshotLock struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewSnapshotLock() *SnapshotLock {
	return &SnapshotLock{
		inflight: make(map[string]context.CancelFunc),
	}
}

// StartSnapshot reserves the container for a single in-flight snapshot.
func (sl *SnapshotLock) StartSnapshot(containerName string, ctx context.Context) (context.Context, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if _, exists := sl.inflight[containerName]; exists {
		return nil, fmt.Errorf("container %s is already being snapshotted", containerName)
	}

	ctx, cancel := context.WithCancel(ctx)
	sl.inflight[containerName] = cancel

	return ctx, nil
}

func (sl *SnapshotLock) CompleteSnapshot(containerName string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if cancel, exists := sl.inflight[containerName]; exists {
		cancel()
		delete(sl.inflight, containerName)
	}
}

var snapshotLock = NewSnapshotLock()

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return c.ID[:12]
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// snapshotRef builds the committed tag. Image repositories must be
// lowercase, container names don't have to be.
func snapshotRef(name string, t time.Time) string {
	return fmt.Sprintf("%s:snapshot-%s", strings.ToLower(name), t.Format("20060102-150405"))
}

// TakeSnapshot commits the container, exports the image into the archive
// store and records the catalog row. The row is only written once the
// archive is durably on disk.
func (s *SnapServer) TakeSnapshot(ctx context.Context, c types.Container, req pkg.SnapRequest, events chan<- pkg.SnapshotEvent) (pkg.Snapshot, error) {
	name := containerName(c)
	now := time.Now()
	imageRef := snapshotRef(name, now)

	events <- pkg.SnapshotEvent{
		Stage:   "committing",
		Message: fmt.Sprintf("Committing %s to %s", name, imageRef),
	}

	imageID, err := s.containerManager.CommitContainer(ctx, c.ID, imageRef, req.Comment, req.Pause)
	if err != nil {
		return pkg.Snapshot{}, err
	}

	s.Logger.Info("Committed container",
		zap.String("container", name),
		zap.String("image", imageRef),
		zap.String("image_id", imageID))

	snapshot := pkg.Snapshot{
		ID:            uuid.NewString(),
		ContainerID:   c.ID,
		ContainerName: name,
		ImageRef:      imageRef,
		ImageID:       imageID,
		Comment:       req.Comment,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}

	if !req.NoArchive {
		archivePath := s.store.ArchiveName(strings.ToLower(name), snapshot.ID, now)

		events <- pkg.SnapshotEvent{
			Stage:   "saving",
			Message: fmt.Sprintf("Saving %s to %s", imageRef, archivePath),
		}

		writer, err := s.store.Create(archivePath)
		if err != nil {
			return pkg.Snapshot{}, fmt.Errorf("Failed to create archive: %v", err)
		}

		if _, err := s.containerManager.SaveImage(ctx, imageRef, writer); err != nil {
			writer.Abort()
			return pkg.Snapshot{}, err
		}

		size, err := writer.Commit()
		if err != nil {
			return pkg.Snapshot{}, fmt.Errorf("Failed to finalize archive: %v", err)
		}

		snapshot.ArchivePath = archivePath
		snapshot.SizeBytes = size
	}

	if err := s.catalog.Add(snapshot); err != nil {
		if snapshot.ArchivePath != "" {
			s.store.Remove(snapshot.ArchivePath)
		}
		return pkg.Snapshot{}, err
	}

	s.Logger.Info("Snapshot complete",
		zap.String("id", snapshot.ID),
		zap.String("container", name),
		zap.Int64("size", snapshot.SizeBytes))

	return snapshot, nil
}

func (s *SnapServer) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("container")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// an empty body means default options
	var req pkg.SnapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid snapshot request", http.StatusBadRequest)
		return
	}

	c, err := s.containerManager.ResolveContainer(r.Context(), ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	name := containerName(c)

	ctx, err := snapshotLock.StartSnapshot(name, r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer snapshotLock.CompleteSnapshot(name)

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

		for {
			select {
			case event, ok := <-eventChannel:
				if !ok {
					return
				}

				eventJSON, err := json.Marshal(event)
				if err != nil {
					fmt.Fprintf(w, "data: %s\n\n", err.Error())
					flusher.Flush()
					return
				}

				fmt.Fprintf(w, "data: %s\n\n", eventJSON)
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}()

	eventChannel <- pkg.SnapshotEvent{
		Stage:   "start",
		Message: fmt.Sprintf("Snapshotting %s", name),
	}

	snapshot, err := s.TakeSnapshot(ctx, c, req, eventChannel)
	if err != nil {
		s.Logger.Error("Snapshot failed", zap.String("container", name), zap.Error(err))
		eventChannel <- pkg.SnapshotEvent{
			Stage:   "error",
			Message: fmt.Sprintf("Snapshot failed: %s", err),
			Error:   err.Error(),
		}
		close(eventChannel)
		wg.Wait()
		return
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		eventChannel <- pkg.SnapshotEvent{
			Stage:   "error",
			Message: fmt.Sprintf("Failed to marshal snapshot: %s", err),
			Error:   err.Error(),
		}
		close(eventChannel)
		wg.Wait()
		return
	}

	eventChannel <- pkg.SnapshotEvent{
		Stage:   "complete",
		Message: string(snapshotJSON),
	}

	close(eventChannel)

	// make sure all the events are flushed
	wg.Wait()
}

func (s *SnapServer) ListContainersHandler(w http.ResponseWriter, r *http.Request) {
	containers, err := s.containerManager.ListContainers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]pkg.Container, 0, len(containers))
	for _, c := range containers {
		out = append(out, pkg.Container{
			ID:      c.ID,
			Name:    containerName(c),
			Image:   c.Image,
			State:   c.State,
			Status:  c.Status,
			Created: c.Created,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *SnapServer) ListSnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.catalog.All())
}

func (s *SnapServer) deleteSnapshot(ctx context.Context, snapshot pkg.Snapshot) error {
	if snapshot.ArchivePath != "" {
		if err := s.store.Remove(snapshot.ArchivePath); err != nil {
			return err
		}
	}

	if err := s.catalog.Delete(snapshot.ID); err != nil {
		return err
	}

	// only untag the image when no other snapshot shares it
	if !s.catalog.ImageReferenced(snapshot.ImageID, snapshot.ID) && s.containerManager.ImageExists(ctx, snapshot.ImageRef) {
		if err := s.containerManager.RemoveImage(ctx, snapshot.ImageRef); err != nil {
			s.Logger.Warn("Failed to remove snapshot image",
				zap.String("image", snapshot.ImageRef),
				zap.Error(err))
		}
	}

	s.Logger.Info("Deleted snapshot", zap.String("id", snapshot.ID), zap.String("container", snapshot.ContainerName))

	return nil
}

func (s *SnapServer) DeleteSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.catalog.Resolve(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := s.deleteSnapshot(r.Context(), snapshot); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *SnapServer) DeleteAllSnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	for _, snapshot := range s.catalog.All() {
		if err := s.deleteSnapshot(r.Context(), snapshot); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *SnapServer) PruneHandler(w http.ResponseWriter, r *http.Request) {
	req := pkg.PruneRequest{Keep: s.config.RetainPerContainer}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "Invalid prune request", http.StatusBadRequest)
		return
	}

	var deleted []pkg.Snapshot
	for _, snapshot := range s.catalog.PrunePlan(req.Keep) {
		if err := s.deleteSnapshot(r.Context(), snapshot); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		deleted = append(deleted, snapshot)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pkg.PruneResponse{Deleted: deleted})
}

func (s *SnapServer) DaemonInfoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pkg.Info{
		Version:     Version,
		Compression: s.config.Compression,
	})
}
