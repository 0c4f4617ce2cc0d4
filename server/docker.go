package server

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the slice of the Engine API the daemon actually calls,
// so tests can swap in a fake client.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (types.IDResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ImageSave(ctx context.Context, imageIDs []string) (io.ReadCloser, error)
	ImageLoad(ctx context.Context, input io.Reader, quiet bool) (image.LoadResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

type ContainerManager struct {
	dockerClient dockerAPI
	logger       *zap.Logger
}

func NewContainerManager(logger *zap.Logger) (*ContainerManager, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("Failed to create Docker client: %v", err)
	}

	return &ContainerManager{
		dockerClient: dockerClient,
		logger:       logger,
	}, nil
}

func (cm *ContainerManager) ListContainers(ctx context.Context) ([]types.Container, error) {
	return cm.dockerClient.ContainerList(ctx, container.ListOptions{All: true})
}

// ResolveContainer accepts a name, a full ID, or an ID prefix. An ambiguous
// prefix is an error that names the candidates.
func (cm *ContainerManager) ResolveContainer(ctx context.Context, ref string) (types.Container, error) {
	containers, err := cm.ListContainers(ctx)
	if err != nil {
		return types.Container{}, fmt.Errorf("Failed to list containers: %v", err)
	}

	var matches []types.Container
	for _, c := range containers {
		if c.ID == ref {
			return c, nil
		}

		for _, name := range c.Names {
			if strings.TrimPrefix(name, "/") == ref {
				return c, nil
			}
		}

		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		return types.Container{}, fmt.Errorf("no container matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		var ids []string
		for _, c := range matches {
			ids = append(ids, c.ID[:12])
		}
		return types.Container{}, fmt.Errorf("%q is ambiguous, matches containers %s", ref, strings.Join(ids, ", "))
	}
}

// CommitContainer commits the container to imageRef and returns the new
// image ID. With pause set the container stays paused for the whole commit
// instead of only while the Engine reads its filesystem.
func (cm *ContainerManager) CommitContainer(ctx context.Context, containerID, imageRef, comment string, pause bool) (string, error) {
	if pause {
		inspect, err := cm.dockerClient.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("Failed to inspect container: %v", err)
		}

		// a container that was paused before the snapshot stays paused after
		alreadyPaused := inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Paused
		if !alreadyPaused {
			if err := cm.dockerClient.ContainerPause(ctx, containerID); err != nil {
				return "", fmt.Errorf("Failed to pause container: %v", err)
			}
			defer func() {
				if err := cm.dockerClient.ContainerUnpause(ctx, containerID); err != nil {
					cm.logger.Warn("Failed to unpause container", zap.String("container", containerID), zap.Error(err))
				}
			}()
		}
	}

	resp, err := cm.dockerClient.ContainerCommit(ctx, containerID, container.CommitOptions{
		Reference: imageRef,
		Comment:   comment,
		Pause:     !pause,
	})
	if err != nil {
		return "", fmt.Errorf("Failed to commit container: %v", err)
	}

	return resp.ID, nil
}

// SaveImage streams the image tarball from the Engine into w and returns
// the number of bytes written.
func (cm *ContainerManager) SaveImage(ctx context.Context, imageRef string, w io.Writer) (int64, error) {
	rc, err := cm.dockerClient.ImageSave(ctx, []string{imageRef})
	if err != nil {
		return 0, fmt.Errorf("Failed to save image: %v", err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("Failed to stream image: %v", err)
	}

	return n, nil
}

func (cm *ContainerManager) LoadImage(ctx context.Context, r io.Reader) error {
	resp, err := cm.dockerClient.ImageLoad(ctx, r, true)
	if err != nil {
		return fmt.Errorf("Failed to load image: %v", err)
	}
	defer resp.Body.Close()

	// the Engine reports load failures in the body, so drain it
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("Failed to read load response: %v", err)
	}

	return nil
}

func (cm *ContainerManager) RemoveImage(ctx context.Context, imageRef string) error {
	if _, err := cm.dockerClient.ImageRemove(ctx, imageRef, image.RemoveOptions{}); err != nil {
		return fmt.Errorf("Failed to remove image: %v", err)
	}

	return nil
}

func (cm *ContainerManager) ImageExists(ctx context.Context, imageRef string) bool {
	_, _, err := cm.dockerClient.ImageInspectWithRaw(ctx, imageRef)
	return err == nil
}
