// Package runtime adapts the Docker Engine API to the backup pipeline:
// quiescing the service container, exporting and importing named volumes
// through disposable helper containers, and probing service health.
package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"vwbackup/internal/backup"
	"vwbackup/internal/logging"
)

// dockerAPI is the slice of the Docker Engine client this package uses.
// *client.Client satisfies it; tests substitute a scripted fake.
type dockerAPI interface {
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, types.ContainerPathStat, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// NewClient connects to the Docker daemon using the standard environment
// variables and negotiates the API version with the server.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, backup.NewResourceError("failed to create docker client", err)
	}
	return cli, nil
}

// Controller stops and starts the service container by name.
type Controller struct {
	api    dockerAPI
	name   string
	logger *logging.Logger
}

// NewController returns a controller for the named service container.
func NewController(api dockerAPI, serviceContainer string, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Controller{api: api, name: serviceContainer, logger: logger}
}

// Stop asks the daemon to stop the container, waiting up to timeout before
// the daemon escalates to SIGKILL.
func (c *Controller) Stop(ctx context.Context, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if timeout > 0 && seconds == 0 {
		seconds = 1
	}
	if err := c.api.ContainerStop(ctx, c.name, container.StopOptions{Timeout: &seconds}); err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to stop container %s", c.name), err)
	}
	c.logger.WithFields(map[string]interface{}{"container": c.name}).Info("Service container stopped")
	return nil
}

// Start starts the container again.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.api.ContainerStart(ctx, c.name, container.StartOptions{}); err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to start container %s", c.name), err)
	}
	c.logger.WithFields(map[string]interface{}{"container": c.name}).Info("Service container started")
	return nil
}

// Running reports whether the container is currently running.
func (c *Controller) Running(ctx context.Context) (bool, error) {
	inspect, err := c.api.ContainerInspect(ctx, c.name)
	if err != nil {
		return false, backup.NewResourceError(fmt.Sprintf("failed to inspect container %s", c.name), err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Healthy reports the container's health status. Containers without a
// HEALTHCHECK fall back to the running state.
func (c *Controller) Healthy(ctx context.Context) (bool, error) {
	inspect, err := c.api.ContainerInspect(ctx, c.name)
	if err != nil {
		return false, backup.NewResourceError(fmt.Sprintf("failed to inspect container %s", c.name), err)
	}
	if inspect.State == nil {
		return false, fmt.Errorf("container %s has no state", c.name)
	}
	if inspect.State.Health != nil {
		status := inspect.State.Health.Status
		if status == "healthy" {
			return true, nil
		}
		return false, fmt.Errorf("container %s health is %s", c.name, status)
	}
	if inspect.State.Running {
		return true, nil
	}
	return false, fmt.Errorf("container %s is not running", c.name)
}

// helperMount is where a helper container sees the volume it carries.
const helperMount = "/volume"

// Volumes exports and imports named volumes through disposable helper
// containers. The helpers are created but never started: the engine mounts
// volumes for archive copies on created containers, so nothing executes
// inside them and the image needs no particular entrypoint.
type Volumes struct {
	api    dockerAPI
	image  string
	logger *logging.Logger
}

// NewVolumes returns a volume manager using helperImage for its disposable
// containers.
func NewVolumes(api dockerAPI, helperImage string, logger *logging.Logger) *Volumes {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Volumes{api: api, image: helperImage, logger: logger}
}

// Export streams the volume's contents as a tar archive into dst.
func (v *Volumes) Export(ctx context.Context, volume string, dst io.Writer) error {
	id, err := v.createHelper(ctx, volume, true)
	if err != nil {
		return err
	}
	defer v.removeHelper(id)

	rc, _, err := v.api.CopyFromContainer(ctx, id, helperMount)
	if err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to read volume %s", volume), err)
	}
	defer rc.Close()

	n, err := io.Copy(dst, rc)
	if err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to stream volume %s", volume), err)
	}
	v.logger.WithFields(map[string]interface{}{
		"volume": volume,
		"bytes":  n,
	}).Debug("Volume exported")
	return nil
}

// Import writes a tar archive previously produced by Export back into the
// named volume.
func (v *Volumes) Import(ctx context.Context, volume string, src io.Reader) error {
	id, err := v.createHelper(ctx, volume, false)
	if err != nil {
		return err
	}
	defer v.removeHelper(id)

	if err := v.api.CopyToContainer(ctx, id, "/", src, types.CopyToContainerOptions{}); err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to write volume %s", volume), err)
	}
	v.logger.WithFields(map[string]interface{}{"volume": volume}).Debug("Volume imported")
	return nil
}

func (v *Volumes) createHelper(ctx context.Context, volume string, readonly bool) (string, error) {
	bind := volume + ":" + helperMount
	if readonly {
		bind += ":ro"
	}
	cfg := &container.Config{
		Image: v.image,
		Labels: map[string]string{
			"io.vwbackup.helper": "true",
			"io.vwbackup.volume": volume,
		},
	}
	host := &container.HostConfig{Binds: []string{bind}}

	resp, err := v.api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if errdefs.IsNotFound(err) {
		if perr := v.pullImage(ctx); perr != nil {
			return "", perr
		}
		resp, err = v.api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	}
	if err != nil {
		return "", backup.NewResourceError(fmt.Sprintf("failed to create helper container for volume %s", volume), err)
	}
	return resp.ID, nil
}

func (v *Volumes) pullImage(ctx context.Context) error {
	rc, err := v.api.ImagePull(ctx, v.image, image.PullOptions{})
	if err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to pull helper image %s", v.image), err)
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return backup.NewResourceError(fmt.Sprintf("failed to pull helper image %s", v.image), err)
	}
	v.logger.WithFields(map[string]interface{}{"image": v.image}).Info("Helper image pulled")
	return nil
}

// removeHelper runs on its own context so cleanup still happens when the
// run context is already cancelled. Failures are logged, not returned.
func (v *Volumes) removeHelper(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := v.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		v.logger.WithFields(map[string]interface{}{
			"container": id,
			"error":     err.Error(),
		}).Warn("Failed to remove helper container")
	}
}
