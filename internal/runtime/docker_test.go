package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vwbackup/internal/backup"
)

type createCall struct {
	image string
	binds []string
}

// fakeDocker scripts the engine API slice used by this package.
type fakeDocker struct {
	stopTimeout *int
	stopErr     error
	startErr    error
	startCalls  int

	inspect    types.ContainerJSON
	inspectErr error

	createErrs []error
	created    []createCall
	removed    []string

	exportData  []byte
	copyFromErr error

	copyToData []byte
	copyToPath string
	copyToErr  error

	pullCalls int
	pullErr   error
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.stopTimeout = options.Timeout
	return f.stopErr
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.startCalls++
	return f.startErr
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return container.CreateResponse{}, err
		}
	}
	f.created = append(f.created, createCall{image: config.Image, binds: hostConfig.Binds})
	return container.CreateResponse{ID: fmt.Sprintf("helper-%d", len(f.created))}, nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDocker) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, types.ContainerPathStat, error) {
	if f.copyFromErr != nil {
		return nil, types.ContainerPathStat{}, f.copyFromErr
	}
	return io.NopCloser(bytes.NewReader(f.exportData)), types.ContainerPathStat{}, nil
}

func (f *fakeDocker) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error {
	if f.copyToErr != nil {
		return f.copyToErr
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.copyToData = data
	f.copyToPath = dstPath
	return nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	f.pullCalls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func runningState(running bool) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{Running: running},
		},
	}
}

func healthState(status string) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{
				Running: true,
				Health:  &types.Health{Status: status},
			},
		},
	}
}

func TestControllerStopConvertsTimeout(t *testing.T) {
	api := &fakeDocker{}
	c := NewController(api, "vaultwarden", nil)

	require.NoError(t, c.Stop(context.Background(), 30*time.Second))
	require.NotNil(t, api.stopTimeout)
	assert.Equal(t, 30, *api.stopTimeout)

	require.NoError(t, c.Stop(context.Background(), 500*time.Millisecond))
	require.NotNil(t, api.stopTimeout)
	assert.Equal(t, 1, *api.stopTimeout, "sub-second timeouts must not become an immediate SIGKILL")
}

func TestControllerStopError(t *testing.T) {
	api := &fakeDocker{stopErr: fmt.Errorf("daemon unreachable")}
	c := NewController(api, "vaultwarden", nil)

	err := c.Stop(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop container vaultwarden")
	assert.Equal(t, backup.ErrorTypeResource, backup.TypeOf(err))
}

func TestControllerRunning(t *testing.T) {
	api := &fakeDocker{inspect: runningState(true)}
	c := NewController(api, "vaultwarden", nil)

	running, err := c.Running(context.Background())
	require.NoError(t, err)
	assert.True(t, running)

	api.inspect = runningState(false)
	running, err = c.Running(context.Background())
	require.NoError(t, err)
	assert.False(t, running)

	api.inspectErr = fmt.Errorf("no such container")
	_, err = c.Running(context.Background())
	require.Error(t, err)
}

func TestControllerHealthy(t *testing.T) {
	cases := []struct {
		name    string
		inspect types.ContainerJSON
		healthy bool
		reason  string
	}{
		{"healthcheck passing", healthState("healthy"), true, ""},
		{"healthcheck starting", healthState("starting"), false, "starting"},
		{"healthcheck failing", healthState("unhealthy"), false, "unhealthy"},
		{"no healthcheck but running", runningState(true), true, ""},
		{"no healthcheck and stopped", runningState(false), false, "not running"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewController(&fakeDocker{inspect: tc.inspect}, "vaultwarden", nil)
			healthy, err := c.Healthy(context.Background())
			assert.Equal(t, tc.healthy, healthy)
			if tc.healthy {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.reason)
			}
		})
	}
}

func TestVolumesExport(t *testing.T) {
	data := []byte("tar stream stand-in for the volume contents")
	api := &fakeDocker{exportData: data}
	v := NewVolumes(api, "alpine:3.20", nil)

	var buf bytes.Buffer
	require.NoError(t, v.Export(context.Background(), "vw-data", &buf))
	assert.Equal(t, data, buf.Bytes())

	require.Len(t, api.created, 1)
	assert.Equal(t, "alpine:3.20", api.created[0].image)
	assert.Equal(t, []string{"vw-data:/volume:ro"}, api.created[0].binds,
		"exports must mount the volume read-only")
	assert.Len(t, api.removed, 1, "the helper container must be removed")
	assert.Zero(t, api.startCalls, "helpers are never started")
}

func TestVolumesExportPullsMissingImage(t *testing.T) {
	api := &fakeDocker{
		exportData: []byte("payload"),
		createErrs: []error{errdefs.NotFound(fmt.Errorf("no such image: alpine:3.20"))},
	}
	v := NewVolumes(api, "alpine:3.20", nil)

	var buf bytes.Buffer
	require.NoError(t, v.Export(context.Background(), "vw-data", &buf))
	assert.Equal(t, 1, api.pullCalls)
	assert.Len(t, api.created, 1, "create must be retried after the pull")
}

func TestVolumesExportCopyFailure(t *testing.T) {
	api := &fakeDocker{copyFromErr: fmt.Errorf("container filesystem gone")}
	v := NewVolumes(api, "alpine:3.20", nil)

	err := v.Export(context.Background(), "vw-data", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read volume vw-data")
	assert.Len(t, api.removed, 1, "the helper must be removed even on failure")
}

func TestVolumesImport(t *testing.T) {
	data := []byte("tar stream produced by a previous export")
	api := &fakeDocker{}
	v := NewVolumes(api, "alpine:3.20", nil)

	require.NoError(t, v.Import(context.Background(), "vw-data", bytes.NewReader(data)))
	assert.Equal(t, data, api.copyToData)
	assert.Equal(t, "/", api.copyToPath, "the export is rooted at /volume, so it extracts from /")

	require.Len(t, api.created, 1)
	assert.Equal(t, []string{"vw-data:/volume"}, api.created[0].binds,
		"imports need a writable mount")
	assert.Len(t, api.removed, 1)
}

func TestVolumesImportFailure(t *testing.T) {
	api := &fakeDocker{copyToErr: fmt.Errorf("read-only filesystem")}
	v := NewVolumes(api, "alpine:3.20", nil)

	err := v.Import(context.Background(), "vw-data", strings.NewReader("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write volume vw-data")
}

func TestProbeHTTP(t *testing.T) {
	t.Run("2xx is healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		p := NewProbe(srv.URL+"/alive", nil, nil)
		healthy, err := p.Healthy(context.Background())
		require.NoError(t, err)
		assert.True(t, healthy)
	})

	t.Run("5xx is unhealthy with reason", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "database locked", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := NewProbe(srv.URL+"/alive", nil, nil)
		healthy, err := p.Healthy(context.Background())
		assert.False(t, healthy)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("unreachable endpoint reports the dial error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		p := NewProbe(srv.URL+"/alive", nil, nil)
		healthy, err := p.Healthy(context.Background())
		assert.False(t, healthy)
		assert.Error(t, err)
	})
}

func TestProbeFallsBackToContainerHealth(t *testing.T) {
	controller := NewController(&fakeDocker{inspect: healthState("healthy")}, "vaultwarden", nil)
	p := NewProbe("", controller, nil)

	healthy, err := p.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestProbeUnconfigured(t *testing.T) {
	p := NewProbe("", nil, nil)
	healthy, err := p.Healthy(context.Background())
	assert.False(t, healthy)
	require.Error(t, err)
	assert.Equal(t, backup.ErrorTypeConfig, backup.TypeOf(err))
}
