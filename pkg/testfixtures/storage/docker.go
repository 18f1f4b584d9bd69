package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

// expireTimeout bounds the lifetime of a test container even when the test binary panics.
const expireTimeout = 10 * time.Minute

type containerSpec struct {
	name  string
	image string
	env   []string
	cmd   []string
	port  nat.Port
}

// runContainer starts the container described by spec and returns the host address its port is
// published on. The test is skipped when no docker daemon is reachable.
func runContainer(t testing.TB, spec containerSpec) string {
	ctx := context.Background()

	dockerClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		dockerClient.Close()
	})

	if _, err := dockerClient.Ping(ctx); err != nil {
		t.Skipf("docker daemon not reachable, skipping %s: %v", spec.name, err)
	}

	allImages, err := dockerClient.ImageList(ctx, image.ListOptions{
		All: true,
	})
	require.NoError(t, err)

	foundImage := false

AllImages:
	for _, image := range allImages {
		for _, tag := range image.RepoTags {
			if strings.Contains(tag, spec.image) {
				foundImage = true
				break AllImages
			}
		}
	}

	if !foundImage {
		t.Logf("Pulling image %s", spec.image)
		reader, err := dockerClient.ImagePull(ctx, spec.image, image.PullOptions{})
		require.NoError(t, err)

		_, err = io.Copy(io.Discard, reader) // consume the image pull output to make sure it's done
		require.NoError(t, err)
	}

	containerCfg := container.Config{
		Env: spec.env,
		Cmd: spec.cmd,
		ExposedPorts: nat.PortSet{
			spec.port: {},
		},
		Image: spec.image,
	}

	hostCfg := container.HostConfig{
		AutoRemove:      true,
		PublishAllPorts: true,
	}

	name := spec.name + "-" + ulid.Make().String()

	cont, err := dockerClient.ContainerCreate(ctx, &containerCfg, &hostCfg, nil, nil, name)
	require.NoError(t, err, "failed to create %s docker container", spec.name)

	stopContainer := func(timeoutSec int) {
		err := dockerClient.ContainerStop(context.Background(), cont.ID, container.StopOptions{Timeout: &timeoutSec})
		if err != nil && !errdefs.IsNotFound(err) {
			t.Logf("failed to stop %s container: %v", spec.name, err)
		}
	}

	t.Cleanup(func() {
		t.Logf("stopping container %s", name)
		stopContainer(5)
		t.Logf("stopped container %s", name)
	})

	// survive test panics: expire the container in the background
	go func() {
		time.Sleep(expireTimeout)
		stopContainer(0)
	}()

	err = dockerClient.ContainerStart(ctx, cont.ID, container.StartOptions{})
	require.NoError(t, err, "failed to start %s container", spec.name)

	containerJSON, err := dockerClient.ContainerInspect(ctx, cont.ID)
	require.NoError(t, err)

	m, ok := containerJSON.NetworkSettings.Ports[spec.port]
	if !ok || len(m) == 0 {
		require.Fail(t, "failed to get host port mapping from "+spec.name+" container")
	}

	return "localhost:" + m[0].HostPort
}
