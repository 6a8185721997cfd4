package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/common/logger"
)

// DockerRuntime drives any engine that speaks the Docker API. The
// podman runtime is this type pointed at podman's compatibility socket.
type DockerRuntime struct {
	name   string
	cli    *client.Client
	logger *logger.Logger
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a runtime client. host may be empty for the
// environment default; name is the probe name ("docker" or "podman").
func NewDockerRuntime(name, host, apiVersion string, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", name, err)
	}

	return &DockerRuntime{
		name:   name,
		cli:    cli,
		logger: log.WithFields(zap.String("component", "runtime"), zap.String("runtime", name)),
	}, nil
}

// Name returns the probe name.
func (r *DockerRuntime) Name() string { return r.name }

// IsAvailable reports whether the engine answers a ping.
func (r *DockerRuntime) IsAvailable(ctx context.Context) bool {
	_, err := r.cli.Ping(ctx)
	return err == nil
}

// Version returns the engine's server version.
func (r *DockerRuntime) Version(ctx context.Context) (string, error) {
	version, err := r.cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("%s version: %w", r.name, err)
	}
	return version.Version, nil
}

// ImageExists reports whether the tag is present locally.
func (r *DockerRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, tag)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image %s: %w", tag, err)
}

// Pull pulls the image, draining the progress stream so the pull
// completes before returning.
func (r *DockerRuntime) Pull(ctx context.Context, tag string) error {
	r.logger.Info("pulling image", zap.String("image", tag))

	reader, err := r.cli.ImagePull(ctx, tag, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", tag, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull output for %s: %w", tag, err)
	}
	return nil
}

// Build builds contextDir into the tag.
func (r *DockerRuntime) Build(ctx context.Context, contextDir, tag string) error {
	r.logger.Info("building image", zap.String("dir", contextDir), zap.String("image", tag))

	buildContext, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("tar build context: %w", err)
	}

	resp, err := r.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read build output for %s: %w", tag, err)
	}
	return nil
}

// InspectLabels returns the image's labels.
func (r *DockerRuntime) InspectLabels(ctx context.Context, tag string) (map[string]string, error) {
	inspect, _, err := r.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", tag, err)
	}
	if inspect.Config == nil || inspect.Config.Labels == nil {
		return map[string]string{}, nil
	}
	return inspect.Config.Labels, nil
}

// Run creates and starts a container. When opts.StdinFeed is set the
// feed is written to the container's stdin before start and stdin is
// closed once the feed is delivered.
func (r *DockerRuntime) Run(ctx context.Context, opts RunOptions) (*Container, error) {
	env := make([]string, 0, len(opts.Env))
	for key, value := range opts.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	feedStdin := opts.StdinFeed != ""
	containerCfg := &container.Config{
		Image:     opts.Image,
		Env:       env,
		Labels:    opts.Labels,
		OpenStdin: feedStdin,
		StdinOnce: feedStdin,
		// No TTY: stdout must stay line-delimited JSON.
		Tty: false,
	}
	hostCfg := &container.HostConfig{
		Mounts: mounts,
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", opts.Name, err)
	}

	var stdin types.HijackedResponse
	if feedStdin {
		stdin, err = r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
			Stream: true,
			Stdin:  true,
		})
		if err != nil {
			_ = r.Remove(context.WithoutCancel(ctx), created.ID)
			return nil, fmt.Errorf("attach stdin to %s: %w", opts.Name, err)
		}
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if feedStdin {
			stdin.Close()
		}
		_ = r.Remove(context.WithoutCancel(ctx), created.ID)
		return nil, fmt.Errorf("start container %s: %w", opts.Name, err)
	}

	if feedStdin {
		_, writeErr := io.WriteString(stdin.Conn, opts.StdinFeed)
		_ = stdin.CloseWrite()
		stdin.Close()
		if writeErr != nil {
			return nil, fmt.Errorf("feed stdin to %s: %w", opts.Name, writeErr)
		}
	}

	r.logger.Info("container started",
		zap.String("id", created.ID),
		zap.String("name", opts.Name),
		zap.String("image", opts.Image))
	return &Container{ID: created.ID, Name: opts.Name}, nil
}

// Attach follows the container's output, demultiplexing the engine's
// framed stream into separate stdout and stderr readers.
func (r *DockerRuntime) Attach(ctx context.Context, id string) (*Streams, error) {
	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach to container %s: %w", id, err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		err := demultiplex(logs, stdoutWriter, stderrWriter)
		logs.Close()
		stdoutWriter.CloseWithError(err)
		stderrWriter.CloseWithError(err)
	}()

	return &Streams{Stdout: stdoutReader, Stderr: stderrReader}, nil
}

// demultiplex splits the engine's multiplexed stream: an 8-byte header
// (stream type, 3 reserved bytes, big-endian frame size) per frame.
func demultiplex(reader io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(reader, frame); err != nil {
			return err
		}

		switch streamType {
		case 1:
			if _, err := stdout.Write(frame); err != nil {
				return err
			}
		case 2:
			if _, err := stderr.Write(frame); err != nil {
				return err
			}
		}
	}
}

// Wait blocks until the container exits and returns its exit code.
func (r *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container %s: %w", id, err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop requests a graceful stop bounded by timeout.
func (r *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// Kill force-kills the container.
func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := r.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		return fmt.Errorf("kill container %s: %w", id, err)
	}
	return nil
}

// Remove removes the container and its anonymous volumes.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// Inspect returns the container's current status.
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (*Status, error) {
	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, err)
	}

	status := &Status{
		State:    inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}
	if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		status.StartedAt = started
	}
	if finished, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
		status.FinishedAt = finished
	}
	return status, nil
}

// Close closes the underlying client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// tarDirectory packs dir into an in-memory tar archive for ImageBuild.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if relative == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relative)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
