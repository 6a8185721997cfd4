package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	name      string
	available bool
}

func (f *fakeRuntime) Name() string                        { return f.name }
func (f *fakeRuntime) IsAvailable(context.Context) bool    { return f.available }
func (f *fakeRuntime) Version(context.Context) (string, error) { return "0.0.0", nil }
func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) { return false, nil }
func (f *fakeRuntime) Pull(context.Context, string) error  { return nil }
func (f *fakeRuntime) Build(context.Context, string, string) error { return nil }
func (f *fakeRuntime) InspectLabels(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeRuntime) Run(context.Context, RunOptions) (*Container, error) { return nil, nil }
func (f *fakeRuntime) Attach(context.Context, string) (*Streams, error)    { return nil, nil }
func (f *fakeRuntime) Wait(context.Context, string) (int, error)           { return 0, nil }
func (f *fakeRuntime) Stop(context.Context, string, time.Duration) error   { return nil }
func (f *fakeRuntime) Kill(context.Context, string) error                  { return nil }
func (f *fakeRuntime) Remove(context.Context, string) error                { return nil }
func (f *fakeRuntime) Inspect(context.Context, string) (*Status, error)    { return nil, nil }
func (f *fakeRuntime) Close() error                                        { return nil }

func TestProbePicksFirstAvailable(t *testing.T) {
	first := &fakeRuntime{name: "docker", available: false}
	second := &fakeRuntime{name: "podman", available: true}

	picked, err := Probe(context.Background(), []ContainerRuntime{first, second})
	require.NoError(t, err)
	assert.Equal(t, "podman", picked.Name())
}

func TestProbeNoneAvailable(t *testing.T) {
	_, err := Probe(context.Background(), []ContainerRuntime{
		&fakeRuntime{name: "docker"},
		&fakeRuntime{name: "podman"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker")
	assert.Contains(t, err.Error(), "podman")
}

func muxFrame(streamType byte, data string) []byte {
	frame := make([]byte, 8+len(data))
	frame[0] = streamType
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	copy(frame[8:], data)
	return frame
}

func TestDemultiplex(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(muxFrame(1, `{"type":"system"}`+"\n"))
	stream.Write(muxFrame(2, "warning: slow\n"))
	stream.Write(muxFrame(1, `{"type":"result"}`+"\n"))

	var stdout, stderr bytes.Buffer
	require.NoError(t, demultiplex(&stream, &stdout, &stderr))

	assert.Equal(t, `{"type":"system"}`+"\n"+`{"type":"result"}`+"\n", stdout.String())
	assert.Equal(t, "warning: slow\n", stderr.String())
}

func TestDemultiplexTruncatedFrame(t *testing.T) {
	frame := muxFrame(1, "hello")
	var stdout, stderr bytes.Buffer
	err := demultiplex(bytes.NewReader(frame[:10]), &stdout, &stderr)
	require.Error(t, err)
}

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "run.sh"), []byte("#!/bin/sh\n"), 0o755))

	reader, err := tarDirectory(dir)
	require.NoError(t, err)

	names := map[string]string{}
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[header.Name] = string(body)
	}

	assert.Equal(t, "FROM scratch\n", names["Dockerfile"])
	assert.Equal(t, "#!/bin/sh\n", names["scripts/run.sh"])
	assert.Contains(t, names, "scripts")
}
