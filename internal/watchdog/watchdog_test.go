package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerInstanceDirAndGenerationLayout(t *testing.T) {
	tmp := t.TempDir()

	dir, err := NewServerInstanceDir(tmp, 12345)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "passenger.12345"), dir.Path)

	info, err := os.Stat(dir.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	gen, err := NewGeneration(dir, GenerationConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, gen.Number)
	assert.Equal(t, filepath.Join(dir.Path, "generation-0"), gen.Path)

	for _, name := range []string{"structure_version.txt", "passenger_version.txt"} {
		contents, err := os.ReadFile(filepath.Join(gen.Path, name))
		require.NoError(t, err)
		assert.NotEmpty(t, contents)
	}

	backendsInfo, err := os.Stat(gen.BackendsDir())
	require.NoError(t, err)
	// Non-root: the backends dir is accessible only to this process's
	// own user.
	assert.Equal(t, os.FileMode(0700), backendsInfo.Mode().Perm())

	uploadsInfo, err := os.Stat(gen.BufferedUploadsDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), uploadsInfo.Mode().Perm())

	assert.Equal(t, filepath.Join(gen.Path, "socket"), gen.SocketPath())
	assert.Equal(t, filepath.Join(gen.Path, "helper_server.pid"), gen.PidFilePath())

	require.NoError(t, gen.Destroy())
	_, err = os.Stat(gen.Path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, dir.Destroy())
}

func TestNewGenerationNumbersIncrement(t *testing.T) {
	tmp := t.TempDir()
	dir, err := NewServerInstanceDir(tmp, 1)
	require.NoError(t, err)

	gen0, err := NewGeneration(dir, GenerationConfig{})
	require.NoError(t, err)
	assert.Equal(t, 0, gen0.Number)

	gen1, err := NewGeneration(dir, GenerationConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, gen1.Number)

	require.NoError(t, gen1.Destroy())
	require.NoError(t, gen0.Destroy())
}

func TestGenerationLockRejectsSecondOwner(t *testing.T) {
	tmp := t.TempDir()
	dir, err := NewServerInstanceDir(tmp, 2)
	require.NoError(t, err)

	gen, err := NewGeneration(dir, GenerationConfig{})
	require.NoError(t, err)

	// A second Generation value pointed at the same path cannot take
	// the advisory lock while the first is still held.
	dup := &Generation{Path: gen.Path}
	err = dup.lock()
	assert.Error(t, err)

	require.NoError(t, gen.Destroy())
}

func TestMonitorFeedbackReadySignalsPassword(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	ready := make(chan string, 1)
	crashed := make(chan struct{}, 1)
	go monitorFeedback(r, ready, crashed)

	_, err = w.WriteString("ready deadbeef\n")
	require.NoError(t, err)

	select {
	case password := <-ready:
		assert.Equal(t, "deadbeef", password)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	w.Close()
	select {
	case <-crashed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for crashed close after pipe EOF")
	}
}

func TestMonitorFeedbackCrashBeforeReady(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	ready := make(chan string, 1)
	crashed := make(chan struct{}, 1)
	go monitorFeedback(r, ready, crashed)

	w.Close()

	select {
	case <-crashed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for crashed close")
	}
	select {
	case <-ready:
		t.Fatal("ready should never fire when the pipe closed before any line was written")
	default:
	}
}

func TestResolveSpawnServerPathFromPassengerRoot(t *testing.T) {
	path, err := resolveSpawnServerPath("/opt/passenger")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/opt/passenger", "helper-scripts", "spawn-server"), path)
}

func TestResolveSpawnServerPathSearchesPath(t *testing.T) {
	tmp := t.TempDir()
	candidate := filepath.Join(tmp, "passenger-spawn-server")
	require.NoError(t, os.WriteFile(candidate, []byte("#!/bin/sh\n"), 0755))

	t.Setenv("PATH", tmp)

	path, err := resolveSpawnServerPath("")
	require.NoError(t, err)
	assert.Equal(t, candidate, path)
}

func TestResolveSpawnServerPathIgnoresRelativePathEntries(t *testing.T) {
	t.Setenv("PATH", "relative/bin")

	_, err := resolveSpawnServerPath("")
	assert.Error(t, err)
}
