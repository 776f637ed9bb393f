package workspace_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/daiku/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, cfg workspace.Config) *workspace.Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	m, err := workspace.New(cfg, discardLogger())
	require.NoError(t, err)
	return m
}

func TestSaveReadRoundTrip(t *testing.T) {
	m := newManager(t, workspace.Config{})

	full, err := m.Save("sess-1", "main.py", "print('hi')\n", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Dir("sess-1"), "main.py"), full)

	got, err := m.Read("sess-1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", got)
}

func TestSaveCreatesNestedDirectories(t *testing.T) {
	m := newManager(t, workspace.Config{})

	_, err := m.Save("sess-1", "pkg/util/helpers.py", "x = 1\n", true)
	require.NoError(t, err)

	got, err := m.Read("sess-1", "pkg/util/helpers.py")
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", got)
}

func TestSaveOverwrite(t *testing.T) {
	m := newManager(t, workspace.Config{})

	_, err := m.Save("sess-1", "main.py", "v1", true)
	require.NoError(t, err)

	_, err = m.Save("sess-1", "main.py", "v2", false)
	require.Error(t, err)

	_, err = m.Save("sess-1", "main.py", "v3", true)
	require.NoError(t, err)

	got, err := m.Read("sess-1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "v3", got)
}

func TestUnsafePathsRejected(t *testing.T) {
	m := newManager(t, workspace.Config{})

	for _, name := range []string{
		"/etc/passwd",
		"../outside.py",
		"a/../../outside.py",
		"..",
		"",
	} {
		_, err := m.Save("sess-1", name, "x", true)
		assert.Error(t, err, "name %q", name)

		_, err = m.Read("sess-1", name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestDottedNamesInsideSessionAllowed(t *testing.T) {
	m := newManager(t, workspace.Config{})

	// Traversal that stays inside the session directory is fine once
	// cleaned.
	_, err := m.Save("sess-1", "pkg/../main.py", "ok", true)
	require.NoError(t, err)

	got, err := m.Read("sess-1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestReadMissingFile(t *testing.T) {
	m := newManager(t, workspace.Config{})

	_, err := m.Read("sess-1", "absent.py")
	require.Error(t, err)
}

func TestReadSizeCap(t *testing.T) {
	m := newManager(t, workspace.Config{MaxReadBytes: 8})

	_, err := m.Save("sess-1", "big.txt", "0123456789", true)
	require.NoError(t, err)

	_, err = m.Read("sess-1", "big.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read limit")
}

func TestRunCapturesOutput(t *testing.T) {
	m := newManager(t, workspace.Config{})

	res, err := m.Run(context.Background(), "sess-1", "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, "err\nout", res.Combined())
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	m := newManager(t, workspace.Config{})

	res, err := m.Run(context.Background(), "sess-1", "sh", "-c", "exit 3")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunSpawnFailure(t *testing.T) {
	m := newManager(t, workspace.Config{})

	res, err := m.Run(context.Background(), "sess-1", "definitely-not-a-binary-48151623")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	m := newManager(t, workspace.Config{CommandTimeout: 50 * time.Millisecond})

	res, err := m.Run(context.Background(), "sess-1", "sleep", "2")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunTestsUsesConfiguredInterpreter(t *testing.T) {
	// "true" ignores its arguments and exits 0, "false" exits 1; both
	// stand in for the interpreter so the suite needs no Python.
	pass := newManager(t, workspace.Config{Python: "true"})
	res, err := pass.RunTests(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	fail := newManager(t, workspace.Config{Python: "false"})
	res, err = fail.RunTests(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
}

func TestInstallFrom(t *testing.T) {
	m := newManager(t, workspace.Config{Python: "true"})

	_, err := m.Save("sess-1", "requirements.txt", "fastapi\n", true)
	require.NoError(t, err)

	res, err := m.InstallFrom(context.Background(), "sess-1", "requirements.txt")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = m.InstallFrom(context.Background(), "sess-1", "../requirements.txt")
	require.Error(t, err)
}
