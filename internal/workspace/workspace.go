// Package workspace owns the per-session working directories and every
// subprocess the workflow runs inside them: saving extracted files,
// installing dependency manifests, and executing the test suite.
//
// Paths coming out of extraction are caller-controlled text, so Save and
// Read reject absolute paths and parent traversal before touching disk.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultCommandTimeout = 5 * time.Minute
	defaultMaxReadBytes   = 4 << 20 // 4 MB
	defaultPython         = "python3"
)

// Result is the outcome envelope of one subprocess run. ExitCode is -1
// when the process never produced one (spawn failure, timeout kill).
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Combined returns stderr and stdout joined for error reporting.
func (r Result) Combined() string {
	return strings.TrimSpace(r.Stderr + "\n" + r.Stdout)
}

// Config configures a Manager. Zero values take the package defaults.
type Config struct {
	Root           string
	Python         string
	CommandTimeout time.Duration
	MaxReadBytes   int64
}

// Manager creates and operates on per-session directories under a single
// root. Methods are safe for concurrent use across distinct sessions.
type Manager struct {
	root    string
	python  string
	timeout time.Duration
	maxRead int64
	logger  *slog.Logger
}

// New creates a Manager rooted at cfg.Root, creating the directory if
// needed.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace: root must not be empty")
	}
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = defaultMaxReadBytes
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Manager{
		root:    cfg.Root,
		python:  cfg.Python,
		timeout: cfg.CommandTimeout,
		maxRead: cfg.MaxReadBytes,
		logger:  logger,
	}, nil
}

// Dir returns the working directory for a session. The directory may not
// exist yet; Save creates it on first write.
func (m *Manager) Dir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// Save writes content under the session directory and returns the full
// path. With overwrite false an existing file is an error.
func (m *Manager) Save(sessionID, name, content string, overwrite bool) (string, error) {
	full, err := m.resolve(sessionID, name)
	if err != nil {
		return "", err
	}
	if !overwrite {
		if _, statErr := os.Stat(full); statErr == nil {
			return "", fmt.Errorf("workspace: %s already exists", name)
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("workspace: create directory for %s: %w", name, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("workspace: write %s: %w", name, err)
	}
	m.logger.Debug("file saved", "session_id", sessionID, "file", name, "bytes", len(content))
	return full, nil
}

// Read returns the content of a file under the session directory,
// bounded by the configured read cap.
func (m *Manager) Read(sessionID, name string) (string, error) {
	full, err := m.resolve(sessionID, name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("workspace: stat %s: %w", name, err)
	}
	if info.Size() > m.maxRead {
		return "", fmt.Errorf("workspace: %s is %d bytes, exceeds read limit %d", name, info.Size(), m.maxRead)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("workspace: read %s: %w", name, err)
	}
	return string(data), nil
}

// InstallFrom installs the dependency manifest into the session's
// environment. The caller decides whether a failure is fatal.
func (m *Manager) InstallFrom(ctx context.Context, sessionID, manifest string) (Result, error) {
	if _, err := m.resolve(sessionID, manifest); err != nil {
		return Result{ExitCode: -1}, err
	}
	return m.run(ctx, m.Dir(sessionID), m.python, "-m", "pip", "install", "-r", manifest)
}

// RunTests executes the session's test suite.
func (m *Manager) RunTests(ctx context.Context, sessionID string) (Result, error) {
	return m.run(ctx, m.Dir(sessionID), m.python, "-m", "pytest", ".", "-q", "--tb=short")
}

// Run executes an arbitrary command inside the session directory.
func (m *Manager) Run(ctx context.Context, sessionID, name string, args ...string) (Result, error) {
	return m.run(ctx, m.Dir(sessionID), name, args...)
}

// resolve joins name onto the session directory, rejecting absolute
// paths and parent traversal.
func (m *Manager) resolve(sessionID, name string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("workspace: session id must not be empty")
	}
	if name == "" {
		return "", fmt.Errorf("workspace: file name must not be empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("workspace: unsafe path %q", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: unsafe path %q", name)
	}
	return filepath.Join(m.Dir(sessionID), clean), nil
}

// run executes one subprocess with the manager's timeout ceiling. A
// non-zero exit is a normal outcome, not an error; the error return is
// reserved for spawn failures and timeouts.
func (m *Manager) run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("workspace: create directory: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	switch {
	case err == nil:
		res.Success = true
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			err = nil // the process ran; a failing exit is data, not an error
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("workspace: %s timed out after %s: %w", name, m.timeout, ctxErr)
		} else {
			err = fmt.Errorf("workspace: run %s: %w", name, err)
		}
	}

	m.logger.Debug("command finished",
		"dir", dir,
		"command", name,
		"exit_code", res.ExitCode,
		"duration_ms", time.Since(start).Milliseconds())
	return res, err
}
