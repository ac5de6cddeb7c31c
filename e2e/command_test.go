package e2e_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// fileLogCommander starts long-running processes with their output kept under logDir,
// one stdout and one stderr file per process.
type fileLogCommander struct {
	logDir string
	epoch  int32
}

func newFileLogCommander(logDir string) *fileLogCommander {
	return &fileLogCommander{
		logDir: logDir,
	}
}

// Start runs name in the background. The returned function sends SIGTERM and waits for the exit.
func (c *fileLogCommander) Start(ctx context.Context, name string, arg ...string) (func() error, error) {
	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, name, arg...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	prefix := filepath.Join(c.logDir, fmt.Sprintf("%s-%d", filepath.Base(name), atomic.AddInt32(&c.epoch, 1)))
	stdout, err := os.Create(prefix + ".stdout.log")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout log: %w", err)
	}
	stderr, err := os.Create(prefix + ".stderr.log")
	if err != nil {
		cancel()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr log: %w", err)
	}
	closeLogs := func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		closeLogs()
		return nil, fmt.Errorf("failed to start command %q: %w", cmd.String(), err)
	}
	return func() error {
		defer closeLogs()
		cancel()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		// The daemon exits 0 on SIGTERM.
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command %q exited with status %d, see %s.stderr.log", cmd.String(), exitErr.ExitCode(), prefix)
		}
		if err != nil {
			return fmt.Errorf("failed to wait for command %q: %w", cmd.String(), err)
		}
		return nil
	}, nil
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (n int, err error) {
	w.t.Log(string(p))
	return len(p), nil
}

// liveupdate runs a one-shot command of the binary and returns its stdout.
func liveupdate(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.CommandContext(t.Context(), liveupdateBinary(), args...)
	cmd.Stderr = &testLogWriter{t}
	t.Logf("Running command: %s", cmd.String())
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			t.Fatalf("command %q exited with status %d", cmd.String(), exitErr.ExitCode())
		}
		t.Fatalf("failed to run command %q: %v", cmd.String(), err)
	}
	return string(output)
}
