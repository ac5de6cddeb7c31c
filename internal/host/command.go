package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

// ContentRootEnv tells the supervised application where its content root is.
const ContentRootEnv = "LIVEUPDATE_CONTENT_ROOT"

// CommandReloader switches the content root like SymlinkReloader and then
// restarts the application command, for applications that only read their
// content at startup.
type CommandReloader struct {
	*SymlinkReloader
	command []string

	stdout      io.Writer
	stderr      io.Writer
	stopTimeout time.Duration

	mutex   sync.Mutex
	process *exec.Cmd
	cancel  func()
	exited  chan struct{}
}

// NewCommandReloader supervises command. The command is started with
// ContentRootEnv set to the managed link.
func NewCommandReloader(
	links *SymlinkReloader,
	command []string,
	options ...CommandOption,
) *CommandReloader {
	r := &CommandReloader{
		SymlinkReloader: links,
		command:         command,
		stdout:          os.Stdout,
		stderr:          os.Stderr,
		stopTimeout:     10 * time.Second,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Reload switches the link, then restarts the application.
func (r *CommandReloader) Reload(ctx context.Context, contentRoot string) error {
	if err := r.SymlinkReloader.Reload(ctx, contentRoot); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.stop(ctx)
	if err := r.start(ctx); err != nil {
		return fmt.Errorf("host.CommandReloader.Reload: %w", err)
	}
	return nil
}

// Start starts the application unless it is already running.
func (r *CommandReloader) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.running() {
		return nil
	}
	if err := r.start(ctx); err != nil {
		return fmt.Errorf("host.CommandReloader.Start: %w", err)
	}
	return nil
}

// Stop sends SIGTERM to the application and waits for it to exit.
func (r *CommandReloader) Stop(ctx context.Context) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.stop(ctx)
}

// Running reports whether the application process is alive.
func (r *CommandReloader) Running() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.running()
}

func (r *CommandReloader) running() bool {
	if r.exited == nil {
		return false
	}
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

func (r *CommandReloader) start(ctx context.Context) error {
	if len(r.command) == 0 {
		return fmt.Errorf("no command: %w", errdefs.ErrConfig)
	}
	logger := logging.FromContext(ctx)
	// The process outlives the request that reloaded it.
	processCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(processCtx, r.command[0], r.command[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.stopTimeout
	cmd.Env = append(os.Environ(), ContentRootEnv+"="+r.link)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %q: %w", cmd.String(), err)
	}
	logger.InfoContext(ctx, "application started", "command", cmd.String(), "pid", cmd.Process.Pid)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			logger.InfoContext(processCtx, "application exited")
		case processCtx.Err() != nil && errors.As(err, &exitErr):
			logger.InfoContext(processCtx, "application stopped", "status", exitErr.String())
		default:
			logger.WarnContext(processCtx, "application exited with error", "error", err)
		}
	}()
	r.process = cmd
	r.cancel = cancel
	r.exited = exited
	return nil
}

func (r *CommandReloader) stop(ctx context.Context) {
	if r.process == nil {
		return
	}
	logging.FromContext(ctx).DebugContext(ctx, "stopping application", "pid", r.process.Process.Pid)
	r.cancel()
	<-r.exited
	r.process = nil
	r.cancel = nil
	r.exited = nil
}
