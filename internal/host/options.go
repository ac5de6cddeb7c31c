package host

import (
	"io"
	"time"
)

type CommandOption func(*CommandReloader)

// WithOutput redirects the application's stdout and stderr. Both default to the daemon's own.
func WithOutput(stdout, stderr io.Writer) CommandOption {
	return func(r *CommandReloader) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithStopTimeout bounds how long a stopping application may take before it is killed.
func WithStopTimeout(d time.Duration) CommandOption {
	return func(r *CommandReloader) {
		r.stopTimeout = d
	}
}
