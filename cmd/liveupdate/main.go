package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pddg/liveupdate/internal/cli"
	"github.com/pddg/liveupdate/internal/errdefs"
)

func main() {
	opts := cli.Options{
		ConfigPath: getEnv("LIVEUPDATE_CONFIG", ""),
		LogLevel:   getEnv("LIVEUPDATE_LOG_LEVEL", "info"),
		LogFormat:  getEnv("LIVEUPDATE_LOG_FORMAT", "json"),
		Output:     getEnv("LIVEUPDATE_OUTPUT", "json"),
		Listen:     getEnv("LIVEUPDATE_LISTEN", ":8080"),
		Daemon:     getEnv("LIVEUPDATE_DAEMON_URL", ""),
	}
	if err := innerMain(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, errdefs.Kind(err))
		os.Exit(1)
	}
}

func innerMain(ctx context.Context, opts cli.Options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return cli.NewRootCommand(opts).ExecuteContext(ctx)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
