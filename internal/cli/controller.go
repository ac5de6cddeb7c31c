package cli

import (
	"context"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/client"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/server"
)

// controller runs the lifecycle commands either in-process or through a running daemon.
// The catalog is locked by the daemon while it runs, so commands must go through it then.
type controller interface {
	Sync(ctx context.Context, strategy config.Strategy) (orchestrator.Result, error)
	List(ctx context.Context) ([]bundle.Record, error)
	Current(ctx context.Context) (*server.CurrentResponse, error)
	Set(ctx context.Context, id string) (*bundle.Record, error)
	Delete(ctx context.Context, id string, force bool) error
	NotifyAppReady(ctx context.Context) (*server.CurrentResponse, error)
	Reset(ctx context.Context) error
}

// withController hands fn a controller for --daemon when set, and a local engine otherwise.
func withController(ctx context.Context, opts *Options, fn func(c controller) error) error {
	if opts.Daemon != "" {
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = cleanhttp.DefaultPooledClient()
		}
		return fn(remote{client.NewClient(httpClient, opts.Daemon)})
	}
	return withEngine(ctx, opts, func(e *engine) error {
		return fn(local{e})
	})
}

type local struct {
	e *engine
}

func (l local) Sync(ctx context.Context, strategy config.Strategy) (orchestrator.Result, error) {
	var opts []orchestrator.SyncOption
	if strategy != "" {
		opts = append(opts, orchestrator.WithStrategy(strategy))
	}
	return l.e.Sync(ctx, opts...), nil
}

func (l local) List(ctx context.Context) ([]bundle.Record, error) {
	return l.e.List(ctx)
}

func (l local) Current(ctx context.Context) (*server.CurrentResponse, error) {
	rec, err := l.e.Current(ctx)
	if err != nil {
		return nil, err
	}
	ver, err := l.e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &server.CurrentResponse{Bundle: rec, Version: ver}, nil
}

func (l local) Set(ctx context.Context, id string) (*bundle.Record, error) {
	return l.e.Set(ctx, id)
}

func (l local) Delete(ctx context.Context, id string, force bool) error {
	var opts []bundle.DeleteOption
	if force {
		opts = append(opts, bundle.WithForce())
	}
	return l.e.Delete(ctx, id, opts...)
}

func (l local) NotifyAppReady(ctx context.Context) (*server.CurrentResponse, error) {
	if _, err := l.e.NotifyAppReady(ctx); err != nil {
		return nil, err
	}
	return l.Current(ctx)
}

func (l local) Reset(ctx context.Context) error {
	return l.e.Reset(ctx)
}

type remote struct {
	*client.Client
}

func (r remote) Sync(ctx context.Context, strategy config.Strategy) (orchestrator.Result, error) {
	return r.Client.Sync(ctx, string(strategy))
}
