package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/catalog"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/host"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/storage"
)

// engine is an orchestrator wired to the catalog, storage and host reloader under DataDir.
type engine struct {
	*orchestrator.Orchestrator
	bus     *events.Bus
	catalog catalog.Store
	// app is the supervised application, nil unless the daemon runs with host_command.
	app *host.CommandReloader
}

func loadConfig(opts *Options) (config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Config{}, fmt.Errorf("--config or LIVEUPDATE_CONFIG is required: %w", errdefs.ErrConfig)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openEngine wires an orchestrator for the configuration. With supervise set
// and host_command configured, the application is restarted on every reload.
func openEngine(ctx context.Context, opts *Options, supervise bool) (*engine, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w: %w", errdefs.ErrStorage, err)
	}
	cat, err := catalog.Open(cfg.CatalogDriver, cfg.CatalogPath())
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.BundlesDir())
	if err != nil {
		cat.Close()
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	bus := events.NewBus()
	logger := logging.FromContext(ctx)
	bus.Subscribe(func(ev events.Event) {
		if ev.Kind == events.DownloadProgress {
			return
		}
		logger.DebugContext(ctx, "event", "kind", ev.Kind, "state", ev.State, "bundle_id", ev.BundleID, "version", ev.Version, "message", ev.Message)
	})
	var (
		reloader orchestrator.Reloader = host.NewSymlinkReloader(cfg.ContentLink(), cfg.BuiltinPath)
		app      *host.CommandReloader
	)
	if supervise && len(cfg.HostCommand) > 0 {
		app = host.NewCommandReloader(host.NewSymlinkReloader(cfg.ContentLink(), cfg.BuiltinPath), cfg.HostCommand)
		reloader = app
	}
	o, err := orchestrator.New(
		cfg,
		bundle.NewManager(cat, store),
		store,
		reloader,
		orchestrator.WithBus(bus),
		orchestrator.WithTransport(orchestrator.HTTPTransport(httpClient)),
	)
	if err != nil {
		cat.Close()
		return nil, err
	}
	return &engine{Orchestrator: o, bus: bus, catalog: cat, app: app}, nil
}

func (e *engine) Close(ctx context.Context) error {
	if e.app != nil {
		e.app.Stop(ctx)
	}
	return e.catalog.Close()
}

// withEngine opens the engine for the duration of fn.
func withEngine(ctx context.Context, opts *Options, fn func(e *engine) error) error {
	return runEngine(ctx, opts, false, fn)
}

func runEngine(ctx context.Context, opts *Options, supervise bool, fn func(e *engine) error) error {
	e, err := openEngine(ctx, opts, supervise)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(ctx); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "failed to close catalog", "error", err)
		}
	}()
	return fn(e)
}
