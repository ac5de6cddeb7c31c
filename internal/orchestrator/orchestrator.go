// Package orchestrator drives the update flow: ask the server, compare
// versions, download, validate and activate bundles, and revert activations
// the application never confirmed.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/security"
	"github.com/pddg/liveupdate/internal/unarchiver"
)

// extractionRatio bounds the extracted size of a bundle relative to MaxBundleSize.
const extractionRatio = 20

// snapshot is everything derived from one configuration. Operations capture
// a snapshot when they start and keep it until they return.
type snapshot struct {
	cfg        config.Config
	validator  *security.Validator
	fetcher    ManifestFetcher
	downloader Downloader
	unarchiver Unarchiver
}

type Orchestrator struct {
	bundles  *bundle.Manager
	store    BlobStore
	reloader Reloader

	bus       *events.Bus
	transport Transport
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	cfgMutex sync.RWMutex
	snap     *snapshot

	// syncMutex keeps two syncs from downloading the same release.
	syncMutex sync.Mutex

	readyMutex sync.Mutex
	stopReady  func() bool
}

// New validates cfg and builds an orchestrator around the bundle manager.
// An invalid cfg is rejected before any operation can run.
func New(cfg config.Config, bundles *bundle.Manager, store BlobStore, reloader Reloader, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		bundles:   bundles,
		store:     store,
		reloader:  reloader,
		transport: HTTPTransport(cleanhttp.DefaultPooledClient()),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	snap, err := o.buildSnapshot(cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.New: %w", err)
	}
	o.snap = snap
	return o, nil
}

func (o *Orchestrator) buildSnapshot(cfg config.Config) (*snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	validator, err := cfg.Validator()
	if err != nil {
		return nil, err
	}
	fetcher, dl := o.transport(cfg)
	return &snapshot{
		cfg:        cfg,
		validator:  validator,
		fetcher:    fetcher,
		downloader: dl,
		unarchiver: unarchiver.NewUnarchiver(
			unarchiver.WithMaxExtractedBytes(cfg.MaxBundleSize * extractionRatio),
		),
	}, nil
}

func (o *Orchestrator) snapshot() *snapshot {
	o.cfgMutex.RLock()
	defer o.cfgMutex.RUnlock()
	return o.snap
}

// Config returns the configuration in effect.
func (o *Orchestrator) Config() config.Config {
	return o.snapshot().cfg
}

// Reconfigure validates cfg and makes it the configuration of subsequent
// operations. Operations already running finish with the configuration they
// started with.
func (o *Orchestrator) Reconfigure(ctx context.Context, cfg config.Config) error {
	snap, err := o.buildSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Reconfigure: %w", err)
	}
	o.cfgMutex.Lock()
	o.snap = snap
	o.cfgMutex.Unlock()
	logging.FromContext(ctx).InfoContext(ctx, "configuration updated",
		"server_url", cfg.ServerURL, "channel", cfg.Channel, "strategy", cfg.UpdateStrategy)
	return nil
}

// Start recovers from a previous process. An activation that was never
// confirmed is rolled back, interrupted downloads and orphaned contents are
// removed, and the host is pointed at the active bundle.
func (o *Orchestrator) Start(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	logger.InfoContext(ctx, "step 1/4: roll back unconfirmed activation")
	result, err := o.bundles.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Start: %w", err)
	}
	if result != nil {
		o.publishRollback(result)
	}

	logger.InfoContext(ctx, "step 2/4: remove interrupted downloads")
	if _, err := o.bundles.PurgeIncomplete(ctx); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Start: %w", err)
	}
	if err := o.store.Sweep(ctx); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Start: %w", err)
	}

	logger.InfoContext(ctx, "step 3/4: remove orphaned bundle contents")
	if _, err := o.bundles.RemoveOrphans(ctx); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Start: %w", err)
	}

	logger.InfoContext(ctx, "step 4/4: reload content root")
	if err := o.Reload(ctx); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Start: %w", err)
	}
	return nil
}

// Current returns the active bundle, or nil when the builtin content is served.
func (o *Orchestrator) Current(ctx context.Context) (*bundle.Record, error) {
	rec, err := o.bundles.GetActiveBundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.Current: %w", err)
	}
	return rec, nil
}

// CurrentVersion returns the version being served, falling back to the builtin version.
func (o *Orchestrator) CurrentVersion(ctx context.Context) (string, error) {
	rec, err := o.Current(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return o.snapshot().cfg.BuiltinVersion, nil
	}
	return rec.Version, nil
}

// List returns every known bundle, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]bundle.Record, error) {
	records, err := o.bundles.GetAllBundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.List: %w", err)
	}
	return records, nil
}

// Delete removes bundle id. Deleting the active bundle requires bundle.WithForce,
// after which the host is switched to the builtin content.
func (o *Orchestrator) Delete(ctx context.Context, id string, opts ...bundle.DeleteOption) error {
	if _, err := security.SanitizeInput(id); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Delete: %w", err)
	}
	active, err := o.bundles.GetActiveBundle(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Delete: %w", err)
	}
	if err := o.bundles.DeleteBundle(ctx, id, opts...); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Delete: %w", err)
	}
	if active != nil && active.BundleID == id {
		o.disarmReadyTimer()
		if err := o.reloader.Reload(ctx, ""); err != nil {
			return fmt.Errorf("orchestrator.Orchestrator.Delete: %w", err)
		}
	}
	return nil
}

// Reload points the host at the active bundle, or at the builtin content.
func (o *Orchestrator) Reload(ctx context.Context) error {
	active, err := o.bundles.GetActiveBundle(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Reload: %w", err)
	}
	var root string
	if active != nil {
		root = active.StoragePath
	}
	if err := o.reloader.Reload(ctx, root); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Reload: %w", err)
	}
	return nil
}

// Reset deletes every bundle and returns the host to the builtin content.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.disarmReadyTimer()
	if err := o.bundles.Reset(ctx); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Reset: %w", err)
	}
	if err := o.reloader.Reload(ctx, ""); err != nil {
		return fmt.Errorf("orchestrator.Orchestrator.Reset: %w", err)
	}
	o.publishState(StateReset, "", "", nil)
	return nil
}

func (o *Orchestrator) publishState(state State, bundleID, version string, err error) {
	ev := events.Event{
		Kind:     events.UpdateStateChanged,
		Time:     o.now(),
		State:    string(state),
		BundleID: bundleID,
		Version:  version,
	}
	if err != nil {
		ev.Message = err.Error()
		ev.ErrorKind = errdefs.Kind(err)
	}
	o.bus.Publish(ev)
}

func (o *Orchestrator) publishRollback(result *bundle.RollbackResult) {
	ev := events.Event{
		Kind:     events.UpdateStateChanged,
		Time:     o.now(),
		State:    string(StateRolledBack),
		BundleID: result.Failed,
		Message:  "restored builtin content",
	}
	if result.Restored != nil {
		ev.Version = result.Restored.Version
		ev.Message = "restored bundle " + result.Restored.BundleID
	}
	o.bus.Publish(ev)
}
