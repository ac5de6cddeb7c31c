package orchestrator

import (
	"context"
	"fmt"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/manifest"
	"github.com/pddg/liveupdate/internal/version"
)

// Result is the outcome of Sync. Failures are reported in Err, never returned.
type Result struct {
	Status    SyncStatus `json:"status" yaml:"status"`
	Version   string     `json:"version,omitempty" yaml:"version,omitempty"`
	BundleID  string     `json:"bundleId,omitempty" yaml:"bundleId,omitempty"`
	Mandatory bool       `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	ErrorKind string     `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	Message   string     `json:"error,omitempty" yaml:"error,omitempty"`
	Err       error      `json:"-" yaml:"-"`
}

func errorResult(err error) Result {
	return Result{
		Status:    SyncError,
		ErrorKind: errdefs.Kind(err),
		Message:   err.Error(),
		Err:       err,
	}
}

// Sync asks the server for the newest bundle of the configured channel and,
// when it is newer than the served version, downloads and validates it. The
// bundle is activated right away under the immediate strategy or when the
// release is mandatory; otherwise it is left READY and UPDATE_AVAILABLE is
// returned.
func (o *Orchestrator) Sync(ctx context.Context, opts ...SyncOption) Result {
	snap := o.snapshot()
	so := syncOptions{strategy: snap.cfg.UpdateStrategy}
	for _, opt := range opts {
		opt(&so)
	}
	o.syncMutex.Lock()
	defer o.syncMutex.Unlock()

	ctx = logging.With(ctx, "channel", snap.cfg.Channel)
	logger := logging.FromContext(ctx)
	o.publishState(StateChecking, "", "", nil)

	result, err := o.sync(ctx, snap, so)
	if err != nil {
		logger.ErrorContext(ctx, "sync failed", "error", err, "kind", errdefs.Kind(err))
		o.publishState(StateError, "", result.Version, err)
		failed := errorResult(err)
		failed.Version = result.Version
		return failed
	}
	logger.InfoContext(ctx, "sync finished", "status", result.Status, "version", result.Version)
	return result
}

// Check is the outcome of a manifest query.
type Check struct {
	Current         string             `json:"current" yaml:"current"`
	UpdateAvailable bool               `json:"updateAvailable" yaml:"updateAvailable"`
	Manifest        *manifest.Manifest `json:"manifest,omitempty" yaml:"manifest,omitempty"`
}

// Check asks the server for the newest bundle of the configured channel
// without downloading it.
func (o *Orchestrator) Check(ctx context.Context) (*Check, error) {
	c, err := o.check(ctx, o.snapshot())
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.Check: %w", err)
	}
	return c, nil
}

func (o *Orchestrator) check(ctx context.Context, snap *snapshot) (*Check, error) {
	cfg := snap.cfg
	if err := snap.validator.ValidateURL(cfg.ServerURL, cfg.EnforceHTTPS); err != nil {
		return nil, err
	}
	current, err := o.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	m, err := snap.fetcher.Fetch(ctx, cfg.ServerURL, cfg.Channel, current)
	if err != nil {
		return nil, err
	}
	return &Check{
		Current:         current,
		UpdateAvailable: m.Available && version.ShouldUpdate(current, m.Version, m.MinimumVersion),
		Manifest:        m,
	}, nil
}

func (o *Orchestrator) sync(ctx context.Context, snap *snapshot, so syncOptions) (Result, error) {
	c, err := o.check(ctx, snap)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator.Orchestrator.Sync: %w", err)
	}
	if !c.UpdateAvailable {
		o.publishState(StateUpToDate, "", c.Current, nil)
		return Result{Status: SyncUpToDate, Version: c.Current}, nil
	}
	m := c.Manifest
	logging.FromContext(ctx).InfoContext(ctx, "update available",
		"current", c.Current, "candidate", m.Version, "mandatory", m.Mandatory)

	rec, err := o.reusable(ctx, m)
	if err != nil {
		return Result{Version: m.Version}, fmt.Errorf("orchestrator.Orchestrator.Sync: %w", err)
	}
	if rec == nil {
		rec, err = o.download(ctx, snap, m)
		if err != nil {
			return Result{Version: m.Version}, fmt.Errorf("orchestrator.Orchestrator.Sync: %w", err)
		}
	}
	result := Result{
		Status:    SyncUpdateAvailable,
		Version:   rec.Version,
		BundleID:  rec.BundleID,
		Mandatory: m.Mandatory,
	}
	if so.strategy != config.StrategyImmediate && !m.Mandatory {
		o.publishState(StateDeferred, rec.BundleID, rec.Version, nil)
		return result, nil
	}
	if _, err := o.activate(ctx, snap, rec.BundleID); err != nil {
		return result, fmt.Errorf("orchestrator.Orchestrator.Sync: %w", err)
	}
	result.Status = SyncActivated
	return result, nil
}

// reusable returns a READY bundle already downloaded for the manifest's version.
func (o *Orchestrator) reusable(ctx context.Context, m *manifest.Manifest) (*bundle.Record, error) {
	records, err := o.bundles.GetAllBundles(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == bundle.StatusReady && rec.Verified && rec.Version == m.Version {
			logging.FromContext(ctx).InfoContext(ctx, "reusing downloaded bundle", "bundle_id", rec.BundleID, "version", rec.Version)
			return &rec, nil
		}
	}
	return nil, nil
}
