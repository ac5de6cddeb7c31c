package orchestrator

import (
	"context"
	"fmt"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/security"
)

// Set activates the READY bundle id and reloads the host. The activation
// stays pending until NotifyAppReady; a restart before that rolls it back.
func (o *Orchestrator) Set(ctx context.Context, id string) (*bundle.Record, error) {
	if _, err := security.SanitizeInput(id); err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.Set: %w", err)
	}
	rec, err := o.activate(ctx, o.snapshot(), id)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.Set: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) activate(ctx context.Context, snap *snapshot, id string) (*bundle.Record, error) {
	rec, err := o.bundles.SetActiveBundle(ctx, id, bundle.WithPendingConfirmation())
	if err != nil {
		return nil, err
	}
	if err := o.reloader.Reload(ctx, rec.StoragePath); err != nil {
		// The host still serves the previous root, so put the catalog back in line with it.
		if _, rbErr := o.rollback(ctx, id); rbErr != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to roll back after reload failure", "bundle_id", id, "error", rbErr)
		}
		return nil, err
	}
	o.armReadyTimer(ctx, snap, id)
	o.publishState(StateActivated, rec.BundleID, rec.Version, nil)
	return rec, nil
}

// NotifyAppReady confirms that the application runs fine on the active
// bundle. The confirmed bundle becomes the rollback target, and retention is
// applied to the older bundles. It returns the confirmed bundle, or nil when
// the builtin content is served.
func (o *Orchestrator) NotifyAppReady(ctx context.Context) (*bundle.Record, error) {
	o.disarmReadyTimer()
	rec, err := o.bundles.ConfirmActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.NotifyAppReady: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	logging.FromContext(ctx).InfoContext(ctx, "bundle confirmed", "bundle_id", rec.BundleID, "version", rec.Version)
	o.publishState(StateConfirmed, rec.BundleID, rec.Version, nil)
	o.applyRetention(ctx)
	return rec, nil
}

// Cleanup applies the retention policy: KeepBundles most recent inactive
// bundles are kept, and with MaxBundleAge set older ones are removed too.
func (o *Orchestrator) Cleanup(ctx context.Context) ([]string, error) {
	cfg := o.snapshot().cfg
	deleted, err := o.bundles.CleanupOldBundles(ctx, cfg.KeepBundles)
	if err != nil {
		return deleted, fmt.Errorf("orchestrator.Orchestrator.Cleanup: %w", err)
	}
	if cfg.MaxBundleAge > 0 {
		aged, err := o.bundles.CleanupOlderThan(ctx, cfg.MaxBundleAge)
		deleted = append(deleted, aged...)
		if err != nil {
			return deleted, fmt.Errorf("orchestrator.Orchestrator.Cleanup: %w", err)
		}
	}
	return deleted, nil
}

func (o *Orchestrator) applyRetention(ctx context.Context) {
	deleted, err := o.Cleanup(ctx)
	logger := logging.FromContext(ctx)
	if err != nil {
		logger.WarnContext(ctx, "retention failed", "error", err)
	}
	if len(deleted) > 0 {
		logger.InfoContext(ctx, "old bundles removed", "bundle_ids", deleted)
	}
}

// rollback reverts the pending activation of id and reloads whatever becomes active.
func (o *Orchestrator) rollback(ctx context.Context, id string) (*bundle.RollbackResult, error) {
	result, err := o.bundles.Rollback(ctx, bundle.WithExpectedPending(id))
	if err != nil || result == nil {
		return nil, err
	}
	var root string
	if result.Restored != nil {
		root = result.Restored.StoragePath
	}
	o.publishRollback(result)
	if err := o.reloader.Reload(ctx, root); err != nil {
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) armReadyTimer(ctx context.Context, snap *snapshot, id string) {
	timeout := snap.cfg.AppReadyTimeout
	if timeout <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	o.readyMutex.Lock()
	defer o.readyMutex.Unlock()
	if o.stopReady != nil {
		o.stopReady()
	}
	o.stopReady = o.afterFunc(timeout, func() {
		logger := logging.FromContext(ctx)
		logger.WarnContext(ctx, "application did not report ready in time", "bundle_id", id, "timeout", timeout)
		if _, err := o.rollback(ctx, id); err != nil {
			logger.ErrorContext(ctx, "failed to roll back unconfirmed bundle", "bundle_id", id, "error", err, "kind", errdefs.Kind(err))
		}
	})
}

func (o *Orchestrator) disarmReadyTimer() {
	o.readyMutex.Lock()
	defer o.readyMutex.Unlock()
	if o.stopReady != nil {
		o.stopReady()
		o.stopReady = nil
	}
}
