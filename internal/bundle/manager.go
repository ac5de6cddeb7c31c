// Package bundle owns the catalog of downloaded bundles and their lifecycle.
//
// Every mutation runs under the manager mutex and inside one catalog
// transaction, so readers never see two ACTIVE records, an ACTIVE record
// that the active pointer does not name, or a READY record that is not
// verified.
package bundle

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pddg/liveupdate/internal/catalog"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

// Catalog meta keys.
const (
	metaActive    = "active"
	metaPending   = "pending"
	metaConfirmed = "confirmed"
)

// BlobStore holds bundle contents keyed by bundle id.
type BlobStore interface {
	Trash(ctx context.Context, id string) (restore func() error, purge func() error, err error)
	List() ([]string, error)
	Remove(id string) error
}

type Manager struct {
	mu      sync.Mutex
	catalog catalog.Store
	blobs   BlobStore
	now     func() time.Time
}

func NewManager(cat catalog.Store, blobs BlobStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		catalog: cat,
		blobs:   blobs,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func getRecord(tx catalog.Tx, id string) (*Record, error) {
	data, err := tx.Record(id)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode bundle %s: %w: %w", id, errdefs.ErrStorage, err)
	}
	return &rec, nil
}

func putRecord(tx catalog.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode bundle %s: %w", rec.BundleID, err)
	}
	return tx.PutRecord(rec.BundleID, data)
}

func allRecords(tx catalog.Tx) ([]Record, error) {
	var records []Record
	err := tx.ForEachRecord(func(id string, data []byte) error {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode bundle %s: %w: %w", id, errdefs.ErrStorage, err)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest first.
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := b.DownloadedAt.Compare(a.DownloadedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.BundleID, a.BundleID)
	})
	return records, nil
}

// SaveBundleInfo inserts or replaces a record. ACTIVE can only be written over
// a record that is already ACTIVE; use SetActiveBundle to activate.
func (m *Manager) SaveBundleInfo(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return fmt.Errorf("bundle.Manager.SaveBundleInfo: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.catalog.Update(ctx, func(tx catalog.Tx) error {
		active, err := tx.Meta(metaActive)
		if err != nil {
			return err
		}
		isActive := active == rec.BundleID
		if rec.Status == StatusActive && !isActive {
			return fmt.Errorf("bundle %s is not active, activate it instead: %w", rec.BundleID, errdefs.ErrState)
		}
		if rec.Status != StatusActive && isActive {
			return fmt.Errorf("bundle %s is active and cannot become %s: %w", rec.BundleID, rec.Status, errdefs.ErrState)
		}
		return putRecord(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("bundle.Manager.SaveBundleInfo: %w", err)
	}
	logging.FromContext(ctx).DebugContext(ctx, "bundle saved", "bundle_id", rec.BundleID, "status", rec.Status)
	return nil
}

// GetBundle returns the record for id or an error wrapping errdefs.ErrNotFound.
func (m *Manager) GetBundle(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := m.catalog.View(ctx, func(tx catalog.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.GetBundle: %w", err)
	}
	return rec, nil
}

// GetAllBundles returns every record, newest download first.
func (m *Manager) GetAllBundles(ctx context.Context) ([]Record, error) {
	var records []Record
	err := m.catalog.View(ctx, func(tx catalog.Tx) error {
		var err error
		records, err = allRecords(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.GetAllBundles: %w", err)
	}
	return records, nil
}

// GetActiveBundle returns the active record, or nil when the builtin content is in use.
func (m *Manager) GetActiveBundle(ctx context.Context) (*Record, error) {
	var rec *Record
	err := m.catalog.View(ctx, func(tx catalog.Tx) error {
		var err error
		rec, err = activeRecord(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.GetActiveBundle: %w", err)
	}
	return rec, nil
}

func activeRecord(tx catalog.Tx) (*Record, error) {
	id, err := tx.Meta(metaActive)
	if err != nil || id == "" {
		return nil, err
	}
	return getRecord(tx, id)
}

// SetActiveBundle demotes the current active record to READY and promotes id
// to ACTIVE in one transaction. id must be READY.
func (m *Manager) SetActiveBundle(ctx context.Context, id string, opts ...ActivateOption) (*Record, error) {
	var o activateOptions
	for _, opt := range opts {
		opt(&o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *Record
	var previousID string
	err := m.catalog.Update(ctx, func(tx catalog.Tx) error {
		var err error
		target, err = getRecord(tx, id)
		if err != nil {
			return err
		}
		if target.Status == StatusActive {
			return nil
		}
		if target.Status != StatusReady || !target.Verified {
			return fmt.Errorf("bundle %s is %s, not READY: %w", id, target.Status, errdefs.ErrState)
		}
		previous, err := activeRecord(tx)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
		if previous != nil {
			previousID = previous.BundleID
			previous.Status = StatusReady
			if err := putRecord(tx, previous); err != nil {
				return err
			}
		}
		target.Status = StatusActive
		if err := putRecord(tx, target); err != nil {
			return err
		}
		if err := tx.PutMeta(metaActive, id); err != nil {
			return err
		}
		if !o.pendingConfirmation {
			return tx.DeleteMeta(metaPending)
		}
		// Keep the original fallback when activations stack up before a confirmation.
		if current, err := pendingMarker(tx); err == nil && current != nil {
			previousID = current.PreviousBundleID
		}
		return putPending(tx, &Pending{
			BundleID:         id,
			PreviousBundleID: previousID,
			ActivatedAt:      m.now().UTC(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.SetActiveBundle: %w", err)
	}
	logging.FromContext(ctx).InfoContext(ctx, "bundle activated",
		"bundle_id", id, "version", target.Version, "previous_bundle_id", previousID)
	return target, nil
}

func pendingMarker(tx catalog.Tx) (*Pending, error) {
	raw, err := tx.Meta(metaPending)
	if err != nil || raw == "" {
		return nil, err
	}
	var p Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending marker: %w: %w", errdefs.ErrStorage, err)
	}
	return &p, nil
}

func putPending(tx catalog.Tx, p *Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.PutMeta(metaPending, string(data))
}

// Pending returns the unconfirmed activation, or nil.
func (m *Manager) Pending(ctx context.Context) (*Pending, error) {
	var p *Pending
	err := m.catalog.View(ctx, func(tx catalog.Tx) error {
		var err error
		p, err = pendingMarker(tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.Pending: %w", err)
	}
	return p, nil
}

// Confirmed returns the id of the last bundle the application confirmed, or "".
func (m *Manager) Confirmed(ctx context.Context) (string, error) {
	var id string
	err := m.catalog.View(ctx, func(tx catalog.Tx) error {
		var err error
		id, err = tx.Meta(metaConfirmed)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("bundle.Manager.Confirmed: %w", err)
	}
	return id, nil
}

// ConfirmActive records the active bundle as stable and clears the pending marker.
// With no active bundle it only clears the marker.
func (m *Manager) ConfirmActive(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active *Record
	err := m.catalog.Update(ctx, func(tx catalog.Tx) error {
		var err error
		active, err = activeRecord(tx)
		if err != nil {
			return err
		}
		if err := tx.DeleteMeta(metaPending); err != nil {
			return err
		}
		if active == nil {
			return tx.DeleteMeta(metaConfirmed)
		}
		return tx.PutMeta(metaConfirmed, active.BundleID)
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.ConfirmActive: %w", err)
	}
	return active, nil
}

// RollbackResult describes what Rollback changed.
type RollbackResult struct {
	// Failed is the id of the unconfirmed bundle that was marked FAILED.
	Failed string
	// Restored is the re-activated confirmed bundle, or nil when the builtin content is used.
	Restored *Record
}

// Rollback reverts an unconfirmed activation: the pending bundle is marked
// FAILED and the last confirmed bundle becomes active again. Without a pending
// marker Rollback does nothing and returns nil.
func (m *Manager) Rollback(ctx context.Context, opts ...RollbackOption) (*RollbackResult, error) {
	var o rollbackOptions
	for _, opt := range opts {
		opt(&o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result *RollbackResult
	err := m.catalog.Update(ctx, func(tx catalog.Tx) error {
		pending, err := pendingMarker(tx)
		if err != nil || pending == nil {
			return err
		}
		if o.expected != "" && o.expected != pending.BundleID {
			return nil
		}
		result = &RollbackResult{Failed: pending.BundleID}
		if failed, err := getRecord(tx, pending.BundleID); err == nil {
			failed.Status = StatusFailed
			if err := putRecord(tx, failed); err != nil {
				return err
			}
		} else if !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
		if err := tx.DeleteMeta(metaActive); err != nil {
			return err
		}
		if err := tx.DeleteMeta(metaPending); err != nil {
			return err
		}
		confirmedID, err := tx.Meta(metaConfirmed)
		if err != nil {
			return err
		}
		if confirmedID == "" || confirmedID == pending.BundleID {
			return nil
		}
		restored, err := getRecord(tx, confirmedID)
		if errors.Is(err, errdefs.ErrNotFound) {
			return tx.DeleteMeta(metaConfirmed)
		}
		if err != nil {
			return err
		}
		if restored.Status != StatusReady && restored.Status != StatusActive {
			return nil
		}
		restored.Status = StatusActive
		if err := putRecord(tx, restored); err != nil {
			return err
		}
		result.Restored = restored
		return tx.PutMeta(metaActive, restored.BundleID)
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.Rollback: %w", err)
	}
	if result != nil {
		logger := logging.FromContext(ctx)
		if result.Restored != nil {
			logger.WarnContext(ctx, "rolled back unconfirmed bundle",
				"failed_bundle_id", result.Failed, "restored_bundle_id", result.Restored.BundleID, "version", result.Restored.Version)
		} else {
			logger.WarnContext(ctx, "rolled back unconfirmed bundle to builtin content", "failed_bundle_id", result.Failed)
		}
	}
	return result, nil
}

// DeleteBundle removes the record and its contents. Deleting a missing bundle
// succeeds. The active bundle is refused unless WithForce is given, in which
// case the builtin content becomes active.
func (m *Manager) DeleteBundle(ctx context.Context, id string, opts ...DeleteOption) error {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteLocked(ctx, id, o.force); err != nil {
		return fmt.Errorf("bundle.Manager.DeleteBundle: %w", err)
	}
	return nil
}

// deleteLocked moves the contents aside, drops the catalog entry and then
// purges the contents. A failed catalog write puts the contents back.
func (m *Manager) deleteLocked(ctx context.Context, id string, force bool) error {
	logger := logging.FromContext(ctx)
	rec, err := m.GetBundle(ctx, id)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}
	if rec != nil && rec.Status == StatusActive && !force {
		return fmt.Errorf("bundle %s is active: %w", id, errdefs.ErrState)
	}
	restore, purge, err := m.blobs.Trash(ctx, id)
	if err != nil {
		return err
	}
	err = m.catalog.Update(ctx, func(tx catalog.Tx) error {
		if err := tx.DeleteRecord(id); err != nil {
			return err
		}
		for _, key := range []string{metaActive, metaConfirmed} {
			v, err := tx.Meta(key)
			if err != nil {
				return err
			}
			if v == id {
				if err := tx.DeleteMeta(key); err != nil {
					return err
				}
			}
		}
		if p, err := pendingMarker(tx); err != nil {
			return err
		} else if p != nil && p.BundleID == id {
			return tx.DeleteMeta(metaPending)
		}
		return nil
	})
	if err != nil {
		if restoreErr := restore(); restoreErr != nil {
			logger.ErrorContext(ctx, "failed to restore bundle contents", "bundle_id", id, "error", restoreErr)
		}
		return err
	}
	if err := purge(); err != nil {
		// The record is gone; leftovers in the trash are swept at the next start.
		logger.WarnContext(ctx, "failed to purge bundle contents", "bundle_id", id, "error", err)
	}
	if rec != nil {
		logger.InfoContext(ctx, "bundle deleted", "bundle_id", id, "version", rec.Version, "size", humanize.Bytes(uint64(max(rec.SizeBytes, 0))))
	}
	return nil
}

// CleanupOldBundles keeps the keep most recently downloaded non-active bundles
// and deletes the rest, oldest first. Bundles still downloading are left alone.
func (m *Manager) CleanupOldBundles(ctx context.Context, keep int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates, err := m.removable(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.CleanupOldBundles: %w", err)
	}
	if keep < 0 {
		keep = 0
	}
	if len(candidates) <= keep {
		return nil, nil
	}
	victims := candidates[keep:]
	slices.Reverse(victims)
	deleted, err := m.deleteAllLocked(ctx, victims, false)
	if err != nil {
		return deleted, fmt.Errorf("bundle.Manager.CleanupOldBundles: %w", err)
	}
	return deleted, nil
}

// CleanupOlderThan deletes non-active bundles downloaded more than age ago.
func (m *Manager) CleanupOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates, err := m.removable(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.CleanupOlderThan: %w", err)
	}
	cutoff := m.now().Add(-age)
	var victims []Record
	for _, rec := range slices.Backward(candidates) {
		if rec.DownloadedAt.Before(cutoff) {
			victims = append(victims, rec)
		}
	}
	deleted, err := m.deleteAllLocked(ctx, victims, false)
	if err != nil {
		return deleted, fmt.Errorf("bundle.Manager.CleanupOlderThan: %w", err)
	}
	return deleted, nil
}

// removable lists records that retention may delete, newest first.
func (m *Manager) removable(ctx context.Context) ([]Record, error) {
	records, err := m.GetAllBundles(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(records, func(r Record) bool {
		return r.Status == StatusActive || r.Status.InFlight()
	}), nil
}

func (m *Manager) deleteAllLocked(ctx context.Context, victims []Record, force bool) ([]string, error) {
	deleted := make([]string, 0, len(victims))
	for _, rec := range victims {
		if err := m.deleteLocked(ctx, rec.BundleID, force); err != nil {
			return deleted, err
		}
		deleted = append(deleted, rec.BundleID)
	}
	return deleted, nil
}

// PurgeIncomplete deletes records left PENDING or DOWNLOADING by an interrupted process.
func (m *Manager) PurgeIncomplete(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.GetAllBundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.PurgeIncomplete: %w", err)
	}
	incomplete := slices.DeleteFunc(records, func(r Record) bool { return !r.Status.InFlight() })
	deleted, err := m.deleteAllLocked(ctx, incomplete, false)
	if err != nil {
		return deleted, fmt.Errorf("bundle.Manager.PurgeIncomplete: %w", err)
	}
	return deleted, nil
}

// RemoveOrphans deletes stored contents that no record refers to.
func (m *Manager) RemoveOrphans(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, err := m.blobs.List()
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.RemoveOrphans: %w", err)
	}
	var orphans []string
	err = m.catalog.View(ctx, func(tx catalog.Tx) error {
		for _, id := range ids {
			_, err := tx.Record(id)
			if errors.Is(err, errdefs.ErrNotFound) {
				orphans = append(orphans, id)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle.Manager.RemoveOrphans: %w", err)
	}
	for _, id := range orphans {
		logging.FromContext(ctx).InfoContext(ctx, "removing orphaned bundle contents", "bundle_id", id)
		if err := m.blobs.Remove(id); err != nil {
			return nil, fmt.Errorf("bundle.Manager.RemoveOrphans: %w", err)
		}
	}
	return orphans, nil
}

// Reset deletes every bundle and clears the pointers, returning to the builtin content.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.GetAllBundles(ctx)
	if err != nil {
		return fmt.Errorf("bundle.Manager.Reset: %w", err)
	}
	if _, err := m.deleteAllLocked(ctx, records, true); err != nil {
		return fmt.Errorf("bundle.Manager.Reset: %w", err)
	}
	err = m.catalog.Update(ctx, func(tx catalog.Tx) error {
		return errors.Join(
			tx.DeleteMeta(metaActive),
			tx.DeleteMeta(metaPending),
			tx.DeleteMeta(metaConfirmed),
		)
	})
	if err != nil {
		return fmt.Errorf("bundle.Manager.Reset: %w", err)
	}
	logging.FromContext(ctx).WarnContext(ctx, "all bundles removed", "count", len(records))
	return nil
}
