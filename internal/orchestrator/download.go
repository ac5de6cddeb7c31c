package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/downloader"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/manifest"
	"github.com/pddg/liveupdate/internal/security"
	"github.com/pddg/liveupdate/internal/version"
)

// Download fetches the bundle described by m, validates it and stores it as
// READY. The download URL is checked against the security policy before any
// request is made. A bundle that fails validation is discarded together with
// its catalog entry and the typed error is returned. Local I/O failures leave
// the record FAILED.
func (o *Orchestrator) Download(ctx context.Context, m *manifest.Manifest) (*bundle.Record, error) {
	rec, err := o.download(ctx, o.snapshot(), m)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Orchestrator.Download: %w", err)
	}
	return rec, nil
}

func (o *Orchestrator) download(ctx context.Context, snap *snapshot, m *manifest.Manifest) (_ *bundle.Record, err error) {
	cfg := snap.cfg
	if m == nil {
		return nil, fmt.Errorf("no manifest: %w", errdefs.ErrServer)
	}
	if err := preflight(snap, m); err != nil {
		o.publishState(StateRejected, "", m.Version, err)
		return nil, err
	}

	id := ulid.Make().String()
	ctx = logging.With(ctx, "bundle_id", id, "version", m.Version)
	logger := logging.FromContext(ctx)
	rec := &bundle.Record{
		BundleID:     id,
		Version:      m.Version,
		DownloadedAt: o.now().UTC(),
		SizeBytes:    m.Size,
		Checksum:     m.Checksum,
		Signature:    m.Signature,
		Status:       bundle.StatusDownloading,
		Metadata:     metadata(cfg.Channel, m),
	}
	if err := o.bundles.SaveBundleInfo(ctx, *rec); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			o.discard(ctx, rec, err)
		}
	}()

	logger.InfoContext(ctx, "step 1/4: download bundle", "url", m.DownloadURL)
	o.publishState(StateDownloading, id, m.Version, nil)
	artifact, err := snap.downloader.Download(ctx, m.DownloadURL, o.store.StagingDir(),
		downloader.WithMaxBytes(cfg.MaxBundleSize),
		downloader.WithProgressFunc(func(ev downloader.Event) {
			o.publishProgress(id, m.Version, ev)
		}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := artifact.Remove(); rmErr != nil {
			logger.WarnContext(ctx, "failed to remove downloaded archive", "path", artifact.Path, "error", rmErr)
		}
	}()

	logger.InfoContext(ctx, "step 2/4: validate bundle", "size", humanize.Bytes(uint64(artifact.Size)))
	o.publishState(StateValidating, id, m.Version, nil)
	checksum, err := validate(snap, m, artifact)
	if err != nil {
		o.publishState(StateRejected, id, m.Version, err)
		return nil, err
	}

	logger.InfoContext(ctx, "step 3/4: unarchive bundle")
	staged, err := o.store.NewStaging()
	if err != nil {
		return nil, err
	}
	if err := snap.unarchiver.Unarchive(ctx, artifact.Path, m.DownloadURL, staged); err != nil {
		if errdefs.IsIntegrity(err) {
			o.publishState(StateRejected, id, m.Version, err)
		}
		return nil, err
	}

	logger.InfoContext(ctx, "step 4/4: commit bundle")
	path, err := o.store.Commit(ctx, staged, id)
	if err != nil {
		_ = os.RemoveAll(staged)
		return nil, err
	}
	rec.StoragePath = path
	rec.SizeBytes = artifact.Size
	rec.Checksum = checksum
	rec.Verified = true
	rec.Status = bundle.StatusReady
	if err := o.bundles.SaveBundleInfo(ctx, *rec); err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "bundle ready", "path", path)
	o.publishState(StateReady, id, m.Version, nil)
	return rec, nil
}

// preflight checks what can be checked before any byte is downloaded.
func preflight(snap *snapshot, m *manifest.Manifest) error {
	if m.DownloadURL == "" || m.Checksum == "" {
		return fmt.Errorf("manifest without download url or checksum: %w", errdefs.ErrServer)
	}
	if !version.IsValid(m.Version) {
		return fmt.Errorf("manifest version %q is not a semantic version: %w", m.Version, errdefs.ErrServer)
	}
	if err := snap.validator.ValidateURL(m.DownloadURL, snap.cfg.EnforceHTTPS); err != nil {
		return err
	}
	if m.Size != 0 {
		if err := snap.validator.ValidateSize(m.Size, m.Size, snap.cfg.MaxBundleSize); err != nil {
			return err
		}
	}
	if snap.validator.RequireSignature() && m.Signature == "" {
		return fmt.Errorf("manifest for %s has no signature: %w", m.Version, errdefs.ErrSignature)
	}
	return nil
}

// validate runs every integrity check over the downloaded archive and
// returns the algorithm-tagged checksum to record.
func validate(snap *snapshot, m *manifest.Manifest, artifact *downloader.Artifact) (string, error) {
	v := snap.validator
	if err := v.ValidateSize(m.Size, artifact.Size, snap.cfg.MaxBundleSize); err != nil {
		return "", err
	}
	f, err := artifact.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w: %w", errdefs.ErrStorage, err)
	}
	defer f.Close()
	algorithm, expected, err := security.ParseChecksum(m.Checksum, snap.cfg.ChecksumAlgorithm)
	if err != nil {
		return "", err
	}
	if err := v.ValidateChecksum(f, expected, algorithm); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w: %w", errdefs.ErrStorage, err)
	}
	if err := v.VerifySignature(f, m.Signature); err != nil {
		return "", err
	}
	return string(algorithm) + ":" + strings.ToLower(expected), nil
}

// discard cleans up after a failed download. Storage failures keep the
// record as FAILED; anything else removes it, so rejected or cancelled
// downloads leave no catalog entry behind.
func (o *Orchestrator) discard(ctx context.Context, rec *bundle.Record, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx)
	canceled := errors.Is(cause, errdefs.ErrCanceled) || errors.Is(cause, context.Canceled)
	if !canceled && errors.Is(cause, errdefs.ErrStorage) && !errdefs.IsIntegrity(cause) {
		failed := *rec
		failed.Status = bundle.StatusFailed
		failed.Verified = false
		if err := o.bundles.SaveBundleInfo(ctx, failed); err != nil {
			logger.ErrorContext(ctx, "failed to mark bundle as failed", "error", err)
		}
		return
	}
	if err := o.bundles.DeleteBundle(ctx, rec.BundleID); err != nil {
		logger.ErrorContext(ctx, "failed to discard bundle", "error", err)
	}
}

func metadata(channel string, m *manifest.Manifest) map[string]string {
	md := map[string]string{
		"channel":     channel,
		"downloadUrl": m.DownloadURL,
	}
	if m.Channel != "" {
		md["channel"] = m.Channel
	}
	if m.ReleaseNotes != "" {
		md["releaseNotes"] = m.ReleaseNotes
	}
	if m.Mandatory {
		md["mandatory"] = strconv.FormatBool(m.Mandatory)
	}
	return md
}

func (o *Orchestrator) publishProgress(id, ver string, ev downloader.Event) {
	out := events.Event{
		Kind:     events.DownloadProgress,
		Time:     o.now(),
		BundleID: id,
		Version:  ver,
		Progress: &events.Progress{
			Percent:         ev.Percent,
			BytesDownloaded: ev.BytesDownloaded,
			TotalBytes:      ev.TotalBytes,
			Done:            ev.Done,
		},
	}
	if ev.Err != nil {
		out.Message = ev.Err.Error()
		out.ErrorKind = errdefs.Kind(ev.Err)
	}
	o.bus.Publish(out)
}
