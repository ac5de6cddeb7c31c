// Package downloader fetches bundle archives over HTTP into temporary files.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fujiwara/shapeio"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

type Downloader struct {
	client *retryablehttp.Client

	// Options
	// The following fields are set by the DownloaderOption functions.

	// hideProgress disables the periodic progress log.
	// Use WithoutProgress option to set this value.
	// Default is false.
	hideProgress bool

	// progressInterval sets the interval at which the progress of the download is logged.
	// Use WithProgressInterval option to set this value.
	// Default is 10 seconds.
	progressInterval time.Duration

	// limitDownloadBytesPerSec sets the download speed limit in bytes per second.
	// Use WithDownloadSpeedLimit option to set this value.
	// Default is math.MaxFloat64.
	limitDownloadBytesPerSec float64

	// policy is the retry policy of every download.
	// Use WithRetryPolicy option to set this value.
	// Default is DefaultRetryPolicy.
	policy RetryPolicy
}

// New creates a Downloader on top of httpClient.
func New(httpClient *http.Client, options ...DownloaderOption) *Downloader {
	d := &Downloader{
		progressInterval:         10 * time.Second,
		limitDownloadBytesPerSec: math.MaxFloat64,
		policy:                   DefaultRetryPolicy,
	}
	for _, opt := range options {
		opt(d)
	}
	d.client = NewRetryClient(httpClient, d.policy)
	return d
}

// Artifact is a downloaded file waiting to be verified and extracted.
type Artifact struct {
	Path string
	Size int64
}

// Open opens the artifact for reading.
func (a *Artifact) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Remove deletes the artifact. Removing twice is not an error.
func (a *Artifact) Remove() error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Download fetches url into a new temporary file in dir.
//
// Transport failures are retried according to the retry policy. Non-2xx
// responses fail with errdefs.ErrServer, transport failures with
// errdefs.ErrNetwork and cancellation of ctx with errdefs.ErrCanceled. On any
// failure the temporary file is removed before Download returns.
func (d *Downloader) Download(ctx context.Context, url string, dir string, opts ...DownloadOption) (artifact *Artifact, err error) {
	var o downloadOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.FromContext(ctx)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to create request: %w: %w", errdefs.ErrInsecureURL, err)
	}
	logger.InfoContext(ctx, "start downloading", "url", req.URL.Redacted(), "dir", dir)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to request: %w", TransportError(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to download: %w: %s", errdefs.ErrServer, resp.Status)
	}
	if o.maxBytes > 0 && resp.ContentLength > o.maxBytes {
		return nil, fmt.Errorf("downloader.Downloader.Download: %w: announced %s exceeds limit %s",
			errdefs.ErrSizeLimit, humanize.Bytes(uint64(resp.ContentLength)), humanize.Bytes(uint64(o.maxBytes)))
	}

	// The temp file lives next to its final destination so it can be renamed atomically.
	f, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to create temp file in %q: %w: %w", dir, errdefs.ErrStorage, err)
	}
	defer func() {
		if err != nil {
			// Close the file before removing it. All errors are ignored.
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	var progressLogger = logger
	if d.hideProgress {
		progressLogger = nil
	}
	progress := NewProgress(ctx, req.URL.Redacted(), resp.ContentLength, d.progressInterval, progressLogger, o.onProgress)
	defer func() { progress.Stop(err) }()

	// Limit the download speed.
	body := shapeio.NewReaderWithContext(resp.Body, ctx)
	body.SetRateLimit(d.limitDownloadBytesPerSec)
	var r io.Reader = io.TeeReader(body, progress)
	if o.maxBytes > 0 {
		// Read one byte past the limit to detect an oversized body.
		r = io.LimitReader(r, o.maxBytes+1)
	}

	written, err := io.Copy(f, r)
	if err != nil {
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to read body: %w", TransportError(ctx, err))
	}
	if o.maxBytes > 0 && written > o.maxBytes {
		return nil, fmt.Errorf("downloader.Downloader.Download: %w: body exceeds limit %s", errdefs.ErrSizeLimit, humanize.Bytes(uint64(o.maxBytes)))
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return nil, fmt.Errorf("downloader.Downloader.Download: %w: short body, got %d of %d bytes", errdefs.ErrNetwork, written, resp.ContentLength)
	}
	if err = f.Sync(); err != nil {
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to sync temp file: %w: %w", errdefs.ErrStorage, err)
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("downloader.Downloader.Download: failed to close temp file: %w: %w", errdefs.ErrStorage, err)
	}
	logger.InfoContext(ctx, "downloaded", "url", req.URL.Redacted(), "path", f.Name(), "size", humanize.Bytes(uint64(written)))
	return &Artifact{Path: f.Name(), Size: written}, nil
}
