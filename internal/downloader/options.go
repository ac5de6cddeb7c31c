package downloader

import "time"

type DownloaderOption func(*Downloader)

// WithoutProgress disables the progress logging of the downloader.
func WithoutProgress() DownloaderOption {
	return func(d *Downloader) {
		d.hideProgress = true
	}
}

// WithProgressInterval sets the interval at which the progress of the download is logged.
// The default is 10 seconds.
func WithProgressInterval(interval time.Duration) DownloaderOption {
	return func(d *Downloader) {
		d.progressInterval = interval
	}
}

// WithDownloadSpeedLimit sets the download speed limit in bytes per second.
// Zero or a negative value means unlimited.
func WithDownloadSpeedLimit(limit float64) DownloaderOption {
	return func(d *Downloader) {
		if limit > 0 {
			d.limitDownloadBytesPerSec = limit
		}
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) DownloaderOption {
	return func(d *Downloader) {
		d.policy = policy
	}
}

type downloadOptions struct {
	onProgress func(Event)
	maxBytes   int64
}

type DownloadOption func(*downloadOptions)

// WithProgressFunc receives progress events for this download.
// Events arrive in order with non-decreasing percent and end with exactly one Done event.
func WithProgressFunc(fn func(Event)) DownloadOption {
	return func(o *downloadOptions) {
		o.onProgress = fn
	}
}

// WithMaxBytes aborts the download once more than n bytes have been received.
func WithMaxBytes(n int64) DownloadOption {
	return func(o *downloadOptions) {
		o.maxBytes = n
	}
}
