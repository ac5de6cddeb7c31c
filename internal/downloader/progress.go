package downloader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Event is one progress notification for a download.
type Event struct {
	URL             string
	Percent         int
	BytesDownloaded int64
	// TotalBytes is -1 when the server did not announce a length.
	TotalBytes int64
	// Done is set on the single terminal event.
	Done bool
	// Err is set when the download failed.
	Err error
}

// unknownTotalStep is how often an event is emitted when the length is unknown.
const unknownTotalStep = 1 << 20

// Progress tracks the bytes of one download. It implements io.Writer for use with io.TeeReader.
// It logs at a fixed interval and forwards coalesced events to an optional callback:
// at most one event per percent point, or per MiB when the length is unknown.
type Progress struct {
	url        string
	totalBytes int64
	onProgress func(Event)
	stopCh     chan struct{}

	mutex       sync.Mutex
	bytesRead   int64
	lastPercent int
	lastEmitted int64
	done        bool
}

func NewProgress(
	ctx context.Context,
	url string,
	totalBytes int64,
	interval time.Duration,
	logger *slog.Logger,
	onProgress func(Event),
) *Progress {
	p := &Progress{
		url:         url,
		totalBytes:  totalBytes,
		onProgress:  onProgress,
		stopCh:      make(chan struct{}),
		lastPercent: -1,
	}
	if logger == nil || interval <= 0 {
		return p
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.mutex.Lock()
				bytesRead := p.bytesRead
				p.mutex.Unlock()
				logger.InfoContext(ctx, "download progress",
					"url", url,
					"bytes_read", humanize.Bytes(uint64(bytesRead)),
					"total_bytes", humanize.Bytes(uint64(max(p.totalBytes, 0))),
					"percentage", p.percent(bytesRead))
			}
		}
	}()
	return p
}

func (p *Progress) percent(bytesRead int64) int {
	if p.totalBytes <= 0 {
		return 0
	}
	return int(min(bytesRead*100/p.totalBytes, 100))
}

// Write implements the io.Writer interface.
func (p *Progress) Write(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	n := len(b)
	p.bytesRead += int64(n)
	if p.onProgress == nil || p.done {
		return n, nil
	}
	percent := p.percent(p.bytesRead)
	emit := percent > p.lastPercent
	if p.totalBytes <= 0 {
		emit = p.bytesRead-p.lastEmitted >= unknownTotalStep
	}
	// 100% is reserved for the terminal event.
	if emit && percent < 100 {
		p.lastPercent = percent
		p.lastEmitted = p.bytesRead
		p.onProgress(Event{URL: p.url, Percent: percent, BytesDownloaded: p.bytesRead, TotalBytes: p.totalBytes})
	}
	return n, nil
}

// BytesRead returns the number of bytes written so far.
func (p *Progress) BytesRead() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.bytesRead
}

// Stop ends progress logging and emits the terminal event. Only the first call has an effect.
func (p *Progress) Stop(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.done {
		return
	}
	p.done = true
	close(p.stopCh)
	if p.onProgress == nil {
		return
	}
	ev := Event{URL: p.url, Percent: max(p.lastPercent, 0), BytesDownloaded: p.bytesRead, TotalBytes: p.totalBytes, Done: true, Err: err}
	if err == nil {
		ev.Percent = 100
	}
	p.onProgress(ev)
}
