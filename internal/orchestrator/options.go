package orchestrator

import (
	"net/http"
	"time"

	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/downloader"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/manifest"
)

// Transport builds the network capabilities for one configuration snapshot.
type Transport func(cfg config.Config) (ManifestFetcher, Downloader)

// HTTPTransport fetches manifests and bundles with httpClient, retrying as
// the configuration says. opts are applied to every downloader it builds.
func HTTPTransport(httpClient *http.Client, opts ...downloader.DownloaderOption) Transport {
	return func(cfg config.Config) (ManifestFetcher, Downloader) {
		policy := downloader.RetryPolicy(cfg.Retry)
		options := append([]downloader.DownloaderOption{
			downloader.WithRetryPolicy(policy),
			downloader.WithDownloadSpeedLimit(cfg.DownloadSpeedLimit),
		}, opts...)
		return manifest.NewClient(httpClient, policy), downloader.New(httpClient, options...)
	}
}

type Option func(*Orchestrator)

// WithTransport replaces the default HTTP transport.
func WithTransport(transport Transport) Option {
	return func(o *Orchestrator) {
		o.transport = transport
	}
}

// WithBus publishes state and progress events to bus.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithAfterFunc replaces time.AfterFunc for the app-ready deadline.
func WithAfterFunc(after func(d time.Duration, f func()) (stop func() bool)) Option {
	return func(o *Orchestrator) {
		o.afterFunc = after
	}
}

type syncOptions struct {
	strategy config.Strategy
}

type SyncOption func(*syncOptions)

// WithStrategy overrides the configured update strategy for one sync.
func WithStrategy(strategy config.Strategy) SyncOption {
	return func(o *syncOptions) {
		o.strategy = strategy
	}
}
