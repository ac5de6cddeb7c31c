package metrics

import "time"

type BundleMetricsOption func(*BundleMetrics)

// WithTicker sets the ticker that triggers catalog reads.
// This is used to test the metrics.
func WithTicker(ticker <-chan time.Time) BundleMetricsOption {
	return func(m *BundleMetrics) {
		m.ticker = ticker
	}
}
