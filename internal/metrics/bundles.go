package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/logging"
)

type Catalog interface {
	List(ctx context.Context) ([]bundle.Record, error)
}

// BundleMetrics is a prometheus.Collector that reports the bundles in the catalog.
// The catalog is read when the collector is created and on every tick
// (every 30 seconds by default), so a scrape never waits for the catalog.
type BundleMetrics struct {
	// ctx is used for catalog reads. prometheus gives Collect no context.
	ctx     context.Context
	catalog Catalog

	bundlesDesc *prometheus.Desc
	activeDesc  *prometheus.Desc

	mutex  sync.Mutex
	counts map[bundle.Status]int
	active *bundle.Record

	ticker <-chan time.Time
}

func NewBundleMetrics(
	ctx context.Context,
	catalog Catalog,
	options ...BundleMetricsOption,
) *BundleMetrics {
	ticker := time.NewTicker(30 * time.Second)
	bm := &BundleMetrics{
		ctx:     ctx,
		catalog: catalog,
		ticker:  ticker.C,
		counts:  map[bundle.Status]int{},
		bundlesDesc: prometheus.NewDesc(
			"liveupdate_bundles",
			"Number of bundles in the catalog by status",
			[]string{"status"},
			nil,
		),
		activeDesc: prometheus.NewDesc(
			"liveupdate_active_bundle_info",
			"Active bundle. Absent while the builtin content is served",
			[]string{"bundle_id", "version"},
			nil,
		),
	}
	for _, option := range options {
		option(bm)
	}
	bm.refresh()
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-bm.ticker:
				bm.refresh()
			}
		}
	}()
	return bm
}

func (bm *BundleMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- bm.bundlesDesc
	ch <- bm.activeDesc
}

func (bm *BundleMetrics) Collect(ch chan<- prometheus.Metric) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()
	for _, status := range bundle.Statuses {
		ch <- prometheus.MustNewConstMetric(
			bm.bundlesDesc,
			prometheus.GaugeValue,
			float64(bm.counts[status]),
			string(status),
		)
	}
	if bm.active != nil {
		ch <- prometheus.MustNewConstMetric(
			bm.activeDesc,
			prometheus.GaugeValue,
			1,
			bm.active.BundleID,
			bm.active.Version,
		)
	}
}

func (bm *BundleMetrics) refresh() {
	records, err := bm.catalog.List(bm.ctx)
	if err != nil {
		logging.FromContext(bm.ctx).WarnContext(bm.ctx, "failed to list bundles", "error", err)
		return
	}
	counts := make(map[bundle.Status]int, len(bundle.Statuses))
	var active *bundle.Record
	for i, rec := range records {
		counts[rec.Status]++
		if rec.Status == bundle.StatusActive {
			active = &records[i]
		}
	}
	bm.mutex.Lock()
	defer bm.mutex.Unlock()
	bm.counts = counts
	bm.active = active
}
