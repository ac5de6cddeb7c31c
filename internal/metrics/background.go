package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pddg/liveupdate/internal/scheduler"
)

type Scheduler interface {
	Status() scheduler.Status
}

// BackgroundMetrics is a prometheus.Collector that exposes the scheduler status.
type BackgroundMetrics struct {
	scheduler Scheduler

	checksDesc    *prometheus.Desc
	failuresDesc  *prometheus.Desc
	lastCheckDesc *prometheus.Desc
	nextCheckDesc *prometheus.Desc
	runningDesc   *prometheus.Desc
	enabledDesc   *prometheus.Desc
}

func NewBackgroundMetrics(s Scheduler) *BackgroundMetrics {
	return &BackgroundMetrics{
		scheduler: s,
		checksDesc: prometheus.NewDesc(
			"liveupdate_background_checks_total",
			"Number of background update checks run",
			nil,
			nil,
		),
		failuresDesc: prometheus.NewDesc(
			"liveupdate_background_failures_total",
			"Number of background update checks that failed",
			nil,
			nil,
		),
		lastCheckDesc: prometheus.NewDesc(
			"liveupdate_background_last_check_timestamp_seconds",
			"Timestamp of the last successful background check in seconds",
			nil,
			nil,
		),
		nextCheckDesc: prometheus.NewDesc(
			"liveupdate_background_next_check_timestamp_seconds",
			"Timestamp of the next scheduled background check in seconds",
			nil,
			nil,
		),
		runningDesc: prometheus.NewDesc(
			"liveupdate_background_running",
			"Whether a background check is running",
			nil,
			nil,
		),
		enabledDesc: prometheus.NewDesc(
			"liveupdate_background_enabled",
			"Whether background checks are enabled",
			nil,
			nil,
		),
	}
}

func (m *BackgroundMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.checksDesc
	ch <- m.failuresDesc
	ch <- m.lastCheckDesc
	ch <- m.nextCheckDesc
	ch <- m.runningDesc
	ch <- m.enabledDesc
}

func (m *BackgroundMetrics) Collect(ch chan<- prometheus.Metric) {
	status := m.scheduler.Status()
	ch <- prometheus.MustNewConstMetric(m.checksDesc, prometheus.CounterValue, float64(status.CheckCount))
	ch <- prometheus.MustNewConstMetric(m.failuresDesc, prometheus.CounterValue, float64(status.FailureCount))
	ch <- prometheus.MustNewConstMetric(m.lastCheckDesc, prometheus.GaugeValue, timestamp(status.LastCheckTime))
	ch <- prometheus.MustNewConstMetric(m.nextCheckDesc, prometheus.GaugeValue, timestamp(status.NextCheckTime))
	ch <- prometheus.MustNewConstMetric(m.runningDesc, prometheus.GaugeValue, boolean(status.IsRunning))
	ch <- prometheus.MustNewConstMetric(m.enabledDesc, prometheus.GaugeValue, boolean(status.Enabled))
}

func timestamp(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix())
}

func boolean(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
