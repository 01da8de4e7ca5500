package collector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
	"github.com/zgpcy/azure-webapp-exporter/internal/version"
)

// workerState is the last reported cycle of one worker
type workerState struct {
	result     CycleResult
	reportedAt time.Time
}

// WorkerSummary is the last cycle of one worker, for the status page
type WorkerSummary struct {
	Name      string
	Attempted int
	Succeeded int
	Failed    int
	Duration  time.Duration
	At        time.Time
	Error     string // Combined failures of the cycle, empty when none
}

// Tracker implements prometheus.Collector for the exporter's own metrics
// and holds the readiness state served by /ready
type Tracker struct {
	clock       clock.Clock
	seriesCount func() int

	upMetric            *prometheus.Desc
	cycleDurationMetric *prometheus.Desc
	lastCycleTimeMetric *prometheus.Desc
	resourcesMetric     *prometheus.Desc
	seriesCountMetric   *prometheus.Desc
	fetchErrorsTotal    *prometheus.CounterVec
	cyclesTotal         *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec

	mu        sync.RWMutex
	workers   map[string]*workerState
	expected  map[string]bool
	lastCycle time.Time
}

// NewTracker creates a Tracker. seriesCount reports the number of series in the metric store.
func NewTracker(seriesCount func() int) *Tracker {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "azure_webapp_exporter_build_info",
			Help: "Build version information",
		},
		[]string{"version", "git_commit", "build_date", "go_version"},
	)

	versionInfo := version.Info()
	buildInfo.With(prometheus.Labels{
		"version":    versionInfo["version"],
		"git_commit": versionInfo["git_commit"],
		"build_date": versionInfo["build_date"],
		"go_version": versionInfo["go_version"],
	}).Set(1)

	if seriesCount == nil {
		seriesCount = func() int { return 0 }
	}

	return &Tracker{
		clock:       clock.RealClock{},
		seriesCount: seriesCount,
		upMetric: prometheus.NewDesc(
			"azure_webapp_exporter_up",
			"Whether the last collection cycle of the worker fetched at least one resource (1 = success, 0 = failure)",
			[]string{"worker"},
			nil,
		),
		cycleDurationMetric: prometheus.NewDesc(
			"azure_webapp_exporter_cycle_duration_seconds",
			"Duration of the last collection cycle in seconds",
			[]string{"worker"},
			nil,
		),
		lastCycleTimeMetric: prometheus.NewDesc(
			"azure_webapp_exporter_last_cycle_timestamp_seconds",
			"Unix timestamp of the end of the last collection cycle",
			[]string{"worker"},
			nil,
		),
		resourcesMetric: prometheus.NewDesc(
			"azure_webapp_exporter_cycle_resources",
			"Resource fetches of the last collection cycle by result",
			[]string{"worker", "result"},
			nil,
		),
		seriesCountMetric: prometheus.NewDesc(
			"azure_webapp_exporter_series_count",
			"Number of Azure metric series currently held",
			nil,
			nil,
		),
		fetchErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "azure_webapp_exporter_fetch_errors_total",
				Help: "Total number of failed resource fetches since startup by error kind",
			},
			[]string{"worker", "kind"},
		),
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "azure_webapp_exporter_cycles_total",
				Help: "Total number of completed collection cycles",
			},
			[]string{"worker"},
		),
		buildInfo: buildInfo,
		workers:   make(map[string]*workerState),
		expected:  make(map[string]bool),
	}
}

// Expect registers a worker whose cycles gate readiness
func (t *Tracker) Expect(worker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected[worker] = true
}

// Report records the outcome of one cycle
func (t *Tracker) Report(worker string, res CycleResult) {
	t.cyclesTotal.WithLabelValues(worker).Inc()
	for _, fe := range res.Failures {
		t.fetchErrorsTotal.WithLabelValues(worker, failure.KindOf(fe).String()).Inc()
	}

	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[worker] = &workerState{result: res, reportedAt: now}
	t.lastCycle = now
}

// IsReady returns true once every expected worker committed a cycle that
// did not fail completely
func (t *Tracker) IsReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.workers) == 0 {
		return false
	}
	for name := range t.expected {
		if _, ok := t.workers[name]; !ok {
			return false
		}
	}
	for _, w := range t.workers {
		if w.result.FailedCompletely() {
			return false
		}
	}
	return true
}

// LastError combines the errors of the last cycle of every worker, prefixed
// with the worker name. It is nil when every last cycle succeeded.
func (t *Tracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.workers))
	for name := range t.workers {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	for _, name := range names {
		if werr := t.workers[name].result.Err; werr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, werr))
		}
	}
	return err
}

// LastScrapeTime returns the time of the last reported cycle
func (t *Tracker) LastScrapeTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastCycle
}

// SeriesCount returns the number of series in the metric store
func (t *Tracker) SeriesCount() int {
	return t.seriesCount()
}

// Workers returns the last cycle of every worker sorted by name
func (t *Tracker) Workers() []WorkerSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WorkerSummary, 0, len(t.workers))
	for name, w := range t.workers {
		ws := WorkerSummary{
			Name:      name,
			Attempted: w.result.Attempted,
			Succeeded: w.result.Succeeded,
			Failed:    w.result.Failed,
			Duration:  w.result.Duration,
			At:        w.reportedAt,
		}
		if w.result.Err != nil {
			ws.Error = w.result.Err.Error()
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe implements prometheus.Collector
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.upMetric
	ch <- t.cycleDurationMetric
	ch <- t.lastCycleTimeMetric
	ch <- t.resourcesMetric
	ch <- t.seriesCountMetric
	t.fetchErrorsTotal.Describe(ch)
	t.cyclesTotal.Describe(ch)
	t.buildInfo.Describe(ch)
}

// Collect implements prometheus.Collector
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	t.mu.RLock()
	for name, w := range t.workers {
		upValue := 1.0
		if w.result.FailedCompletely() {
			upValue = 0.0
		}
		ch <- prometheus.MustNewConstMetric(t.upMetric, prometheus.GaugeValue, upValue, name)
		ch <- prometheus.MustNewConstMetric(t.cycleDurationMetric, prometheus.GaugeValue, w.result.Duration.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(t.lastCycleTimeMetric, prometheus.GaugeValue, float64(w.reportedAt.Unix()), name)
		ch <- prometheus.MustNewConstMetric(t.resourcesMetric, prometheus.GaugeValue, float64(w.result.Succeeded), name, "success")
		ch <- prometheus.MustNewConstMetric(t.resourcesMetric, prometheus.GaugeValue, float64(w.result.Failed), name, "failure")
	}
	t.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(t.seriesCountMetric, prometheus.GaugeValue, float64(t.seriesCount()))

	t.fetchErrorsTotal.Collect(ch)
	t.cyclesTotal.Collect(ch)
	t.buildInfo.Collect(ch)
}
