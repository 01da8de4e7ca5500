package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
)

// Entry is one current value
type Entry struct {
	Name      string
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}

type entry struct {
	name       string
	labelNames []string // sorted
	labelVals  []string // in labelNames order
	value      float64
	updatedAt  time.Time
}

func (e entry) export() Entry {
	labels := make(map[string]string, len(e.labelNames))
	for i, n := range e.labelNames {
		labels[n] = e.labelVals[i]
	}
	return Entry{Name: e.name, Labels: labels, Value: e.value, UpdatedAt: e.updatedAt}
}

// Registry holds the latest value of every (metric name, label set) and
// exposes them as gauges. Entries survive cycles in which their resource
// failed; a value is only replaced by a newer one.
type Registry struct {
	clock      clock.Clock
	staleAfter time.Duration

	mu         sync.RWMutex
	entries    map[string]entry
	help       map[string]string
	lastCommit time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithClock sets the time source for entry timestamps
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithStaleAfter drops entries not updated for d. Zero keeps entries forever.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAfter = d }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:   clock.RealClock{},
		entries: make(map[string]entry),
		help:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// key identifies a series independent of label order
func key(name string, labels map[string]string) (string, []string, []string) {
	names := make([]string, 0, len(labels))
	for n := range labels {
		names = append(names, n)
	}
	sort.Strings(names)

	vals := make([]string, len(names))
	var b strings.Builder
	b.WriteString(name)
	for i, n := range names {
		vals[i] = labels[n]
		b.WriteByte(0xff)
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(vals[i])
	}
	return b.String(), names, vals
}

// Set stores value for the series, replacing any previous value
func (r *Registry) Set(name string, labels map[string]string, value float64) {
	k, names, vals := key(name, labels)
	now := r.clock.Now()

	r.mu.Lock()
	r.entries[k] = entry{name: name, labelNames: names, labelVals: vals, value: value, updatedAt: now}
	r.mu.Unlock()
}

// Commit stores every sample under one lock and records the commit time
func (r *Registry) Commit(samples []resource.Sample) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		k, names, vals := key(s.Name, s.Labels)
		r.entries[k] = entry{name: s.Name, labelNames: names, labelVals: vals, value: s.Value, updatedAt: now}
	}
	r.lastCommit = now
}

// SetHelp sets the help text exported for name
func (r *Registry) SetHelp(name, help string) {
	r.mu.Lock()
	r.help[name] = help
	r.mu.Unlock()
}

// Get returns the current value of the series
func (r *Registry) Get(name string, labels map[string]string) (float64, bool) {
	k, _, _ := key(name, labels)

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[k]
	return e.value, ok
}

// Delete removes the series and reports whether it existed
func (r *Registry) Delete(name string, labels map[string]string) bool {
	k, _, _ := key(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[k]
	delete(r.entries, k)
	return ok
}

// Len returns the number of series
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LastCommit returns the time of the last Commit, zero if none
func (r *Registry) LastCommit() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCommit
}

// Snapshot returns a copy of every entry sorted by name and labels
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.entries[k].export())
	}
	r.mu.RUnlock()
	return out
}

// Evict drops entries older than the stale-after window and returns how many were dropped
func (r *Registry) Evict() int {
	if r.staleAfter <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if e.updatedAt.Before(cutoff) {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Describe implements prometheus.Collector. The series set changes at runtime,
// so the registry registers as an unchecked collector.
func (r *Registry) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make(map[string]*prometheus.Desc)
	for _, e := range r.entries {
		descKey := e.name + "\xff" + strings.Join(e.labelNames, ",")
		desc, ok := descs[descKey]
		if !ok {
			help := r.help[e.name]
			if help == "" {
				help = "Azure Monitor metric " + e.name
			}
			desc = prometheus.NewDesc(e.name, help, e.labelNames, nil)
			descs[descKey] = desc
		}

		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, e.value, e.labelVals...)
		if err != nil {
			m = prometheus.NewInvalidMetric(desc, err)
		}
		ch <- m
	}
}
