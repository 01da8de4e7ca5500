package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgpcy/azure-webapp-exporter/internal/azure"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/credential"
	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
	"github.com/zgpcy/azure-webapp-exporter/internal/registry"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
)

type fakeTokens struct {
	issued      atomic.Int32
	invalidated atomic.Int32
	err         error
}

func (f *fakeTokens) Token(ctx context.Context, id config.Identity) (credential.Token, error) {
	if f.err != nil {
		return credential.Token{}, f.err
	}
	n := f.issued.Add(1)
	return credential.Token{Value: fmt.Sprintf("tok-%d", n), ExpiresOn: time.Now().Add(time.Hour), Key: id.Key()}, nil
}

func (f *fakeTokens) Invalidate(config.Identity) {
	f.invalidated.Add(1)
}

// fakeFetcher answers from per-method funcs and counts calls
type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	starts   []time.Time
	ends     []time.Time
	metrics  func(ref resource.Ref, group resource.MetricGroup, call int) (*azure.MetricsResponse, error)
	plan     func(ref resource.Ref) (string, error)
	getPlan  func(ref resource.Ref) (*azure.PlanDescriptor, error)
	list     func() ([]string, error)
	duration time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int)}
}

func (f *fakeFetcher) record(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	f.starts = append(f.starts, time.Now())
	return f.calls[method]
}

func (f *fakeFetcher) finish() {
	if f.duration > 0 {
		time.Sleep(f.duration)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, time.Now())
}

func (f *fakeFetcher) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeFetcher) FetchMetrics(_ context.Context, ref resource.Ref, group resource.MetricGroup, _ string) (*azure.MetricsResponse, error) {
	n := f.record("metrics")
	defer f.finish()
	if f.metrics == nil {
		return metricsResp(group.Names[0], 1), nil
	}
	return f.metrics(ref, group, n)
}

func (f *fakeFetcher) ResolvePlan(_ context.Context, ref resource.Ref, _ string) (string, error) {
	f.record("plan")
	defer f.finish()
	if f.plan == nil {
		return "plan-shop", nil
	}
	return f.plan(ref)
}

func (f *fakeFetcher) GetPlan(_ context.Context, ref resource.Ref, _ string) (*azure.PlanDescriptor, error) {
	f.record("getplan")
	defer f.finish()
	return f.getPlan(ref)
}

func (f *fakeFetcher) ListPlans(context.Context, string, string, string) ([]string, error) {
	f.record("list")
	defer f.finish()
	return f.list()
}

type recordingReporter struct {
	mu      sync.Mutex
	results []CycleResult
}

func (r *recordingReporter) Report(_ string, res CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func metricsResp(name string, avg float64) *azure.MetricsResponse {
	return &azure.MetricsResponse{
		Value: []azure.Metric{{
			Name: azure.LocalizableString{Value: name},
			Timeseries: []azure.TimeSeries{{
				Data: []azure.DataPoint{{Average: &avg}},
			}},
		}},
	}
}

func testIdentity(apps ...string) config.Identity {
	return config.Identity{
		TenantID:          "tenant",
		ClientID:          "client",
		ClientSecret:      "secret",
		SubscriptionID:    "sub",
		ResourceGroupName: "rg",
		WebAppNames:       apps,
	}
}

func requestsGroup() []resource.MetricGroup {
	return []resource.MetricGroup{{Interval: "PT5M", Timespan: "PT1H", Names: []string{"Requests"}}}
}

func newTestScheduler(opts Options, tokens TokenSource, f Fetcher, store Store, rep Reporter) *Scheduler {
	s := NewScheduler(opts, tokens, f, store, rep, logger.Discard())
	s.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return s
}

func appLabels(app, plan string) map[string]string {
	return map[string]string{
		resource.LabelResourceGroup: "rg",
		resource.LabelWebApp:        app,
		resource.LabelPlan:          plan,
	}
}

func TestRunCycle_FailureIsolatedAndRetriedNextCycle(t *testing.T) {
	f := newFakeFetcher()
	var failB atomic.Bool
	failB.Store(true)
	f.metrics = func(ref resource.Ref, _ resource.MetricGroup, _ int) (*azure.MetricsResponse, error) {
		if ref.Name == "b" && failB.Load() {
			return nil, failure.Fetch("fetch metrics", http.StatusNotFound, "not found")
		}
		return metricsResp("Requests", 42), nil
	}
	reg := registry.New()
	rep := &recordingReporter{}
	s := newTestScheduler(Options{
		Domain:         resource.KindWebApp,
		Identities:     []config.Identity{testIdentity("a", "b", "c")},
		Groups:         requestsGroup(),
		MaxConcurrency: 4,
	}, &fakeTokens{}, f, reg, rep)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.FailedCompletely())
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, failure.ErrFetch))
	assert.NotEmpty(t, res.ID)

	v, ok := reg.Get("azure_webapp_requests", appLabels("a", "plan-shop"))
	require.True(t, ok)
	assert.Equal(t, 42.0, v)
	_, ok = reg.Get("azure_webapp_requests", appLabels("b", "plan-shop"))
	assert.False(t, ok)

	failB.Store(false)
	res = s.RunCycle(context.Background())
	assert.Equal(t, 3, res.Succeeded)
	assert.NoError(t, res.Err)
	_, ok = reg.Get("azure_webapp_requests", appLabels("b", "plan-shop"))
	assert.True(t, ok)

	require.Len(t, rep.results, 2)
	assert.NotEqual(t, rep.results[0].ID, rep.results[1].ID)
}

func TestRunCycle_FailedResourceKeepsPreviousValue(t *testing.T) {
	f := newFakeFetcher()
	f.metrics = func(_ resource.Ref, _ resource.MetricGroup, call int) (*azure.MetricsResponse, error) {
		if call == 1 {
			return metricsResp("Requests", 7), nil
		}
		return nil, failure.Fetch("fetch metrics", http.StatusTooManyRequests, "throttled")
	}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
	}, &fakeTokens{}, f, reg, nil)

	s.RunCycle(context.Background())
	res := s.RunCycle(context.Background())
	assert.True(t, res.FailedCompletely())

	v, ok := reg.Get("azure_webapp_requests", appLabels("a", "plan-shop"))
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
}

func TestCall_Retries(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		maxRetries int
		wantCalls  int
	}{
		{"throttled is not retried", failure.Fetch("fetch metrics", http.StatusTooManyRequests, ""), 3, 1},
		{"not found is not retried", failure.Fetch("fetch metrics", http.StatusNotFound, ""), 3, 1},
		{"server error is retried", failure.Fetch("fetch metrics", http.StatusBadGateway, ""), 2, 3},
		{"transport is retried", failure.Transport("fetch metrics", errors.New("connection reset")), 2, 3},
		{"parse is not retried", failure.Parse("decode metrics", errors.New("bad json")), 2, 1},
		{"zero retries", failure.Transport("fetch metrics", errors.New("connection reset")), 0, 1},
		{"timeout is not retried", failure.Timeout("fetch metrics", time.Second), 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFetcher()
			f.metrics = func(resource.Ref, resource.MetricGroup, int) (*azure.MetricsResponse, error) {
				return nil, tt.err
			}
			s := newTestScheduler(Options{
				Domain:     resource.KindWebApp,
				Identities: []config.Identity{testIdentity("a")},
				Groups:     requestsGroup(),
				MaxRetries: tt.maxRetries,
			}, &fakeTokens{}, f, registry.New(), nil)

			res := s.RunCycle(context.Background())
			assert.Equal(t, 1, res.Failed)
			assert.Equal(t, tt.wantCalls, f.count("metrics"))
			assert.Equal(t, failure.KindOf(tt.err), failure.KindOf(res.Failures[0]))
		})
	}
}

func TestCall_UnauthorizedReauthenticatesOnce(t *testing.T) {
	f := newFakeFetcher()
	f.metrics = func(_ resource.Ref, _ resource.MetricGroup, call int) (*azure.MetricsResponse, error) {
		if call == 1 {
			return nil, failure.Fetch("fetch metrics", http.StatusUnauthorized, "expired")
		}
		return metricsResp("Requests", 5), nil
	}
	tokens := &fakeTokens{}
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
	}, tokens, f, registry.New(), nil)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, f.count("metrics"))
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestCall_PersistentUnauthorizedFails(t *testing.T) {
	f := newFakeFetcher()
	f.metrics = func(resource.Ref, resource.MetricGroup, int) (*azure.MetricsResponse, error) {
		return nil, failure.Fetch("fetch metrics", http.StatusUnauthorized, "")
	}
	tokens := &fakeTokens{}
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
		MaxRetries: 3,
	}, tokens, f, registry.New(), nil)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, f.count("metrics"))
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestRunCycle_TokenFailure(t *testing.T) {
	f := newFakeFetcher()
	tokens := &fakeTokens{err: failure.Auth("token exchange", errors.New("invalid client secret"))}
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a", "b")},
		Groups:     requestsGroup(),
		MaxRetries: 2,
	}, tokens, f, registry.New(), nil)

	res := s.RunCycle(context.Background())
	assert.True(t, res.FailedCompletely())
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, f.count("metrics"))
	for _, err := range res.Failures {
		assert.True(t, errors.Is(err, failure.ErrAuth))
	}
}

func TestRunSequence_Pacing(t *testing.T) {
	const delay = 40 * time.Millisecond

	f := newFakeFetcher()
	f.duration = 5 * time.Millisecond
	s := newTestScheduler(Options{
		Domain:       resource.KindWebApp,
		Identities:   []config.Identity{testIdentity("a", "b", "c")},
		Groups:       requestsGroup(),
		RequestDelay: delay,
	}, &fakeTokens{}, f, registry.New(), nil)

	s.RunCycle(context.Background())

	f.mu.Lock()
	defer f.mu.Unlock()
	// plan + metrics per app, all on one sequence
	require.Len(t, f.starts, 6)
	for i := 1; i < len(f.starts); i++ {
		gap := f.starts[i].Sub(f.ends[i-1])
		assert.GreaterOrEqual(t, gap, delay-2*time.Millisecond, "gap before request %d", i)
	}
}

func TestResolvePlan_OncePerCycle(t *testing.T) {
	f := newFakeFetcher()
	groups := []resource.MetricGroup{
		{Interval: "PT5M", Names: []string{"Requests"}},
		{Interval: "PT6H", Names: []string{"FileSystemUsage"}},
	}
	f.metrics = func(_ resource.Ref, g resource.MetricGroup, _ int) (*azure.MetricsResponse, error) {
		return metricsResp(g.Names[0], 3), nil
	}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:         resource.KindWebApp,
		Identities:     []config.Identity{testIdentity("a", "b")},
		Groups:         groups,
		MaxConcurrency: 2,
	}, &fakeTokens{}, f, reg, nil)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 2, f.count("plan"))

	s.RunCycle(context.Background())
	assert.Equal(t, 4, f.count("plan"), "plans are resolved again in the next cycle")

	_, ok := reg.Get("azure_webapp_filesystemusage", appLabels("b", "plan-shop"))
	assert.True(t, ok)
}

func TestResolvePlan_FailureUsesUnknownPlan(t *testing.T) {
	f := newFakeFetcher()
	f.plan = func(resource.Ref) (string, error) {
		return "", failure.Fetch("resolve plan", http.StatusForbidden, "denied")
	}
	f.metrics = func(resource.Ref, resource.MetricGroup, int) (*azure.MetricsResponse, error) {
		return metricsResp("Requests", 9), nil
	}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
	}, &fakeTokens{}, f, reg, nil)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Failed)

	v, ok := reg.Get("azure_webapp_requests", appLabels("a", resource.UnknownPlan))
	require.True(t, ok)
	assert.Equal(t, 9.0, v)
}

func TestCommit_ResolvedPlanDropsUnknownPlanSeries(t *testing.T) {
	var denied atomic.Bool
	denied.Store(true)
	f := newFakeFetcher()
	f.plan = func(resource.Ref) (string, error) {
		if denied.Load() {
			return "", failure.Fetch("resolve plan", http.StatusForbidden, "denied")
		}
		return "plan-shop", nil
	}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
	}, &fakeTokens{}, f, reg, nil)

	s.RunCycle(context.Background())
	_, ok := reg.Get("azure_webapp_requests", appLabels("a", resource.UnknownPlan))
	require.True(t, ok)

	denied.Store(false)
	s.RunCycle(context.Background())

	_, ok = reg.Get("azure_webapp_requests", appLabels("a", resource.UnknownPlan))
	assert.False(t, ok, "unknown_plan series is dropped once the plan resolves")
	_, ok = reg.Get("azure_webapp_requests", appLabels("a", "plan-shop"))
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestCommit_UnknownPlanSeriesFromEarlierRunDropped(t *testing.T) {
	reg := registry.New()
	reg.Commit([]resource.Sample{{Name: "azure_webapp_requests", Labels: appLabels("a", resource.UnknownPlan), Value: 3}})

	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
	}, &fakeTokens{}, newFakeFetcher(), reg, nil)
	s.RunCycle(context.Background())

	_, ok := reg.Get("azure_webapp_requests", appLabels("a", resource.UnknownPlan))
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestCommit_PlanMoveKeepsFailedGroup(t *testing.T) {
	var plan atomic.Value
	plan.Store("plan-a")
	var failDisk atomic.Bool

	f := newFakeFetcher()
	f.plan = func(resource.Ref) (string, error) { return plan.Load().(string), nil }
	f.metrics = func(_ resource.Ref, g resource.MetricGroup, _ int) (*azure.MetricsResponse, error) {
		if g.Names[0] == "FileSystemUsage" && failDisk.Load() {
			return nil, failure.Fetch("fetch metrics", http.StatusNotFound, "")
		}
		return metricsResp(g.Names[0], 2), nil
	}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups: []resource.MetricGroup{
			{Interval: "PT5M", Names: []string{"Requests"}},
			{Interval: "PT6H", Names: []string{"FileSystemUsage"}},
		},
	}, &fakeTokens{}, f, reg, nil)

	s.RunCycle(context.Background())
	plan.Store("plan-b")
	failDisk.Store(true)
	s.RunCycle(context.Background())

	_, ok := reg.Get("azure_webapp_requests", appLabels("a", "plan-a"))
	assert.False(t, ok, "series under the old plan is replaced")
	_, ok = reg.Get("azure_webapp_requests", appLabels("a", "plan-b"))
	assert.True(t, ok)
	_, ok = reg.Get("azure_webapp_filesystemusage", appLabels("a", "plan-a"))
	assert.True(t, ok, "a failed group keeps its previous series")
}

func planDescriptor(sku string, workers int) *azure.PlanDescriptor {
	p := &azure.PlanDescriptor{Name: "plan-shop"}
	p.SKU.Name = sku
	p.SKU.Capacity = workers
	p.Properties.NumberOfWorkers = workers
	return p
}

func TestRunCycle_PlanSKU(t *testing.T) {
	f := newFakeFetcher()
	sku := "P1v2"
	f.getPlan = func(resource.Ref) (*azure.PlanDescriptor, error) {
		return planDescriptor(sku, 3), nil
	}
	f.metrics = func(resource.Ref, resource.MetricGroup, int) (*azure.MetricsResponse, error) {
		return metricsResp("CpuPercentage", 37.5), nil
	}
	id := testIdentity()
	id.PlanNames = []string{"plan-shop"}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:         resource.KindPlan,
		Identities:     []config.Identity{id},
		Groups:         []resource.MetricGroup{{Interval: "PT5M", Names: []string{"CpuPercentage"}}},
		MaxConcurrency: 2,
		PlanSpecs:      true,
	}, &fakeTokens{}, f, reg, nil)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 2, res.Succeeded)

	planLabels := map[string]string{resource.LabelResourceGroup: "rg", resource.LabelPlan: "plan-shop"}
	skuLabels := func(sku string) map[string]string {
		l := map[string]string{resource.LabelSKU: sku}
		for k, v := range planLabels {
			l[k] = v
		}
		return l
	}

	get := func(name string, labels map[string]string) float64 {
		t.Helper()
		v, ok := reg.Get(name, labels)
		require.True(t, ok, name)
		return v
	}
	assert.Equal(t, 37.5, get("azure_plan_cpupercentage", planLabels))
	assert.Equal(t, 1.0, get(MetricPlanSKUInfo, skuLabels("P1v2")))
	assert.Equal(t, 3.0, get(MetricPlanInstanceCount, planLabels))
	assert.Equal(t, 1.0, get(MetricPlanCPUCores, planLabels))
	assert.Equal(t, 3.5, get(MetricPlanMemoryGB, planLabels))
	assert.Equal(t, 250.0, get(MetricPlanStorageGB, planLabels))
	assert.Equal(t, 0, f.count("plan"), "plans are not resolved")

	sku = "P2v2"
	s.RunCycle(context.Background())
	_, ok := reg.Get(MetricPlanSKUInfo, skuLabels("P1v2"))
	assert.False(t, ok, "old SKU series is dropped")
	assert.Equal(t, 1.0, get(MetricPlanSKUInfo, skuLabels("P2v2")))
	assert.Equal(t, 2.0, get(MetricPlanCPUCores, planLabels))
}

func TestRunCycle_UnknownSKUExportsZeroSpecs(t *testing.T) {
	f := newFakeFetcher()
	f.getPlan = func(resource.Ref) (*azure.PlanDescriptor, error) {
		return planDescriptor("Y1", 0), nil
	}
	id := testIdentity()
	id.PlanNames = []string{"plan-shop"}
	reg := registry.New()
	s := newTestScheduler(Options{
		Domain:     resource.KindPlan,
		Identities: []config.Identity{id},
		PlanSpecs:  true,
	}, &fakeTokens{}, f, reg, nil)

	res := s.RunCycle(context.Background())
	assert.Equal(t, 1, res.Succeeded)

	v, ok := reg.Get(MetricPlanCPUCores, map[string]string{resource.LabelResourceGroup: "rg", resource.LabelPlan: "plan-shop"})
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestRefs_Discovery(t *testing.T) {
	id := testIdentity()
	id.PlanNames = []string{"plan-a"}
	id.DiscoverPlans = true

	t.Run("merges discovered plans", func(t *testing.T) {
		f := newFakeFetcher()
		f.list = func() ([]string, error) { return []string{"plan-a", "plan-b"}, nil }
		s := newTestScheduler(Options{
			Domain:     resource.KindPlan,
			Identities: []config.Identity{id},
			Groups:     []resource.MetricGroup{{Interval: "PT5M", Names: []string{"CpuPercentage"}}},
		}, &fakeTokens{}, f, registry.New(), nil)

		res := s.RunCycle(context.Background())
		assert.Equal(t, 2, res.Attempted)
		assert.Equal(t, 1, f.count("list"))
	})

	t.Run("falls back to configured plans", func(t *testing.T) {
		f := newFakeFetcher()
		f.list = func() ([]string, error) {
			return nil, failure.Fetch("list plans", http.StatusForbidden, "")
		}
		s := newTestScheduler(Options{
			Domain:     resource.KindPlan,
			Identities: []config.Identity{id},
			Groups:     []resource.MetricGroup{{Interval: "PT5M", Names: []string{"CpuPercentage"}}},
		}, &fakeTokens{}, f, registry.New(), nil)

		res := s.RunCycle(context.Background())
		assert.Equal(t, 1, res.Attempted)
		assert.Equal(t, 1, res.Succeeded)
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFakeFetcher()
	rep := &recordingReporter{}
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
		Period:     20 * time.Millisecond,
	}, &fakeTokens{}, f, registry.New(), rep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return len(rep.results) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, s.State())
}

func TestRun_OverrunStartsNextCycleImmediately(t *testing.T) {
	const period = 40 * time.Millisecond
	f := newFakeFetcher()
	f.metrics = func(_ resource.Ref, g resource.MetricGroup, call int) (*azure.MetricsResponse, error) {
		if call == 1 {
			time.Sleep(3*period + period/2)
		}
		return metricsResp(g.Names[0], 1), nil
	}
	rep := &recordingReporter{}
	s := newTestScheduler(Options{
		Domain:     resource.KindWebApp,
		Identities: []config.Identity{testIdentity("a")},
		Groups:     requestsGroup(),
		Period:     period,
	}, &fakeTokens{}, f, registry.New(), rep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return len(rep.results) >= 3
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rep.mu.Lock()
	first, second, third := rep.results[0], rep.results[1], rep.results[2]
	rep.mu.Unlock()

	require.GreaterOrEqual(t, first.Duration, 3*period)
	gap := second.Started.Sub(first.Started.Add(first.Duration))
	assert.Less(t, gap, period/2, "the cycle after an overrun starts right away")
	assert.GreaterOrEqual(t, third.Started.Sub(second.Started), period-2*time.Millisecond,
		"missed periods are not run back to back")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "committing", StateCommitting.String())
	assert.Equal(t, "sleeping", StateSleeping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
