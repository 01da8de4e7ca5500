package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zgpcy/azure-webapp-exporter/internal/azure"
	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/credential"
	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
)

// Plan SKU gauge names
const (
	MetricPlanSKUInfo       = "azure_plan_sku_info"
	MetricPlanInstanceCount = "azure_plan_instance_count"
	MetricPlanCPUCores      = "azure_plan_cpu_cores"
	MetricPlanMemoryGB      = "azure_plan_memory_gb"
	MetricPlanStorageGB     = "azure_plan_storage_gb"
)

// DefaultPeriod is the cycle period used when none is configured
const DefaultPeriod = 60 * time.Second

// ErrAlreadyRunning is returned by Run when the scheduler loop is already active
var ErrAlreadyRunning = errors.New("scheduler already running")

// TokenSource hands out bearer tokens per identity
type TokenSource interface {
	Token(ctx context.Context, id config.Identity) (credential.Token, error)
	Invalidate(id config.Identity)
}

// Fetcher is the Azure API surface the scheduler uses
type Fetcher interface {
	FetchMetrics(ctx context.Context, ref resource.Ref, group resource.MetricGroup, token string) (*azure.MetricsResponse, error)
	ResolvePlan(ctx context.Context, ref resource.Ref, token string) (string, error)
	GetPlan(ctx context.Context, ref resource.Ref, token string) (*azure.PlanDescriptor, error)
	ListPlans(ctx context.Context, subscriptionID, resourceGroup, token string) ([]string, error)
}

// Store receives the values committed at the end of a cycle
type Store interface {
	Commit(samples []resource.Sample)
	SetHelp(name, help string)
	Delete(name string, labels map[string]string) bool
	Evict() int
}

// Reporter receives the outcome of every cycle
type Reporter interface {
	Report(worker string, res CycleResult)
}

// State is the lifecycle phase of a scheduler
type State int32

// Scheduler states
const (
	StateIdle State = iota
	StateFetching
	StateCommitting
	StateSleeping
	StateStopped
)

// String returns the log-friendly state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateCommitting:
		return "committing"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CycleResult summarizes one collection cycle
type CycleResult struct {
	ID        string
	Started   time.Time
	Duration  time.Duration
	Attempted int
	Succeeded int
	Failed    int
	Failures  []error
	Err       error // All failures combined, nil when none
}

// FailedCompletely reports whether the cycle attempted fetches and none succeeded
func (r CycleResult) FailedCompletely() bool {
	return r.Attempted > 0 && r.Succeeded == 0
}

// Options configures a Scheduler
type Options struct {
	Domain            resource.Kind
	Identities        []config.Identity
	Groups            []resource.MetricGroup
	Period            time.Duration
	RequestDelay      time.Duration // Minimum gap between consecutive requests of one sequence
	RequestsPerSecond float64       // Per identity, 0 disables the cap
	MaxConcurrency    int
	MaxRetries        int
	PlanSpecs         bool          // Collect SKU gauges, plan domain only
	StaleAfter        time.Duration // Only logged, eviction is done by the store
}

// Scheduler runs collection cycles for one resource domain on a fixed period
type Scheduler struct {
	opts     Options
	tokens   TokenSource
	fetcher  Fetcher
	store    Store
	reporter Reporter
	logger   *logger.Logger
	clock    clock.Clock

	limiters   map[string]*rate.Limiter
	newBackOff func() backoff.BackOff

	state   atomic.Int32
	running atomic.Bool // Prevent multiple Run loops

	skuMu   sync.Mutex
	lastSKU map[string]map[string]string // plan ID -> labels of its sku_info series

	planMu   sync.Mutex
	lastPlan map[string]string // web app ID and interval -> plan label last committed
}

// NewScheduler creates a scheduler for opts.Domain
func NewScheduler(opts Options, tokens TokenSource, fetcher Fetcher, store Store, reporter Reporter, log *logger.Logger) *Scheduler {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}

	s := &Scheduler{
		opts:       opts,
		tokens:     tokens,
		fetcher:    fetcher,
		store:      store,
		reporter:   reporter,
		logger:     log.WithFields("worker", string(opts.Domain)),
		clock:      clock.RealClock{},
		limiters:   make(map[string]*rate.Limiter),
		newBackOff: defaultBackOff,
		lastSKU:    make(map[string]map[string]string),
		lastPlan:   make(map[string]string),
	}

	for _, id := range opts.Identities {
		if _, ok := s.limiters[id.Key()]; ok {
			continue
		}
		s.limiters[id.Key()] = newLimiter(opts.RequestsPerSecond)
	}

	s.registerHelp()
	return s
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // Bounded by MaxRetries
	return bo
}

func (s *Scheduler) registerHelp() {
	noun := "web app"
	if s.opts.Domain == resource.KindPlan {
		noun = "App Service plan"
	}
	for _, g := range s.opts.Groups {
		for _, name := range g.Names {
			s.store.SetHelp(resource.MetricName(s.opts.Domain, name),
				fmt.Sprintf("Azure Monitor %s of the %s (interval %s)", name, noun, g.Interval))
		}
	}
	if s.opts.Domain == resource.KindPlan && s.opts.PlanSpecs {
		s.store.SetHelp(MetricPlanSKUInfo, "SKU of the App Service plan, always 1")
		s.store.SetHelp(MetricPlanInstanceCount, "Number of workers of the App Service plan")
		s.store.SetHelp(MetricPlanCPUCores, "CPU cores per instance of the App Service plan SKU")
		s.store.SetHelp(MetricPlanMemoryGB, "Memory in GB per instance of the App Service plan SKU")
		s.store.SetHelp(MetricPlanStorageGB, "Storage in GB of the App Service plan SKU")
	}
}

// Name returns the worker name of the scheduler
func (s *Scheduler) Name() string {
	return string(s.opts.Domain)
}

// State returns the current lifecycle phase
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run executes a cycle immediately and then one per period until ctx is done.
// A cycle that overruns the period is followed by the next one right away;
// the periods it missed are dropped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.setState(StateStopped)

	s.logger.Info("Starting collection",
		"identities", len(s.opts.Identities),
		"period", s.opts.Period.String())

	for {
		res := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Stopping collection")
			return nil
		}

		wait := s.opts.Period - res.Duration
		if wait < 0 {
			s.logger.Warn("Collection cycle overran the period",
				"cycle_id", res.ID,
				"duration_seconds", res.Duration.Seconds(),
				"period", s.opts.Period.String())
			wait = 0
		}

		s.setState(StateSleeping)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Stopping collection")
			return nil
		case <-timer.C:
		}
	}
}

// fetched is one successful (resource, group) response awaiting commit
type fetched struct {
	ref     resource.Ref
	group   resource.MetricGroup
	resp    *azure.MetricsResponse
	samples []resource.Sample // Already built, SKU fetches only
}

// cycle is the state shared by the sequences of one cycle
type cycle struct {
	id     string
	logger *logger.Logger

	mu        sync.Mutex
	ok        []fetched
	failures  []error
	attempted int

	planMu     sync.Mutex
	plans      map[string]string
	planFlight singleflight.Group
}

func (c *cycle) succeed(f fetched) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted++
	c.ok = append(c.ok, f)
}

func (c *cycle) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted++
	c.failures = append(c.failures, err)
}

// sequence is an ordered list of fetches issued one at a time
type sequence struct {
	identity config.Identity
	group    *resource.MetricGroup // nil for the SKU sequence
	refs     []resource.Ref
}

// RunCycle fetches every resource once, commits the successes and reports the result
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	c := &cycle{
		id:    uuid.NewString(),
		plans: make(map[string]string),
	}
	c.logger = s.logger.WithFields("cycle_id", c.id)
	start := s.clock.Now()

	s.setState(StateFetching)
	seqs := s.sequences(ctx, c)

	limit := s.opts.MaxConcurrency
	if limit > len(seqs) {
		limit = len(seqs)
	}
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, seq := range seqs {
		seq := seq
		g.Go(func() error {
			s.runSequence(ctx, c, seq)
			return nil
		})
	}
	_ = g.Wait()

	s.setState(StateCommitting)
	s.commit(c)

	res := CycleResult{
		ID:        c.id,
		Started:   start,
		Duration:  s.clock.Now().Sub(start),
		Attempted: c.attempted,
		Succeeded: len(c.ok),
		Failed:    len(c.failures),
		Failures:  c.failures,
		Err:       multierr.Combine(c.failures...),
	}

	if s.reporter != nil {
		s.reporter.Report(s.Name(), res)
	}

	c.logger.Info("Collection cycle finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration_seconds", res.Duration.Seconds())
	return res
}

// sequences builds one sequence per identity and metric group, plus one SKU
// sequence per identity for plans
func (s *Scheduler) sequences(ctx context.Context, c *cycle) []sequence {
	var seqs []sequence
	for _, id := range s.opts.Identities {
		refs := s.refs(ctx, c, id)
		if len(refs) == 0 {
			continue
		}
		for i := range s.opts.Groups {
			seqs = append(seqs, sequence{identity: id, group: &s.opts.Groups[i], refs: refs})
		}
		if s.opts.Domain == resource.KindPlan && s.opts.PlanSpecs {
			seqs = append(seqs, sequence{identity: id, refs: refs})
		}
	}
	return seqs
}

// refs returns the resources of id for this cycle, including discovered plans
func (s *Scheduler) refs(ctx context.Context, c *cycle, id config.Identity) []resource.Ref {
	refs := id.Refs(s.opts.Domain)
	if s.opts.Domain != resource.KindPlan || !id.DiscoverPlans {
		return refs
	}

	var names []string
	p := newPacer(s.opts.RequestDelay, s.clock)
	err := s.call(ctx, id, p, func(ctx context.Context, token string) error {
		var err error
		names, err = s.fetcher.ListPlans(ctx, id.SubscriptionID, id.ResourceGroupName, token)
		return err
	})
	if err != nil {
		c.logger.Warn("Plan discovery failed, using configured plans",
			"resource_group", id.ResourceGroupName,
			"error_kind", failure.KindOf(err).String(),
			"error", err)
		return refs
	}

	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		seen[r.Name] = true
	}
	var extra []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			extra = append(extra, n)
		}
	}
	return append(refs, config.RefsFor(id, resource.KindPlan, extra)...)
}

func (s *Scheduler) runSequence(ctx context.Context, c *cycle, seq sequence) {
	p := newPacer(s.opts.RequestDelay, s.clock)
	for _, ref := range seq.refs {
		if ctx.Err() != nil {
			return
		}
		if seq.group == nil {
			s.fetchSKU(ctx, c, seq.identity, p, ref)
			continue
		}
		s.fetchGroup(ctx, c, seq.identity, p, ref, *seq.group)
	}
}

func (s *Scheduler) fetchGroup(ctx context.Context, c *cycle, id config.Identity, p *pacer, ref resource.Ref, group resource.MetricGroup) {
	if ref.Kind == resource.KindWebApp {
		ref = s.resolvePlan(ctx, c, id, p, ref)
	}

	var resp *azure.MetricsResponse
	err := s.call(ctx, id, p, func(ctx context.Context, token string) error {
		var err error
		resp, err = s.fetcher.FetchMetrics(ctx, ref, group, token)
		return err
	})
	if err != nil {
		s.logFailure(c, ref, group.Interval, err)
		c.fail(fmt.Errorf("%s %s: %w", ref, group.Interval, err))
		return
	}
	c.succeed(fetched{ref: ref, group: group, resp: resp})
}

// resolvePlan labels a web app with its plan, once per cycle per app.
// Any failure yields resource.UnknownPlan.
func (s *Scheduler) resolvePlan(ctx context.Context, c *cycle, id config.Identity, p *pacer, ref resource.Ref) resource.Ref {
	key := ref.ID()

	c.planMu.Lock()
	plan, ok := c.plans[key]
	c.planMu.Unlock()
	if ok {
		return ref.WithPlan(plan)
	}

	v, _, _ := c.planFlight.Do(key, func() (interface{}, error) {
		c.planMu.Lock()
		if plan, ok := c.plans[key]; ok {
			c.planMu.Unlock()
			return plan, nil
		}
		c.planMu.Unlock()

		var plan string
		err := s.call(ctx, id, p, func(ctx context.Context, token string) error {
			var err error
			plan, err = s.fetcher.ResolvePlan(ctx, ref, token)
			return err
		})
		if err != nil {
			c.logger.Warn("Plan resolution failed",
				"resource_group", ref.ResourceGroup,
				"resource", ref.Name,
				"error_kind", failure.KindOf(err).String(),
				"status_code", failure.StatusCode(err),
				"error", err)
			plan = resource.UnknownPlan
		}

		c.planMu.Lock()
		c.plans[key] = plan
		c.planMu.Unlock()
		return plan, nil
	})
	return ref.WithPlan(v.(string))
}

func (s *Scheduler) fetchSKU(ctx context.Context, c *cycle, id config.Identity, p *pacer, ref resource.Ref) {
	var plan *azure.PlanDescriptor
	err := s.call(ctx, id, p, func(ctx context.Context, token string) error {
		var err error
		plan, err = s.fetcher.GetPlan(ctx, ref, token)
		return err
	})
	if err != nil {
		s.logFailure(c, ref, "sku", err)
		c.fail(fmt.Errorf("%s sku: %w", ref, err))
		return
	}
	c.succeed(fetched{ref: ref, samples: skuSamples(ref, plan)})
}

// skuSamples builds the SKU gauges of a plan. Unknown SKUs export zero specs.
func skuSamples(ref resource.Ref, plan *azure.PlanDescriptor) []resource.Sample {
	labels := ref.Labels()
	spec, _ := resource.LookupSKU(plan.SKU.Name)

	info := ref.Labels()
	info[resource.LabelSKU] = plan.SKU.Name

	return []resource.Sample{
		{Name: MetricPlanSKUInfo, Labels: info, Value: 1},
		{Name: MetricPlanInstanceCount, Labels: labels, Value: float64(plan.InstanceCount())},
		{Name: MetricPlanCPUCores, Labels: labels, Value: spec.CPUCores},
		{Name: MetricPlanMemoryGB, Labels: labels, Value: spec.MemoryGB},
		{Name: MetricPlanStorageGB, Labels: labels, Value: spec.StorageGB},
	}
}

// call runs one request with token, pacing, rate limit and in-cycle retries.
// Retryable failures are retried up to MaxRetries times; an upstream 401
// invalidates the token and retries once with a fresh one.
func (s *Scheduler) call(ctx context.Context, id config.Identity, p *pacer, fn func(ctx context.Context, token string) error) error {
	limiter, ok := s.limiters[id.Key()]
	if !ok {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	reauthed := false

	attempt := func() error {
		tok, err := s.tokens.Token(ctx, id)
		if err != nil {
			return err
		}
		if err := p.wait(ctx); err != nil {
			return failure.Transport("pace", err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return failure.Transport("rate limit", err)
		}
		err = fn(ctx, tok.Value)
		p.done()
		return err
	}

	operation := func() error {
		err := attempt()
		if err != nil && !reauthed && failure.StatusCode(err) == http.StatusUnauthorized {
			reauthed = true
			s.tokens.Invalidate(id)
			err = attempt()
		}
		if err == nil {
			return nil
		}
		if failure.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.MaxRetries)), ctx)
	return backoff.Retry(operation, bo)
}

func (s *Scheduler) logFailure(c *cycle, ref resource.Ref, interval string, err error) {
	c.logger.Warn("Resource fetch failed",
		"resource_group", ref.ResourceGroup,
		"resource", ref.Name,
		"interval", interval,
		"error_kind", failure.KindOf(err).String(),
		"status_code", failure.StatusCode(err),
		"error_code", failure.ErrorCode(err),
		"error", err)
}

// commit writes every successful fetch into the store. Failed resources keep their previous values.
func (s *Scheduler) commit(c *cycle) {
	var samples []resource.Sample
	for _, f := range c.ok {
		if f.samples != nil {
			s.replaceSKU(f.ref, f.samples[0].Labels)
			samples = append(samples, f.samples...)
			continue
		}
		if f.ref.Kind == resource.KindWebApp {
			s.replacePlan(f.ref, f.group)
		}
		labels := f.ref.Labels()
		for _, name := range f.group.Names {
			v, at, _ := azure.ExtractSample(name, f.resp)
			samples = append(samples, resource.Sample{
				Name:       resource.MetricName(s.opts.Domain, name),
				Labels:     labels,
				Value:      v,
				ObservedAt: at,
			})
		}
	}

	s.store.Commit(samples)

	if n := s.store.Evict(); n > 0 {
		c.logger.Info("Evicted stale series", "count", n, "stale_after", s.opts.StaleAfter.String())
	}
}

// replaceSKU drops the sku_info series of a plan whose SKU changed
func (s *Scheduler) replaceSKU(ref resource.Ref, labels map[string]string) {
	key := ref.ID()

	s.skuMu.Lock()
	defer s.skuMu.Unlock()
	if old, ok := s.lastSKU[key]; ok && old[resource.LabelSKU] != labels[resource.LabelSKU] {
		s.store.Delete(MetricPlanSKUInfo, old)
	}
	s.lastSKU[key] = labels
}

// replacePlan drops the series of a web app group committed under another
// plan label. A resolved plan also drops any unknown_plan series left by an
// earlier failed resolution.
func (s *Scheduler) replacePlan(ref resource.Ref, group resource.MetricGroup) {
	key := ref.ID() + "|" + group.Interval
	plan := ref.Labels()[resource.LabelPlan]

	s.planMu.Lock()
	old, seen := s.lastPlan[key]
	s.lastPlan[key] = plan
	s.planMu.Unlock()

	var stale []string
	if seen && old != plan {
		stale = append(stale, old)
	}
	if plan != resource.UnknownPlan && old != resource.UnknownPlan {
		stale = append(stale, resource.UnknownPlan)
	}
	for _, p := range stale {
		labels := ref.WithPlan(p).Labels()
		for _, name := range group.Names {
			s.store.Delete(resource.MetricName(s.opts.Domain, name), labels)
		}
	}
}

// pacer enforces a minimum gap between the end of one request and the start
// of the next within one sequence
type pacer struct {
	delay time.Duration
	clock clock.Clock
	last  time.Time
}

func newPacer(delay time.Duration, c clock.Clock) *pacer {
	return &pacer{delay: delay, clock: c}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.last.IsZero() || p.delay <= 0 {
		return ctx.Err()
	}
	remaining := p.delay - p.clock.Now().Sub(p.last)
	if remaining <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *pacer) done() {
	p.last = p.clock.Now()
}
