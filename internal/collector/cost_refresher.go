package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/zgpcy/azure-webapp-exporter/internal/azure"
	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
)

// MetricCostDaily is the daily cost gauge of web apps and plans
const MetricCostDaily = "azure_webapp_cost_daily"

// DefaultCostPeriod is how often costs are queried. Cost data is published daily.
const DefaultCostPeriod = time.Hour

// CostWorker is the worker name of the cost refresher
const CostWorker = "cost"

// MaxCostRecords caps the records committed per refresh
const MaxCostRecords = 100000

// CostSource returns the daily App Service costs of an identity's resource group
type CostSource interface {
	QueryCosts(ctx context.Context, id config.Identity) ([]azure.CostRecord, error)
}

// CostTarget pairs an identity with the source querying its costs
type CostTarget struct {
	Identity config.Identity
	Source   CostSource
}

// CostRefresher periodically queries costs and commits them to the store
type CostRefresher struct {
	targets  []CostTarget
	period   time.Duration
	store    Store
	reporter Reporter
	logger   *logger.Logger
	clock    clock.Clock
}

// NewCostRefresher creates a refresher. A zero period uses DefaultCostPeriod.
func NewCostRefresher(targets []CostTarget, period time.Duration, store Store, reporter Reporter, log *logger.Logger) *CostRefresher {
	if period <= 0 {
		period = DefaultCostPeriod
	}
	store.SetHelp(MetricCostDaily, "Daily actual cost of the App Service resource. Use this for cost tracking.")
	return &CostRefresher{
		targets:  targets,
		period:   period,
		store:    store,
		reporter: reporter,
		logger:   log.WithFields("worker", CostWorker),
		clock:    clock.RealClock{},
	}
}

// Run refreshes immediately and then every period until ctx is done
func (r *CostRefresher) Run(ctx context.Context) error {
	r.Refresh(ctx)

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping cost refresh")
			return nil
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh queries every target once. Targets that fail keep their previous values.
func (r *CostRefresher) Refresh(ctx context.Context) CycleResult {
	start := r.clock.Now()
	r.logger.Info("Refreshing cost data", "targets", len(r.targets))

	res := CycleResult{ID: CostWorker, Started: start}
	var samples []resource.Sample
	for _, t := range r.targets {
		res.Attempted++
		records, err := t.Source.QueryCosts(ctx, t.Identity)
		if err != nil {
			r.logger.Error("Failed to refresh cost data",
				"resource_group", t.Identity.ResourceGroupName,
				"error", err)
			res.Failed++
			res.Failures = append(res.Failures, fmt.Errorf("cost %s: %w", t.Identity.ResourceGroupName, err))
			continue
		}
		res.Succeeded++
		for _, rec := range records {
			samples = append(samples, resource.Sample{
				Name: MetricCostDaily,
				Labels: map[string]string{
					resource.LabelResourceGroup: rec.ResourceGroup,
					resource.LabelResourceName:  rec.ResourceName,
					resource.LabelResourceType:  rec.ResourceType,
					resource.LabelCurrency:      rec.Currency,
				},
				Value: rec.Cost,
			})
		}
	}

	// Enforce memory limits
	if len(samples) > MaxCostRecords {
		r.logger.Warn("Received records exceeding limit, truncating to prevent memory issues",
			"received_count", len(samples),
			"limit", MaxCostRecords)
		samples = samples[:MaxCostRecords]
	}

	r.store.Commit(samples)

	res.Duration = r.clock.Now().Sub(start)
	res.Err = multierr.Combine(res.Failures...)
	if r.reporter != nil {
		r.reporter.Report(CostWorker, res)
	}

	r.logger.Info("Successfully refreshed cost records",
		"record_count", len(samples),
		"failed_targets", res.Failed,
		"duration_seconds", res.Duration.Seconds())
	return res
}
