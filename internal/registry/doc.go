// Package registry stores the current value of every exported Azure metric.
//
// The collection schedulers write into it after each cycle and the /metrics
// handler reads from it through its prometheus.Collector implementation.
// A resource that fails to fetch keeps its previous values, so scrapes see
// the last known state instead of gaps.
//
// A series is identified by its metric name and label set; label order does
// not matter. Writes replace the value and refresh the update time:
//   - Set: one value
//   - Commit: the batch of one cycle, under a single lock
//   - Delete: drop one series, e.g. a plan's sku_info after a SKU change
//   - Evict: drop series not updated within the stale-after window
//
// Help text is registered per metric name with SetHelp. Series without help
// text are exported with a generic description.
//
// Staleness:
//
// By default entries are kept forever. With WithStaleAfter, Evict removes
// every series whose last update is older than the window. The schedulers
// call Evict after each commit, so a web app removed from the configuration
// disappears from /metrics once the window has passed.
//
// Example usage:
//
//	store := registry.New(registry.WithStaleAfter(30 * time.Minute))
//	store.SetHelp("azure_webapp_requests", "Azure Monitor Requests of the web app")
//
//	store.Commit([]resource.Sample{{
//		Name:   "azure_webapp_requests",
//		Labels: map[string]string{"resource_group_name": "rg", "web_app_name": "shop", "plan_name": "plan-shop"},
//		Value:  42,
//	}})
//
//	promRegistry := prometheus.NewRegistry()
//	promRegistry.MustRegister(store)
//
// Describe sends no descriptors, so the registry is an unchecked collector:
// the set of series changes at runtime and every scrape builds its
// descriptors from the current entries.
package registry
