// Package collector runs the collection cycles that fill the metric registry.
//
// A Scheduler owns one resource domain (web apps or App Service plans). Every
// period it fetches each configured (resource, metric group) pair once and
// commits the successful results in one batch. Requests of one
// (identity, group) sequence are issued one at a time with a minimum gap
// between them; sequences run in parallel up to MaxConcurrency, and every
// identity shares a token bucket capping its request rate.
//
// Failures stay local to their resource. The previous value is kept and the
// next cycle tries again. Within a cycle, transport errors and 5xx responses
// are retried with exponential backoff; a 401 invalidates the cached token
// and retries once. Throttled and timed out requests are not retried.
//
// A cycle that overruns the period is followed by the next one immediately.
// Missed periods are dropped.
//
// Web apps are labelled with the plan that hosts them. The plan is resolved
// once per cycle per app; any failure yields the unknown_plan label.
//
// CostRefresher is the optional daily cost worker and Tracker exports the
// exporter's own metrics:
//   - azure_webapp_exporter_up: 0 when the worker's last cycle fetched nothing
//   - azure_webapp_exporter_cycle_duration_seconds: duration of the last cycle
//   - azure_webapp_exporter_last_cycle_timestamp_seconds: end of the last cycle
//   - azure_webapp_exporter_cycle_resources: fetches of the last cycle by result
//   - azure_webapp_exporter_fetch_errors_total: failed fetches by error kind
//   - azure_webapp_exporter_cycles_total: completed cycles
//   - azure_webapp_exporter_series_count: series held by the registry
//   - azure_webapp_exporter_build_info: build version information
//
// Example usage:
//
//	s := collector.NewScheduler(collector.Options{
//		Domain:     resource.KindWebApp,
//		Identities: cfg.Identities,
//		Groups:     cfg.Groups(resource.KindWebApp),
//		Period:     cfg.Period(),
//	}, tokens, client, reg, tracker, log)
//
//	go s.Run(ctx)
package collector
