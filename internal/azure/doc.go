// Package azure provides the Azure API clients of the exporter.
//
// MonitorClient sends its requests through an azcore pipeline with pipeline
// retries turned off. The caller passes the bearer token of each call:
//   - FetchMetrics: microsoft.insights/metrics for a web app or plan
//   - ResolvePlan: the hosting plan of a web app, from properties.serverFarmId
//   - GetPlan: the SKU and worker count of a plan
//   - ListPlans: every plan of a resource group
//
// It reports every error as a *failure.Error, leaving retry policy to the
// caller. A non-success response becomes a Fetch failure carrying the status
// and ARM error code; a request that outlives the request timeout becomes a
// Fetch failure without status.
//
// Extract turns a metrics response into one scalar per metric name:
//
//	resp, err := client.FetchMetrics(ctx, ref, group, token)
//	if err != nil {
//		return err
//	}
//	requests := azure.Extract("Requests", resp)
//
// CostClient wraps the Azure Cost Management query API and returns the daily
// cost of the web apps and plans of a resource group.
package azure
