// Package resource defines the domain model of the exporter.
//
// It replaces the cost-record abstraction with the types the collection
// pipeline passes around:
//   - Ref: one monitored web app or App Service plan
//   - MetricGroup: metric names requested together at one interval
//   - Sample: one normalized value ready for the registry
//
// It also owns metric naming. Exported names are derived deterministically
// from the Azure Monitor identifier:
//
//	resource.MetricName(resource.KindWebApp, "Http5xx") // azure_webapp_http5xx
//
// and the label sets attached to them (resource_group_name, web_app_name,
// plan_name), including the "unknown_plan" sentinel for web apps whose plan
// could not be resolved.
package resource
