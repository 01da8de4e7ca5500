// Package config provides configuration management for the Azure Web App Exporter.
//
// This package handles loading configuration from YAML files, applying
// environment variable overrides, setting defaults, and validating the
// configuration. Every problem found by validation is reported at once.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. YAML configuration file
//  3. Default values (lowest priority)
//
// Supported environment variables:
//   - AZURE_WEBAPP_REFRESH_INTERVAL: Cycle period in seconds (minimum: 10)
//   - AZURE_WEBAPP_HTTP_PORT: HTTP server port (1-65535)
//   - AZURE_WEBAPP_API_TIMEOUT: Per-request timeout in seconds
//   - AZURE_WEBAPP_LOG_LEVEL: Log level (debug, info, warn, error)
//   - AZURE_WEBAPP_LOG_FORMAT: Log format (json, text)
//   - AZURE_WEBAPP_CLOUD: Azure cloud (public, china, usgov)
//   - AZURE_WEBAPP_CLIENT_SECRET: Secret for identities that omit client_secret
//   - AZURE_WEBAPP_COST_ENABLED: Enable the daily cost worker
//
// Example configuration file (config.yaml):
//
//	identities:
//	  - tenant_id: "00000000-0000-0000-0000-000000000000"
//	    client_id: "11111111-1111-1111-1111-111111111111"
//	    client_secret: "..."
//	    subscription_id: "22222222-2222-2222-2222-222222222222"
//	    resource_group_name: "rg-web"
//	    web_app_names: ["shop-frontend", "shop-api"]
//	    plan_names: ["plan-shop"]
//
//	cloud: public
//	refresh_interval: 60
//	request_delay_ms: 1000
//	http_port: 9200
//
// The legacy format, a bare list of identity entries, is accepted as well:
//
//	[{"tenant_id": "...", "client_id": "...", "client_secret": "...",
//	  "subscription_id": "...", "resource_group_name": "rg-web",
//	  "web_app_names": ["shop-frontend"], "plan_names": ["plan-shop"]}]
package config
