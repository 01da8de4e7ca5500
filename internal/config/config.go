package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
)

// Configuration validation constants
const (
	MinRefreshInterval = 10    // Minimum cycle period in seconds
	MinRequestDelayMS  = 1000  // Minimum pacing delay between requests of one sequence
	MinPort            = 1     // Minimum valid port number
	MaxPort            = 65535 // Maximum valid port number

	// Default values
	DefaultCloud              = "public"
	DefaultRefreshInterval    = 60 // seconds
	DefaultLivenessInterval   = 10 // seconds
	DefaultRequestDelayMS     = 1000
	DefaultRequestsPerSecond  = 5.0
	DefaultMaxConcurrency     = 8
	DefaultMaxRetries         = 2
	DefaultAPITimeout         = 30  // seconds
	DefaultTokenRefreshMargin = 300 // seconds
	DefaultHTTPPort           = 9200
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultCostEndDateOffset  = 1
	DefaultCostCurrency       = "USD"
)

// Supported values for cloud
var clouds = map[string]cloud.Configuration{
	"public": cloud.AzurePublic,
	"china":  cloud.AzureChina,
	"usgov":  cloud.AzureGovernment,
}

// Identity is one service principal and the resources it monitors
type Identity struct {
	TenantID          string   `yaml:"tenant_id"`
	ClientID          string   `yaml:"client_id"`
	ClientSecret      string   `yaml:"client_secret"`
	SubscriptionID    string   `yaml:"subscription_id"`
	ResourceGroupName string   `yaml:"resource_group_name"`
	WebAppNames       []string `yaml:"web_app_names"`
	PlanNames         []string `yaml:"plan_names"`
	DiscoverPlans     bool     `yaml:"discover_plans"` // List plans in the resource group every cycle
}

// Key identifies the credential of the identity
func (i Identity) Key() string {
	return i.TenantID + "/" + i.ClientID
}

// Refs returns the configured resources of the given kind
func (i Identity) Refs(kind resource.Kind) []resource.Ref {
	names := i.WebAppNames
	if kind == resource.KindPlan {
		names = i.PlanNames
	}
	return RefsFor(i, kind, names)
}

// RefsFor builds refs of kind for the given names under the identity's resource group
func RefsFor(i Identity, kind resource.Kind, names []string) []resource.Ref {
	refs := make([]resource.Ref, 0, len(names))
	for _, name := range names {
		ref := resource.Ref{
			SubscriptionID: i.SubscriptionID,
			ResourceGroup:  i.ResourceGroupName,
			Name:           name,
			Kind:           kind,
		}
		if kind == resource.KindPlan {
			ref.PlanName = name
		}
		refs = append(refs, ref)
	}
	return refs
}

// CostConfig configures the optional daily cost worker
type CostConfig struct {
	Enabled       bool   `yaml:"enabled"`
	EndDateOffset *int   `yaml:"end_date_offset"` // Pointer to distinguish between 0 and unset
	Currency      string `yaml:"currency"`
}

// MetricGroups overrides the default metric groups per resource kind
type MetricGroups struct {
	WebApp []resource.MetricGroup `yaml:"webapp"`
	Plan   []resource.MetricGroup `yaml:"plan"`
}

// Config represents the application configuration
type Config struct {
	Identities         []Identity   `yaml:"identities"`
	Cloud              string       `yaml:"cloud"`
	RefreshInterval    int          `yaml:"refresh_interval"`  // seconds
	LivenessInterval   int          `yaml:"liveness_interval"` // seconds
	RequestDelayMS     int          `yaml:"request_delay_ms"`
	RequestsPerSecond  float64      `yaml:"requests_per_second"` // per identity
	MaxConcurrency     int          `yaml:"max_concurrency"`
	MaxRetries         *int         `yaml:"max_retries"`
	APITimeout         int          `yaml:"api_timeout"`          // seconds
	TokenRefreshMargin int          `yaml:"token_refresh_margin"` // seconds
	StaleAfter         int          `yaml:"stale_after"`          // seconds, 0 disables eviction
	PlanSpecs          *bool        `yaml:"plan_specs"`
	HTTPPort           int          `yaml:"http_port"`
	LogLevel           string       `yaml:"log_level"`
	LogFormat          string       `yaml:"log_format"`
	Cost               CostConfig   `yaml:"cost"`
	MetricGroups       MetricGroups `yaml:"metric_groups"`
}

// Load loads configuration from a YAML file and applies environment variable overrides.
// A top-level array of identity entries is accepted as the legacy JSON format.
// All failures are classified as failure.KindConfig.
func Load(path string) (*Config, error) {
	// #nosec G304 -- Config file path is provided by administrator via CLI flag, not user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Config("load config", fmt.Errorf("failed to read config file: %w", err))
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, failure.Config("load config", err)
	}
	return cfg, nil
}

// Parse decodes, defaults, overrides and validates configuration bytes
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("config file is empty")
	}

	var cfg Config
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&cfg.Identities); err != nil {
			return nil, fmt.Errorf("failed to parse identity list: %w", err)
		}
	case yaml.MappingNode:
		if err := doc.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file must be a mapping or a list of identities")
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment variable error: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no identities.
// It is what the exporter runs with when the config file cannot be loaded.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for configuration
func applyDefaults(cfg *Config) {
	if cfg.Cloud == "" {
		cfg.Cloud = DefaultCloud
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.RequestDelayMS == 0 {
		cfg.RequestDelayMS = DefaultRequestDelayMS
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxRetries == nil {
		retries := DefaultMaxRetries
		cfg.MaxRetries = &retries
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.TokenRefreshMargin == 0 {
		cfg.TokenRefreshMargin = DefaultTokenRefreshMargin
	}
	if cfg.PlanSpecs == nil {
		enabled := true
		cfg.PlanSpecs = &enabled
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
	if cfg.Cost.EndDateOffset == nil {
		offset := DefaultCostEndDateOffset
		cfg.Cost.EndDateOffset = &offset
	}
	if cfg.Cost.Currency == "" {
		cfg.Cost.Currency = DefaultCostCurrency
	}
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) error {
	intVars := []struct {
		name   string
		target *int
	}{
		{"AZURE_WEBAPP_REFRESH_INTERVAL", &cfg.RefreshInterval},
		{"AZURE_WEBAPP_HTTP_PORT", &cfg.HTTPPort},
		{"AZURE_WEBAPP_API_TIMEOUT", &cfg.APITimeout},
	}
	for _, v := range intVars {
		val := os.Getenv(v.name)
		if val == "" {
			continue
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s: must be an integer, got %q", v.name, val)
		}
		*v.target = i
	}

	if val := os.Getenv("AZURE_WEBAPP_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("AZURE_WEBAPP_LOG_FORMAT"); val != "" {
		cfg.LogFormat = val
	}
	if val := os.Getenv("AZURE_WEBAPP_CLOUD"); val != "" {
		cfg.Cloud = val
	}

	if val := os.Getenv("AZURE_WEBAPP_COST_ENABLED"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid AZURE_WEBAPP_COST_ENABLED: must be a boolean, got %q", val)
		}
		cfg.Cost.Enabled = b
	}

	// Keeps secrets out of the config file: fills every identity without one
	if val := os.Getenv("AZURE_WEBAPP_CLIENT_SECRET"); val != "" {
		for i := range cfg.Identities {
			if cfg.Identities[i].ClientSecret == "" {
				cfg.Identities[i].ClientSecret = val
			}
		}
	}

	return nil
}

// validate validates the configuration and reports every problem at once
func validate(cfg *Config) error {
	var errs error

	if len(cfg.Identities) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no identities configured"))
	}
	for i, id := range cfg.Identities {
		errs = multierr.Append(errs, validateIdentity(i, id))
	}

	if _, ok := clouds[strings.ToLower(cfg.Cloud)]; !ok {
		errs = multierr.Append(errs, fmt.Errorf("cloud must be one of public, china, usgov, got %q", cfg.Cloud))
	}

	if cfg.RefreshInterval < MinRefreshInterval {
		errs = multierr.Append(errs, fmt.Errorf("refresh_interval must be at least %d seconds, got %d", MinRefreshInterval, cfg.RefreshInterval))
	}
	if cfg.LivenessInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("liveness_interval must be positive, got %d", cfg.LivenessInterval))
	}
	if cfg.RequestDelayMS < MinRequestDelayMS {
		errs = multierr.Append(errs, fmt.Errorf("request_delay_ms must be at least %d, got %d", MinRequestDelayMS, cfg.RequestDelayMS))
	}
	if cfg.RequestsPerSecond <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("requests_per_second must be positive, got %v", cfg.RequestsPerSecond))
	}
	if cfg.MaxConcurrency < 1 {
		errs = multierr.Append(errs, fmt.Errorf("max_concurrency must be at least 1, got %d", cfg.MaxConcurrency))
	}
	if cfg.MaxRetries != nil && *cfg.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_retries cannot be negative, got %d", *cfg.MaxRetries))
	}

	// A hung call must not stall the cycle past its period
	if cfg.APITimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("api_timeout must be positive, got %d", cfg.APITimeout))
	} else if cfg.APITimeout >= cfg.RefreshInterval {
		errs = multierr.Append(errs, fmt.Errorf("api_timeout (%d) must be shorter than refresh_interval (%d)", cfg.APITimeout, cfg.RefreshInterval))
	}

	if cfg.TokenRefreshMargin < 0 {
		errs = multierr.Append(errs, fmt.Errorf("token_refresh_margin cannot be negative, got %d", cfg.TokenRefreshMargin))
	}
	if cfg.StaleAfter < 0 {
		errs = multierr.Append(errs, fmt.Errorf("stale_after cannot be negative, got %d", cfg.StaleAfter))
	}

	if cfg.HTTPPort < MinPort || cfg.HTTPPort > MaxPort {
		errs = multierr.Append(errs, fmt.Errorf("http_port must be between %d and %d", MinPort, MaxPort))
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat))
	}

	if cfg.Cost.EndDateOffset != nil && *cfg.Cost.EndDateOffset < 0 {
		errs = multierr.Append(errs, fmt.Errorf("cost.end_date_offset cannot be negative, got %d", *cfg.Cost.EndDateOffset))
	}

	errs = multierr.Append(errs, validateGroups("metric_groups.webapp", cfg.MetricGroups.WebApp))
	errs = multierr.Append(errs, validateGroups("metric_groups.plan", cfg.MetricGroups.Plan))

	return errs
}

func validateIdentity(i int, id Identity) error {
	var errs error
	required := []struct {
		field string
		value string
	}{
		{"tenant_id", id.TenantID},
		{"client_id", id.ClientID},
		{"client_secret", id.ClientSecret},
		{"subscription_id", id.SubscriptionID},
		{"resource_group_name", id.ResourceGroupName},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = multierr.Append(errs, fmt.Errorf("identity at index %d has empty %s", i, r.field))
		}
	}
	if len(id.WebAppNames) == 0 && len(id.PlanNames) == 0 && !id.DiscoverPlans {
		errs = multierr.Append(errs, fmt.Errorf("identity at index %d monitors no web apps or plans", i))
	}
	return errs
}

func validateGroups(field string, groups []resource.MetricGroup) error {
	var errs error
	for i, g := range groups {
		if _, err := resource.ParseISODuration(g.Interval); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s[%d]: %w", field, i, err))
		}
		if g.Timespan != "" {
			if _, err := resource.ParseISODuration(g.Timespan); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s[%d]: timespan: %w", field, i, err))
			}
		}
		if len(g.Names) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s[%d] has no metric names", field, i))
		}
	}
	return errs
}

// CloudConfiguration returns the Azure cloud the exporter talks to
func (c *Config) CloudConfiguration() cloud.Configuration {
	if cc, ok := clouds[strings.ToLower(c.Cloud)]; ok {
		return cc
	}
	return cloud.AzurePublic
}

// Groups returns the metric groups for kind, falling back to the defaults
func (c *Config) Groups(kind resource.Kind) []resource.MetricGroup {
	override := c.MetricGroups.WebApp
	if kind == resource.KindPlan {
		override = c.MetricGroups.Plan
	}
	if len(override) > 0 {
		return override
	}
	return resource.DefaultGroups(kind)
}

// Period returns the collection cycle period
func (c *Config) Period() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

// PollInterval returns the supervisor liveness poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.LivenessInterval) * time.Second
}

// RequestDelay returns the pacing delay between requests of one sequence
func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMS) * time.Millisecond
}

// Timeout returns the per-request timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// RefreshMargin returns how long before expiry a token is refreshed
func (c *Config) RefreshMargin() time.Duration {
	return time.Duration(c.TokenRefreshMargin) * time.Second
}

// StaleAfterDuration returns the registry entry TTL, 0 when eviction is disabled
func (c *Config) StaleAfterDuration() time.Duration {
	return time.Duration(c.StaleAfter) * time.Second
}

// Retries returns the in-cycle retry budget for retryable fetch failures
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// PlanSpecsEnabled reports whether plan SKU gauges are collected
func (c *Config) PlanSpecsEnabled() bool {
	return c.PlanSpecs == nil || *c.PlanSpecs
}
