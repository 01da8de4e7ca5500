package resource

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the type of a monitored App Service resource
type Kind string

// Supported resource kinds
const (
	KindWebApp Kind = "webapp"
	KindPlan   Kind = "plan"
)

// UnknownPlan is the plan label used when a web app's plan cannot be resolved
const UnknownPlan = "unknown_plan"

// Label names attached to exported series
const (
	LabelResourceGroup = "resource_group_name"
	LabelWebApp        = "web_app_name"
	LabelPlan          = "plan_name"
	LabelResourceName  = "resource_name"
	LabelResourceType  = "resource_type"
	LabelSKU           = "sku"
	LabelCurrency      = "currency"
)

// Namespace returns the Azure Monitor metric namespace of the kind
func (k Kind) Namespace() string {
	if k == KindPlan {
		return "Microsoft.Web/serverfarms"
	}
	return "Microsoft.Web/sites"
}

// Prefix returns the exported metric name prefix of the kind
func (k Kind) Prefix() string {
	if k == KindPlan {
		return "azure_plan_"
	}
	return "azure_webapp_"
}

// providerPath is the ARM provider segment for the kind
func (k Kind) providerPath() string {
	if k == KindPlan {
		return "Microsoft.Web/serverfarms"
	}
	return "Microsoft.Web/sites"
}

// Ref identifies one monitored resource
type Ref struct {
	SubscriptionID string
	ResourceGroup  string
	Name           string
	Kind           Kind
	PlanName       string // Resolved lazily for web apps; equal to Name for plans
}

// ID returns the ARM resource ID
func (r Ref) ID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/%s/%s",
		r.SubscriptionID, r.ResourceGroup, r.Kind.providerPath(), r.Name)
}

// String returns a short human-readable form for logs
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.ResourceGroup, r.Name)
}

// Labels returns the exported label set for the resource.
// Web apps without a resolved plan carry UnknownPlan.
func (r Ref) Labels() map[string]string {
	if r.Kind == KindPlan {
		return map[string]string{
			LabelResourceGroup: r.ResourceGroup,
			LabelPlan:          r.Name,
		}
	}
	plan := r.PlanName
	if plan == "" {
		plan = UnknownPlan
	}
	return map[string]string{
		LabelResourceGroup: r.ResourceGroup,
		LabelWebApp:        r.Name,
		LabelPlan:          plan,
	}
}

// WithPlan returns a copy of the ref with the plan name set
func (r Ref) WithPlan(plan string) Ref {
	r.PlanName = plan
	return r
}

// MetricGroup is a set of metric names requested together at one interval
type MetricGroup struct {
	Interval string   `yaml:"interval"` // ISO-8601 duration, e.g. PT5M
	Timespan string   `yaml:"timespan"` // Lookback window, e.g. PT1H
	Names    []string `yaml:"names"`
}

// Lookback returns the configured timespan or the default for the interval
func (g MetricGroup) Lookback() string {
	if g.Timespan != "" {
		return g.Timespan
	}
	return DefaultLookback(g.Interval)
}

// DefaultLookback returns a lookback window long enough to hold at least one
// sample of the interval: PT24H for intervals of an hour or more, PT1H otherwise.
func DefaultLookback(interval string) string {
	d, err := ParseISODuration(interval)
	if err == nil && d >= time.Hour {
		return "PT24H"
	}
	return "PT1H"
}

// ParseISODuration parses the subset of ISO-8601 durations Azure Monitor uses
// for metric intervals (PTnH, PTnM, PTnS and PnD combinations).
func ParseISODuration(s string) (time.Duration, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(v, "P") || len(v) < 3 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	v = v[1:]

	var total time.Duration
	inTime := false
	num := 0
	digits := 0
	for _, ch := range v {
		switch {
		case ch == 'T':
			if inTime || digits > 0 {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			inTime = true
		case ch >= '0' && ch <= '9':
			num = num*10 + int(ch-'0')
			digits++
		default:
			if digits == 0 {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			var unit time.Duration
			switch {
			case ch == 'D' && !inTime:
				unit = 24 * time.Hour
			case ch == 'H' && inTime:
				unit = time.Hour
			case ch == 'M' && inTime:
				unit = time.Minute
			case ch == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("unsupported unit %q in duration %q", ch, s)
			}
			total += time.Duration(num) * unit
			num, digits = 0, 0
		}
	}
	if digits > 0 || total == 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	return total, nil
}

// Sample is one normalized metric value for one resource
type Sample struct {
	Name       string
	Labels     map[string]string
	Value      float64
	ObservedAt time.Time // Timestamp reported by the API, advisory only
}

// MetricName derives the exported name from a source metric identifier
func MetricName(kind Kind, source string) string {
	return kind.Prefix() + Sanitize(source)
}

// Sanitize lower-cases s and replaces every character outside [a-z0-9_] with '_'
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range strings.ToLower(s) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '_' {
			b.WriteRune(ch)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// PlanNameFromID returns the last segment of an ARM server farm ID
func PlanNameFromID(id string) string {
	id = strings.TrimRight(strings.TrimSpace(id), "/")
	if id == "" {
		return ""
	}
	parts := strings.Split(id, "/")
	return parts[len(parts)-1]
}
