package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
	"github.com/zgpcy/azure-webapp-exporter/internal/resource"
	"github.com/zgpcy/azure-webapp-exporter/internal/version"
)

// Azure REST API constants
const (
	// MetricsAPIVersion is the microsoft.insights/metrics API version
	MetricsAPIVersion = "2024-02-01"

	// WebAPIVersion is the Microsoft.Web sites and serverfarms API version
	WebAPIVersion = "2024-04-01"

	// DefaultRequestTimeout bounds a single request when no timeout is configured
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 1024
	maxPages     = 100
)

// PlanDescriptor is the subset of an App Service plan resource the exporter reads
type PlanDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	SKU  struct {
		Name     string `json:"name"`
		Tier     string `json:"tier"`
		Capacity int    `json:"capacity"`
	} `json:"sku"`
	Properties struct {
		NumberOfWorkers int `json:"numberOfWorkers"`
		NumberOfSites   int `json:"numberOfSites"`
	} `json:"properties"`
}

// InstanceCount returns the worker count of the plan, falling back to the SKU capacity
func (p *PlanDescriptor) InstanceCount() int {
	if p.Properties.NumberOfWorkers > 0 {
		return p.Properties.NumberOfWorkers
	}
	return p.SKU.Capacity
}

type siteDescriptor struct {
	Properties struct {
		ServerFarmID string `json:"serverFarmId"`
	} `json:"properties"`
}

type planList struct {
	Value []struct {
		Name string `json:"name"`
	} `json:"value"`
	NextLink string `json:"nextLink"`
}

// MonitorClient talks to the ARM endpoints for App Service resources and their
// metrics through an azcore pipeline. The pipeline does not retry; every error
// is a *failure.Error.
type MonitorClient struct {
	endpoint  string
	pipeline  runtime.Pipeline
	timeout   time.Duration
	transport policy.Transporter
}

// MonitorOption configures a MonitorClient
type MonitorOption func(*MonitorClient)

// WithTransport sets the HTTP transport of the pipeline, e.g. an *http.Client
func WithTransport(t policy.Transporter) MonitorOption {
	return func(c *MonitorClient) { c.transport = t }
}

// WithRequestTimeout sets the per-request timeout
func WithRequestTimeout(d time.Duration) MonitorOption {
	return func(c *MonitorClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewMonitorClient creates a client for the ARM endpoint, e.g. https://management.azure.com
func NewMonitorClient(endpoint string, opts ...MonitorOption) *MonitorClient {
	c := &MonitorClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		timeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pipeline = runtime.NewPipeline(version.ApplicationID, version.Version,
		runtime.PipelineOptions{PerCall: []policy.Policy{bearerPolicy{}}},
		&policy.ClientOptions{
			Retry:     policy.RetryOptions{MaxRetries: -1},
			Telemetry: policy.TelemetryOptions{ApplicationID: version.ApplicationID},
			Transport: c.transport,
		})
	return c
}

type tokenKey struct{}

// bearerPolicy authorizes a request with the token its context carries.
// The token is owned by the caller, which invalidates it on a 401.
type bearerPolicy struct{}

func (bearerPolicy) Do(req *policy.Request) (*http.Response, error) {
	if tok, ok := req.Raw().Context().Value(tokenKey{}).(string); ok && tok != "" {
		req.Raw().Header.Set("Authorization", "Bearer "+tok)
	}
	return req.Next()
}

// FetchMetrics queries the metrics of group for ref
func (c *MonitorClient) FetchMetrics(ctx context.Context, ref resource.Ref, group resource.MetricGroup, token string) (*MetricsResponse, error) {
	q := url.Values{}
	q.Set("api-version", MetricsAPIVersion)
	q.Set("metricnames", strings.Join(group.Names, ","))
	q.Set("interval", group.Interval)
	q.Set("timespan", group.Lookback())
	q.Set("metricnamespace", ref.Kind.Namespace())

	var out *MetricsResponse
	err := c.get(ctx, "fetch metrics", c.endpoint+ref.ID()+"/providers/microsoft.insights/metrics?"+q.Encode(), token,
		func(resp *http.Response) error {
			body, err := runtime.Payload(resp)
			if err != nil {
				return failure.Transport("fetch metrics", fmt.Errorf("failed to read response: %w", err))
			}
			out, err = DecodeMetricsResponse(body)
			return err
		})
	return out, err
}

// ResolvePlan returns the name of the plan hosting the web app ref
func (c *MonitorClient) ResolvePlan(ctx context.Context, ref resource.Ref, token string) (string, error) {
	var site siteDescriptor
	if err := c.get(ctx, "resolve plan", c.resourceURL(ref.ID()), token, decodeInto("resolve plan", &site)); err != nil {
		return "", err
	}

	plan := resource.PlanNameFromID(site.Properties.ServerFarmID)
	if plan == "" {
		return "", failure.Parse("resolve plan", errors.New("site descriptor has no properties.serverFarmId"))
	}
	return plan, nil
}

// GetPlan returns the descriptor of the plan ref
func (c *MonitorClient) GetPlan(ctx context.Context, ref resource.Ref, token string) (*PlanDescriptor, error) {
	var plan PlanDescriptor
	if err := c.get(ctx, "get plan", c.resourceURL(ref.ID()), token, decodeInto("get plan", &plan)); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListPlans returns the names of every plan in a resource group, following nextLink pages
func (c *MonitorClient) ListPlans(ctx context.Context, subscriptionID, resourceGroup, token string) ([]string, error) {
	next := c.resourceURL(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Web/serverfarms",
		url.PathEscape(subscriptionID), url.PathEscape(resourceGroup)))

	var names []string
	for page := 0; next != "" && page < maxPages; page++ {
		var list planList
		if err := c.get(ctx, "list plans", next, token, decodeInto("list plans", &list)); err != nil {
			return nil, err
		}
		for _, p := range list.Value {
			if p.Name != "" {
				names = append(names, p.Name)
			}
		}
		next = list.NextLink
	}
	return names, nil
}

func (c *MonitorClient) resourceURL(id string) string {
	return c.endpoint + id + "?api-version=" + WebAPIVersion
}

func decodeInto(op string, v any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if err := runtime.UnmarshalAsJSON(resp, v); err != nil {
			return failure.Parse(op, err)
		}
		return nil
	}
}

// get sends one authorized GET bounded by the request timeout and hands a
// 200 response to decode
func (c *MonitorClient) get(ctx context.Context, op, rawURL, token string, decode func(*http.Response) error) error {
	reqCtx, cancel := context.WithTimeout(context.WithValue(ctx, tokenKey{}, token), c.timeout)
	defer cancel()

	req, err := runtime.NewRequest(reqCtx, http.MethodGet, rawURL)
	if err != nil {
		return failure.Transport(op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Raw().Header.Set("Accept", "application/json")

	resp, err := c.pipeline.Do(req)
	if err != nil {
		// Only the request's own deadline counts as a timeout, not the caller's
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return failure.Timeout(op, c.timeout)
		}
		return failure.Transport(op, err)
	}

	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return responseFailure(op, runtime.NewResponseError(resp))
	}
	return decode(resp)
}

// responseFailure maps the azcore error of a non-success response to a Fetch failure
func responseFailure(op string, err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return failure.Transport(op, err)
	}

	body, _ := runtime.Payload(respErr.RawResponse)
	return &failure.Error{
		Kind:       failure.KindFetch,
		Op:         op,
		StatusCode: respErr.StatusCode,
		Code:       respErr.ErrorCode,
		Body:       truncate(body, maxErrorBody),
	}
}

func truncate(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}
