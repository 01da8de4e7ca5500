package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"github.com/cenkalti/backoff/v4"

	"github.com/zgpcy/azure-webapp-exporter/internal/clock"
	"github.com/zgpcy/azure-webapp-exporter/internal/config"
	"github.com/zgpcy/azure-webapp-exporter/internal/logger"
	"github.com/zgpcy/azure-webapp-exporter/internal/version"
)

// Azure API retry constants
const (
	// MaxRetryElapsedTime is the maximum time to spend retrying a failed API call
	MaxRetryElapsedTime = 2 * time.Minute

	// InitialRetryInterval is the initial backoff interval for retries
	InitialRetryInterval = 1 * time.Second

	// MaxRetryInterval is the maximum backoff interval between retries
	MaxRetryInterval = 30 * time.Second
)

// ARM resource types reported by the cost client
const (
	ResourceTypeSite       = "microsoft.web/sites"
	ResourceTypeServerFarm = "microsoft.web/serverfarms"
)

// CostRecord is the daily cost of one App Service resource
type CostRecord struct {
	Date          string
	ResourceGroup string
	ResourceID    string
	ResourceName  string
	ResourceType  string // Lower-case ARM type
	Cost          float64
	Currency      string
}

// usageQuerier is the part of armcostmanagement.QueryClient the cost client calls
type usageQuerier interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition,
		options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

// CostOptions configures a CostClient
type CostOptions struct {
	Cloud         cloud.Configuration
	Currency      string // Used when the response carries no currency column
	EndDateOffset int    // Days before today of the queried day
	Timeout       time.Duration
}

// CostClient queries Azure Cost Management for the daily cost of web apps and plans
type CostClient struct {
	client     usageQuerier
	opts       CostOptions
	logger     *logger.Logger
	clock      clock.Clock
	newBackOff func() backoff.BackOff
}

// NewCostClient creates a cost client authenticating with cred
func NewCostClient(cred azcore.TokenCredential, opts CostOptions, log *logger.Logger) (*CostClient, error) {
	client, err := armcostmanagement.NewQueryClient(cred, &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Cloud:     opts.Cloud,
			Telemetry: policy.TelemetryOptions{ApplicationID: version.ApplicationID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cost management client: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}

	return &CostClient{
		client:     client,
		opts:       opts,
		logger:     log,
		clock:      clock.RealClock{},
		newBackOff: defaultBackOff,
	}, nil
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = InitialRetryInterval
	bo.MaxInterval = MaxRetryInterval
	bo.MaxElapsedTime = MaxRetryElapsedTime
	return bo
}

// QueryCosts returns the App Service costs in the identity's resource group
// for the day EndDateOffset days ago, retrying with exponential backoff
func (c *CostClient) QueryCosts(ctx context.Context, id config.Identity) ([]CostRecord, error) {
	var result []CostRecord

	operation := func() error {
		records, err := c.queryCosts(ctx, id)
		if err != nil {
			c.logger.Debug("Cost query failed, will retry",
				"resource_group", id.ResourceGroupName,
				"subscription_id", id.SubscriptionID,
				"error", err)
			return err
		}
		result = records
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("resource group %s failed after retries: %w", id.ResourceGroupName, err)
	}
	return result, nil
}

// queryCosts performs the actual API call without retry logic
func (c *CostClient) queryCosts(ctx context.Context, id config.Identity) ([]CostRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	day := c.clock.Now().UTC().AddDate(0, 0, -c.opts.EndDateOffset)
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24*time.Hour - time.Second)

	c.logger.Debug("Querying Azure Cost Management API",
		"resource_group", id.ResourceGroupName,
		"date", from.Format("2006-01-02"))

	scope := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", id.SubscriptionID, id.ResourceGroupName)
	queryType := armcostmanagement.ExportTypeActualCost
	timeframe := armcostmanagement.TimeframeTypeCustom
	granularity := armcostmanagement.GranularityTypeDaily
	dimension := armcostmanagement.QueryColumnTypeDimension

	queryDef := armcostmanagement.QueryDefinition{
		Type:      &queryType,
		Timeframe: &timeframe,
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &from,
			To:   &to,
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: &granularity,
			Aggregation: map[string]*armcostmanagement.QueryAggregation{
				"totalCost": {
					Name:     stringPtr("Cost"),
					Function: functionPtr(armcostmanagement.FunctionTypeSum),
				},
			},
			Grouping: []*armcostmanagement.QueryGrouping{
				{Type: &dimension, Name: stringPtr("ResourceId")},
				{Type: &dimension, Name: stringPtr("ResourceType")},
			},
		},
	}

	resp, err := c.client.Usage(ctx, scope, queryDef, nil)
	if err != nil {
		return nil, fmt.Errorf("cost query failed for %s: %w", from.Format("2006-01-02"), err)
	}

	return c.parseResponse(resp.QueryResult, id), nil
}

// buildColumnMap creates a map of column names to their indices
func buildColumnMap(columns []*armcostmanagement.QueryColumn) map[string]int {
	columnMap := make(map[string]int)
	for i, col := range columns {
		if col.Name != nil {
			columnMap[*col.Name] = i
		}
	}
	return columnMap
}

// getStringFromRow extracts a string value from a row by column name
func getStringFromRow(row []interface{}, columnMap map[string]int, columnName string) string {
	if idx, ok := columnMap[columnName]; ok && len(row) > idx {
		value := fmt.Sprintf("%v", row[idx])
		if value != "" && value != "<nil>" {
			return value
		}
	}
	return ""
}

// parseCost extracts and converts cost value to float64
func parseCost(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0.0
	}
}

// parseDate formats a UsageDate value (20260115, "20260115", "2026-01-15T00:00:00") as YYYY-MM-DD
func parseDate(value interface{}) string {
	var s string
	switch v := value.(type) {
	case float64:
		s = fmt.Sprintf("%.0f", v)
	default:
		s = fmt.Sprintf("%v", v)
	}

	var digits strings.Builder
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			digits.WriteRune(ch)
		}
	}
	d := digits.String()
	if len(d) < 8 {
		return d
	}
	return d[0:4] + "-" + d[4:6] + "-" + d[6:8]
}

// resourceGroupFromID returns the resource group segment of an ARM ID
func resourceGroupFromID(id string) string {
	parts := strings.Split(id, "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "resourcegroups") {
			return parts[i+1]
		}
	}
	return ""
}

// costColumn returns the index of the aggregated cost column
func costColumn(columnMap map[string]int) (int, bool) {
	for _, name := range []string{"totalCost", "Cost", "PreTaxCost"} {
		if idx, ok := columnMap[name]; ok {
			return idx, true
		}
	}
	return 0, false
}

// parseResponse converts a cost query result into records of web apps and plans
func (c *CostClient) parseResponse(result armcostmanagement.QueryResult, id config.Identity) []CostRecord {
	var records []CostRecord

	if result.Properties == nil || result.Properties.Rows == nil {
		return records
	}

	columnMap := buildColumnMap(result.Properties.Columns)

	costIdx, hasCost := costColumn(columnMap)
	dateIdx, hasDate := columnMap["UsageDate"]
	if !hasCost || !hasDate {
		return records
	}

	for _, row := range result.Properties.Rows {
		if len(row) <= costIdx || len(row) <= dateIdx {
			continue
		}

		resourceType := strings.ToLower(getStringFromRow(row, columnMap, "ResourceType"))
		if resourceType != ResourceTypeSite && resourceType != ResourceTypeServerFarm {
			continue
		}

		resourceID := getStringFromRow(row, columnMap, "ResourceId")
		rg := resourceGroupFromID(resourceID)
		if rg == "" {
			rg = id.ResourceGroupName
		}
		currency := getStringFromRow(row, columnMap, "Currency")
		if currency == "" {
			currency = c.opts.Currency
		}

		records = append(records, CostRecord{
			Date:          parseDate(row[dateIdx]),
			ResourceGroup: rg,
			ResourceID:    resourceID,
			ResourceName:  resourceNameFromID(resourceID),
			ResourceType:  resourceType,
			Cost:          parseCost(row[costIdx]),
			Currency:      currency,
		})
	}

	return records
}

func resourceNameFromID(id string) string {
	parts := strings.Split(strings.TrimRight(id, "/"), "/")
	return parts[len(parts)-1]
}

// Helper functions
func stringPtr(s string) *string {
	return &s
}

func functionPtr(f armcostmanagement.FunctionType) *armcostmanagement.FunctionType {
	return &f
}
