package azure

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zgpcy/azure-webapp-exporter/internal/failure"
)

// MetricsResponse is the body of an Azure Monitor metrics query
type MetricsResponse struct {
	Timespan  string   `json:"timespan"`
	Interval  string   `json:"interval"`
	Namespace string   `json:"namespace"`
	Region    string   `json:"resourceregion"`
	Value     []Metric `json:"value"`
}

// Metric is one metric of a metrics query result
type Metric struct {
	ID         string            `json:"id"`
	Name       LocalizableString `json:"name"`
	Unit       string            `json:"unit"`
	Timeseries []TimeSeries      `json:"timeseries"`
	ErrorCode  string            `json:"errorCode"`
}

// LocalizableString is a name with its display form
type LocalizableString struct {
	Value          string `json:"value"`
	LocalizedValue string `json:"localizedValue"`
}

// TimeSeries is one dimension combination of a metric
type TimeSeries struct {
	Data []DataPoint `json:"data"`
}

// DataPoint holds the aggregations of one interval. Absent aggregations are nil.
type DataPoint struct {
	TimeStamp time.Time `json:"timeStamp"`
	Total     *float64  `json:"total"`
	Average   *float64  `json:"average"`
	Maximum   *float64  `json:"maximum"`
	Minimum   *float64  `json:"minimum"`
	Count     *float64  `json:"count"`
	Sum       *float64  `json:"sum"`
}

// DecodeMetricsResponse parses a metrics query body
func DecodeMetricsResponse(data []byte) (*MetricsResponse, error) {
	var resp MetricsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, failure.Parse("decode metrics", fmt.Errorf("invalid metrics response: %w", err))
	}
	return &resp, nil
}

// Extract returns the current scalar of metricName in resp.
// It reads the last data point of the first time series and takes the first
// present aggregation of total, average, maximum, sum. Anything missing yields 0.
func Extract(metricName string, resp *MetricsResponse) float64 {
	v, _, _ := ExtractSample(metricName, resp)
	return v
}

// ExtractSample is Extract plus the timestamp of the point read and whether
// a point carrying a value was found
func ExtractSample(metricName string, resp *MetricsResponse) (float64, time.Time, bool) {
	if resp == nil {
		return 0, time.Time{}, false
	}

	for _, m := range resp.Value {
		if !strings.EqualFold(m.Name.Value, metricName) {
			continue
		}
		if len(m.Timeseries) == 0 || len(m.Timeseries[0].Data) == 0 {
			return 0, time.Time{}, false
		}
		data := m.Timeseries[0].Data
		point := data[len(data)-1]
		for _, agg := range []*float64{point.Total, point.Average, point.Maximum, point.Sum} {
			if agg != nil {
				return *agg, point.TimeStamp, true
			}
		}
		return 0, point.TimeStamp, false
	}

	return 0, time.Time{}, false
}
