package providers

import (
	"context"
	"encoding/json"
	"net/http"

	"google.golang.org/api/analyticsdata/v1beta"

	"github.com/blogkit/sitekit/internal/core"
)

var (
	analyticsDefaultMetrics    = []string{"sessions", "totalUsers", "screenPageViews"}
	analyticsDefaultDimensions = []string{"date"}
)

// Analytics fetches GA4 reports from the Analytics Data API
type Analytics struct {
	Endpoint string // Overrides the API base URL
}

// Provider returns core.ProviderAnalytics
func (a *Analytics) Provider() core.Provider { return core.ProviderAnalytics }

// Fetch runs a GA4 report against the configured property.
func (a *Analytics) Fetch(ctx context.Context, client *http.Client, cfg *core.IntegrationConfig, params core.ReportParams) (json.RawMessage, error) {
	svc, err := analyticsdata.NewService(ctx, clientOptions(client, a.Endpoint)...)
	if err != nil {
		return nil, err
	}

	req := &analyticsdata.RunReportRequest{
		DateRanges: []*analyticsdata.DateRange{{
			StartDate: params.StartDate,
			EndDate:   params.EndDate,
		}},
		Limit: params.Limit,
	}
	for _, m := range orDefault(params.Metrics, analyticsDefaultMetrics) {
		req.Metrics = append(req.Metrics, &analyticsdata.Metric{Name: m})
	}
	for _, d := range orDefault(params.Dimensions, analyticsDefaultDimensions) {
		req.Dimensions = append(req.Dimensions, &analyticsdata.Dimension{Name: d})
	}

	res, err := svc.Properties.RunReport(cfg.AnalyticsProperty, req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	report := newReport(core.ProviderAnalytics, cfg.AnalyticsProperty, params)
	for _, h := range res.DimensionHeaders {
		report.Headers = append(report.Headers, Header{Name: h.Name, Kind: KindDimension})
	}
	for _, h := range res.MetricHeaders {
		report.Headers = append(report.Headers, Header{Name: h.Name, Kind: KindMetric})
	}

	for _, row := range res.Rows {
		var out Row
		for _, v := range row.DimensionValues {
			out.Dimensions = append(out.Dimensions, v.Value)
		}
		for _, v := range row.MetricValues {
			out.Metrics = append(out.Metrics, parseNumber(v.Value))
		}
		report.Rows = append(report.Rows, out)
	}

	if len(res.Totals) > 0 {
		report.Totals = make(map[string]float64, len(res.MetricHeaders))
		for i, v := range res.Totals[0].MetricValues {
			if i < len(res.MetricHeaders) {
				report.Totals[res.MetricHeaders[i].Name] = parseNumber(v.Value)
			}
		}
	}

	return report.encode()
}
