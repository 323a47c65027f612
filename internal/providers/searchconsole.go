package providers

import (
	"context"
	"encoding/json"
	"net/http"

	"google.golang.org/api/searchconsole/v1"

	"github.com/blogkit/sitekit/internal/core"
)

var searchConsoleDefaultDimensions = []string{"date"}

// searchConsoleMetrics is the fixed metric set the API returns for every row
var searchConsoleMetrics = []string{"clicks", "impressions", "ctr", "position"}

// SearchConsole fetches search performance from the Search Console API
type SearchConsole struct {
	Endpoint string // Overrides the API base URL
}

// Provider returns core.ProviderSearchConsole
func (a *SearchConsole) Provider() core.Provider { return core.ProviderSearchConsole }

// Normalize drops requested metrics; every row carries the fixed Search Console set
func (a *SearchConsole) Normalize(params core.ReportParams) core.ReportParams {
	params.Metrics = nil
	return params
}

// Fetch queries search analytics for the configured site, grouped by the requested dimensions.
func (a *SearchConsole) Fetch(ctx context.Context, client *http.Client, cfg *core.IntegrationConfig, params core.ReportParams) (json.RawMessage, error) {
	svc, err := searchconsole.NewService(ctx, clientOptions(client, a.Endpoint)...)
	if err != nil {
		return nil, err
	}

	dims := orDefault(params.Dimensions, searchConsoleDefaultDimensions)
	req := &searchconsole.SearchAnalyticsQueryRequest{
		StartDate:  params.StartDate,
		EndDate:    params.EndDate,
		Dimensions: dims,
		RowLimit:   params.Limit,
	}

	res, err := svc.Searchanalytics.Query(cfg.SearchConsoleSite, req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	report := newReport(core.ProviderSearchConsole, cfg.SearchConsoleSite, params)
	for _, d := range dims {
		report.Headers = append(report.Headers, Header{Name: d, Kind: KindDimension})
	}
	for _, m := range searchConsoleMetrics {
		report.Headers = append(report.Headers, Header{Name: m, Kind: KindMetric})
	}

	var clicks, impressions float64
	for _, row := range res.Rows {
		report.Rows = append(report.Rows, Row{
			Dimensions: row.Keys,
			Metrics:    []float64{row.Clicks, row.Impressions, row.Ctr, row.Position},
		})
		clicks += row.Clicks
		impressions += row.Impressions
	}

	report.Totals = map[string]float64{
		"clicks":      clicks,
		"impressions": impressions,
	}
	if impressions > 0 {
		report.Totals["ctr"] = clicks / impressions
	}

	return report.encode()
}
