package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/adsense/v2"

	"github.com/blogkit/sitekit/internal/core"
)

var (
	adsenseDefaultMetrics    = []string{"ESTIMATED_EARNINGS", "PAGE_VIEWS", "CLICKS"}
	adsenseDefaultDimensions = []string{"DATE"}
)

// AdSense fetches earnings reports from the AdSense Management API
type AdSense struct {
	Endpoint string // Overrides the API base URL
}

// Provider returns core.ProviderAdSense
func (a *AdSense) Provider() core.Provider { return core.ProviderAdSense }

// Fetch generates an AdSense report for the configured account
func (a *AdSense) Fetch(ctx context.Context, client *http.Client, cfg *core.IntegrationConfig, params core.ReportParams) (json.RawMessage, error) {
	svc, err := adsense.NewService(ctx, clientOptions(client, a.Endpoint)...)
	if err != nil {
		return nil, err
	}

	start, err := time.Parse(core.DateLayout, params.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(core.DateLayout, params.EndDate)
	if err != nil {
		return nil, err
	}

	call := svc.Accounts.Reports.Generate(cfg.AdSenseAccount).
		DateRange("CUSTOM").
		StartDateYear(int64(start.Year())).
		StartDateMonth(int64(start.Month())).
		StartDateDay(int64(start.Day())).
		EndDateYear(int64(end.Year())).
		EndDateMonth(int64(end.Month())).
		EndDateDay(int64(end.Day())).
		Metrics(upper(orDefault(params.Metrics, adsenseDefaultMetrics))...).
		Dimensions(upper(orDefault(params.Dimensions, adsenseDefaultDimensions))...)
	if params.Limit > 0 {
		call = call.Limit(params.Limit)
	}

	res, err := call.Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	report := newReport(core.ProviderAdSense, cfg.AdSenseAccount, params)
	var metricCols []int
	for i, h := range res.Headers {
		if h.Type == "DIMENSION" {
			report.Headers = append(report.Headers, Header{Name: h.Name, Kind: KindDimension})
			continue
		}
		report.Headers = append(report.Headers, Header{Name: h.Name, Kind: KindMetric})
		metricCols = append(metricCols, i)
		if h.CurrencyCode != "" {
			report.Currency = h.CurrencyCode
		}
	}

	isMetric := make(map[int]bool, len(metricCols))
	for _, i := range metricCols {
		isMetric[i] = true
	}

	for _, row := range res.Rows {
		var out Row
		for i, cell := range row.Cells {
			if isMetric[i] {
				out.Metrics = append(out.Metrics, parseNumber(cell.Value))
			} else {
				out.Dimensions = append(out.Dimensions, cell.Value)
			}
		}
		report.Rows = append(report.Rows, out)
	}

	if res.Totals != nil {
		report.Totals = make(map[string]float64, len(metricCols))
		for _, i := range metricCols {
			if i < len(res.Totals.Cells) {
				report.Totals[res.Headers[i].Name] = parseNumber(res.Totals.Cells[i].Value)
			}
		}
	}

	return report.encode()
}

// AdSense metric and dimension names are upper snake case
func upper(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToUpper(n)
	}
	return out
}
