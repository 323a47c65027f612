// Package providers fetches reports from Google's reporting APIs.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"google.golang.org/api/adsense/v2"
	"google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/option"
	"google.golang.org/api/searchconsole/v1"

	"github.com/blogkit/sitekit/internal/core"
)

// Adapter builds one provider's request and normalizes its response.
// The client already carries the bearer token.
type Adapter interface {
	Provider() core.Provider
	Fetch(ctx context.Context, client *http.Client, cfg *core.IntegrationConfig, params core.ReportParams) (json.RawMessage, error)
}

// Normalizer is implemented by adapters that ignore some report parameters.
// Normalized params are what the adapter fetches and what the cache key covers.
type Normalizer interface {
	Normalize(params core.ReportParams) core.ReportParams
}

// Normalize returns params as the adapter will use them
func Normalize(a Adapter, params core.ReportParams) core.ReportParams {
	if n, ok := a.(Normalizer); ok {
		return n.Normalize(params)
	}
	return params
}

// Scopes returns the read-only OAuth scopes the adapters need
func Scopes() []string {
	return []string{
		adsense.AdsenseReadonlyScope,
		analyticsdata.AnalyticsReadonlyScope,
		searchconsole.WebmastersReadonlyScope,
	}
}

// Registry resolves adapters by provider
type Registry struct {
	adapters map[core.Provider]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[core.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// DefaultRegistry returns the three Google adapters.
// A non-empty endpoint replaces every API base URL.
func DefaultRegistry(endpoint string) *Registry {
	return NewRegistry(
		&AdSense{Endpoint: endpoint},
		&Analytics{Endpoint: endpoint},
		&SearchConsole{Endpoint: endpoint},
	)
}

// Get returns the adapter for a provider
func (r *Registry) Get(p core.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownProvider, p)
	}
	return a, nil
}

// Report is the normalized payload every adapter produces
type Report struct {
	Provider  core.Provider      `json:"provider"`
	Site      string             `json:"site"`
	StartDate string             `json:"start_date"`
	EndDate   string             `json:"end_date"`
	Headers   []Header           `json:"headers"`
	Rows      []Row              `json:"rows"`
	Totals    map[string]float64 `json:"totals,omitempty"`
	Currency  string             `json:"currency,omitempty"`
}

// Header describes one column
type Header struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // dimension or metric
}

const (
	KindDimension = "dimension"
	KindMetric    = "metric"
)

// Row holds dimension values followed by metric values, in header order
type Row struct {
	Dimensions []string  `json:"dimensions"`
	Metrics    []float64 `json:"metrics"`
}

func newReport(p core.Provider, site string, params core.ReportParams) *Report {
	return &Report{
		Provider:  p,
		Site:      site,
		StartDate: params.StartDate,
		EndDate:   params.EndDate,
		Headers:   []Header{},
		Rows:      []Row{},
	}
}

func (r *Report) encode() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s report: %w", r.Provider, err)
	}
	return data, nil
}

func clientOptions(client *http.Client, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

// parseNumber reads a provider metric value; blanks and non-numbers read as zero
func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func orDefault(values, fallback []string) []string {
	if len(values) > 0 {
		return values
	}
	return fallback
}
