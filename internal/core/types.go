// Package core defines the fundamental types for Site Kit.
package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// PROVIDER - One of the external reporting services
// -----------------------------------------------------------------------------

// Provider is a type-safe identifier for a reporting provider
type Provider string

const (
	ProviderAdSense       Provider = "adsense"
	ProviderAnalytics     Provider = "analytics"
	ProviderSearchConsole Provider = "search_console"
)

// Providers lists every supported provider in display order
func Providers() []Provider {
	return []Provider{ProviderAdSense, ProviderAnalytics, ProviderSearchConsole}
}

// ParseProvider validates a provider name
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderAdSense, ProviderAnalytics, ProviderSearchConsole:
		return p, nil
	case "search-console", "searchconsole":
		return ProviderSearchConsole, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// -----------------------------------------------------------------------------
// INTEGRATION - The single provider credential record
// -----------------------------------------------------------------------------

// ConnectionStatus represents the integration connection state
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Services holds one enable flag per provider
type Services map[Provider]bool

// Enabled reports whether the provider may be invoked
func (s Services) Enabled(p Provider) bool {
	return s != nil && s[p]
}

// String renders the enabled set as a sorted comma list, used as the column encoding
func (s Services) String() string {
	var names []string
	for p, on := range s {
		if on {
			names = append(names, string(p))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// ParseServices decodes the column encoding produced by Services.String
func ParseServices(v string) Services {
	out := Services{}
	for _, name := range strings.Split(v, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if p, err := ParseProvider(name); err == nil {
			out[p] = true
		}
	}
	return out
}

// IntegrationConfig is the one logical integration per deployment.
// Token fields are nil until the integration has been authorized.
type IntegrationConfig struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`

	AccessToken          *string    `json:"-"`
	RefreshToken         *string    `json:"-"`
	AccessTokenExpiresAt *time.Time `json:"access_token_expires_at,omitempty"`

	ConnectionStatus ConnectionStatus `json:"connection_status"`
	LastError        string           `json:"last_error,omitempty"`
	EnabledServices  Services         `json:"enabled_services"`

	// Provider site identifiers
	AdSenseAccount    string `json:"adsense_account,omitempty"`    // accounts/pub-XXXX
	AnalyticsProperty string `json:"analytics_property,omitempty"` // properties/XXXX
	SearchConsoleSite string `json:"search_console_site,omitempty"`

	Version         int64      `json:"version"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TokenUsable reports whether the access token can be used at now without refreshing.
// The token must outlive now by at least margin.
func (c *IntegrationConfig) TokenUsable(now time.Time, margin time.Duration) bool {
	if c.AccessToken == nil || *c.AccessToken == "" || c.AccessTokenExpiresAt == nil {
		return false
	}
	return c.AccessTokenExpiresAt.After(now.Add(margin))
}

// SiteID returns the provider-specific site identifier
func (c *IntegrationConfig) SiteID(p Provider) string {
	switch p {
	case ProviderAdSense:
		return c.AdSenseAccount
	case ProviderAnalytics:
		return c.AnalyticsProperty
	case ProviderSearchConsole:
		return c.SearchConsoleSite
	}
	return ""
}

// IntegrationPatch carries the fields a writer owns. Nil fields are left untouched.
type IntegrationPatch struct {
	ClientID          *string
	ClientSecret      *string
	EnabledServices   Services
	AdSenseAccount    *string
	AnalyticsProperty *string
	SearchConsoleSite *string
}

// IsEmpty reports whether the patch changes nothing
func (p IntegrationPatch) IsEmpty() bool {
	return p.ClientID == nil && p.ClientSecret == nil && p.EnabledServices == nil &&
		p.AdSenseAccount == nil && p.AnalyticsProperty == nil && p.SearchConsoleSite == nil
}

// TokenUpdate is the result of a successful refresh
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string // empty keeps the stored refresh token
	ExpiresAt    time.Time
	RefreshedAt  time.Time
}

// -----------------------------------------------------------------------------
// REPORTS - Query parameters and cached responses
// -----------------------------------------------------------------------------

// DateLayout is the calendar date format used by every provider
const DateLayout = "2006-01-02"

// ReportParams is the provider-agnostic report query
type ReportParams struct {
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Metrics    []string `json:"metrics,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
	Limit      int64    `json:"limit,omitempty"`
}

// Validate checks the date range
func (p ReportParams) Validate() error {
	start, err := time.Parse(DateLayout, p.StartDate)
	if err != nil {
		return fmt.Errorf("%w: start date %q", ErrInvalidParams, p.StartDate)
	}
	end, err := time.Parse(DateLayout, p.EndDate)
	if err != nil {
		return fmt.Errorf("%w: end date %q", ErrInvalidParams, p.EndDate)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidParams)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidParams)
	}
	return nil
}

// DefaultReportParams returns the dashboard default: the 28 days ending yesterday
func DefaultReportParams(now time.Time) ReportParams {
	end := now.UTC().AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -27)
	return ReportParams{
		StartDate: start.Format(DateLayout),
		EndDate:   end.Format(DateLayout),
	}
}

// CacheEntry is one cached provider response
type CacheEntry struct {
	Provider        Provider  `json:"provider"`
	CacheKey        string    `json:"cache_key"`
	Payload         []byte    `json:"payload"`
	ExpiresAt       time.Time `json:"expires_at"`
	FetchedAt       time.Time `json:"fetched_at"`
	FetchDurationMs int64     `json:"fetch_duration_ms"`
	SizeBytes       int64     `json:"size_bytes"`
}

// Live reports whether the entry is still valid at now
func (e *CacheEntry) Live(now time.Time) bool {
	return e.ExpiresAt.After(now)
}
