// Package status reports the integration's connection state.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/logging"
)

// ConfigSource reads the integration
type ConfigSource interface {
	Get(ctx context.Context) (*core.IntegrationConfig, error)
}

// FetchHistory knows when a provider fetch last succeeded
type FetchHistory interface {
	LastFetchedAt(ctx context.Context) (*time.Time, error)
}

// Report is a point-in-time view of the integration
type Report struct {
	Configured       bool                  `json:"configured"`
	ConnectionStatus core.ConnectionStatus `json:"connection_status"`
	LastError        string                `json:"last_error,omitempty"`
	Services         []Service             `json:"services"`
	TokenExpiresAt   *time.Time            `json:"token_expires_at,omitempty"`
	LastRefreshedAt  *time.Time            `json:"last_refreshed_at,omitempty"`
	LastFetchAt      *time.Time            `json:"last_fetch_at,omitempty"`
	CheckedAt        time.Time             `json:"checked_at"`
}

// Service is one provider's enablement
type Service struct {
	Provider core.Provider `json:"provider"`
	Enabled  bool          `json:"enabled"`
	Site     string        `json:"site,omitempty"`
}

// SameState reports whether two reports describe the same state, ignoring when they were taken
func (r *Report) SameState(other *Report) bool {
	if r == nil || other == nil {
		return r == other
	}
	a, b := *r, *other
	a.CheckedAt, b.CheckedAt = time.Time{}, time.Time{}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return bytes.Equal(ja, jb)
}

// Reporter builds status reports. It reads current state on every call and never writes.
type Reporter struct {
	config  ConfigSource
	history FetchHistory
	now     func() time.Time
}

// NewReporter creates a status reporter. history may be nil.
func NewReporter(config ConfigSource, history FetchHistory) *Reporter {
	return &Reporter{config: config, history: history, now: time.Now}
}

// Status returns the current report
func (r *Reporter) Status(ctx context.Context) (*Report, error) {
	report := &Report{
		ConnectionStatus: core.StatusDisconnected,
		Services:         []Service{},
		CheckedAt:        r.now().UTC(),
	}

	cfg, err := r.config.Get(ctx)
	if errors.Is(err, core.ErrNotConfigured) {
		for _, p := range core.Providers() {
			report.Services = append(report.Services, Service{Provider: p})
		}
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	report.Configured = true
	report.ConnectionStatus = cfg.ConnectionStatus
	report.LastError = cfg.LastError
	report.TokenExpiresAt = cfg.AccessTokenExpiresAt
	report.LastRefreshedAt = cfg.LastRefreshedAt
	for _, p := range core.Providers() {
		report.Services = append(report.Services, Service{
			Provider: p,
			Enabled:  cfg.EnabledServices.Enabled(p),
			Site:     cfg.SiteID(p),
		})
	}

	if r.history != nil {
		last, err := r.history.LastFetchedAt(ctx)
		if err != nil {
			logging.WithError(err).Warn("failed to read last fetch time")
		} else {
			report.LastFetchAt = last
		}
	}

	return report, nil
}
