package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/storage"
)

// IntegrationFixture describes the integration row a test starts from.
type IntegrationFixture struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	ExpiresIn    time.Duration // Relative to now; ignored without AccessToken
	Services     core.Services
	AdSense      string
	Analytics    string
	SearchSite   string
}

// DefaultIntegrationFixture returns a connected integration with every service enabled.
func DefaultIntegrationFixture() IntegrationFixture {
	return IntegrationFixture{
		ClientID:     "client-id.apps.googleusercontent.com",
		ClientSecret: "client-secret",
		RefreshToken: "refresh-token",
		AccessToken:  "access-token",
		ExpiresIn:    time.Hour,
		Services: core.Services{
			core.ProviderAdSense:       true,
			core.ProviderAnalytics:     true,
			core.ProviderSearchConsole: true,
		},
		AdSense:    "accounts/pub-1234567890",
		Analytics:  "properties/123456",
		SearchSite: "https://blog.example.com/",
	}
}

// SeedIntegration writes the fixture through the store and returns the stored row.
func SeedIntegration(t *testing.T, store *storage.IntegrationStore, f IntegrationFixture) *core.IntegrationConfig {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Create(ctx, f.ClientID, f.ClientSecret); err != nil {
		t.Fatalf("seed integration: %v", err)
	}

	_, err := store.Update(ctx, core.IntegrationPatch{
		EnabledServices:   f.Services,
		AdSenseAccount:    &f.AdSense,
		AnalyticsProperty: &f.Analytics,
		SearchConsoleSite: &f.SearchSite,
	})
	if err != nil {
		t.Fatalf("seed integration services: %v", err)
	}

	if f.RefreshToken != "" {
		var expiresAt *time.Time
		if f.AccessToken != "" {
			exp := time.Now().Add(f.ExpiresIn)
			expiresAt = &exp
		}
		if _, err := store.SaveAuthorization(ctx, f.RefreshToken, f.AccessToken, expiresAt); err != nil {
			t.Fatalf("seed integration tokens: %v", err)
		}
	}

	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("load seeded integration: %v", err)
	}
	return cfg
}

// ReportParamsFixture returns a fixed one-week query.
func ReportParamsFixture() core.ReportParams {
	return core.ReportParams{
		StartDate:  "2024-01-01",
		EndDate:    "2024-01-07",
		Metrics:    []string{"sessions"},
		Dimensions: []string{"date"},
	}
}
