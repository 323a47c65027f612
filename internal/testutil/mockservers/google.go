// Package mockservers provides httptest mock servers for external APIs.
package mockservers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Path patterns matched against request paths
const (
	PathToken         = "/token"
	PathAdSense       = "/reports:generate"
	PathAnalytics     = ":runReport"
	PathSearchConsole = "/searchAnalytics/query"
)

// GoogleMockServer provides a mock of Google's token endpoint and the three reporting APIs.
// API endpoints accept only bearer tokens the server has issued or been told to accept.
type GoogleMockServer struct {
	Server   *httptest.Server
	Handlers map[string]http.HandlerFunc

	// ExpiresIn is returned by the token endpoint; zero omits the field
	ExpiresIn int
	// AcceptIssued makes newly issued tokens valid for API calls
	AcceptIssued bool

	mu       sync.Mutex
	calls    map[string]int
	bearers  map[string][]string
	accepted map[string]bool
	issued   int
	t        *testing.T
}

// NewGoogleMockServer creates a new mock Google server.
func NewGoogleMockServer(t *testing.T) *GoogleMockServer {
	t.Helper()

	mock := &GoogleMockServer{
		Handlers:     make(map[string]http.HandlerFunc),
		ExpiresIn:    3599,
		AcceptIssued: true,
		calls:        make(map[string]int),
		bearers:      make(map[string][]string),
		accepted:     make(map[string]bool),
		t:            t,
	}

	mock.SetupDefaults()

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		for pattern, handler := range mock.Handlers {
			if strings.Contains(r.URL.Path, pattern) {
				mock.mu.Lock()
				mock.calls[pattern]++
				if pattern != PathToken {
					mock.bearers[pattern] = append(mock.bearers[pattern], bearer(r))
				}
				mock.mu.Unlock()

				if pattern != PathToken && !mock.authorized(r) {
					writeGoogleError(w, http.StatusUnauthorized, "UNAUTHENTICATED",
						"Request had invalid authentication credentials.")
					return
				}
				handler(w, r)
				return
			}
		}

		writeGoogleError(w, http.StatusNotFound, "NOT_FOUND", "Not Found")
	}))

	t.Cleanup(func() {
		mock.Server.Close()
	})

	return mock
}

// URL returns the API base URL with a trailing slash, as client libraries expect.
func (m *GoogleMockServer) URL() string {
	return m.Server.URL + "/"
}

// TokenURL returns the token endpoint URL.
func (m *GoogleMockServer) TokenURL() string {
	return m.Server.URL + PathToken
}

// Calls returns how many requests matched the pattern.
func (m *GoogleMockServer) Calls(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[pattern]
}

// Bearers returns the access tokens presented to the pattern, in request order.
func (m *GoogleMockServer) Bearers(pattern string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.bearers[pattern]...)
}

// Accept marks access tokens as valid for API calls.
func (m *GoogleMockServer) Accept(tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range tokens {
		m.accepted[tok] = true
	}
}

// Revoke marks an access token as invalid.
func (m *GoogleMockServer) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accepted, token)
}

// IssuedToken returns the access token the Nth refresh returns (1-based).
func IssuedToken(n int) string {
	return fmt.Sprintf("issued-access-%d", n)
}

func (m *GoogleMockServer) authorized(r *http.Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted[bearer(r)]
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeGoogleError(w http.ResponseWriter, code int, status, message string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"status":  status,
		},
	})
}

// SetupDefaults sets up default response handlers.
func (m *GoogleMockServer) SetupDefaults() {
	m.Handlers[PathToken] = func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request"})
			return
		}
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "Token has been expired or revoked.",
			})
			return
		}

		m.mu.Lock()
		m.issued++
		token := IssuedToken(m.issued)
		if m.AcceptIssued {
			m.accepted[token] = true
		}
		expiresIn := m.ExpiresIn
		m.mu.Unlock()

		resp := map[string]interface{}{
			"access_token": token,
			"token_type":   "Bearer",
			"scope":        "https://www.googleapis.com/auth/analytics.readonly",
		}
		if expiresIn > 0 {
			resp["expires_in"] = expiresIn
		}
		json.NewEncoder(w).Encode(resp)
	}

	// AdSense Management API v2 accounts.reports.generate
	m.Handlers[PathAdSense] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"headers": []map[string]interface{}{
				{"name": "DATE", "type": "DIMENSION"},
				{"name": "ESTIMATED_EARNINGS", "type": "METRIC_CURRENCY", "currencyCode": "USD"},
				{"name": "PAGE_VIEWS", "type": "METRIC_TALLY"},
			},
			"rows": []map[string]interface{}{
				{"cells": []map[string]string{{"value": "2024-01-01"}, {"value": "1.25"}, {"value": "320"}}},
				{"cells": []map[string]string{{"value": "2024-01-02"}, {"value": "2.50"}, {"value": "410"}}},
			},
			"totals": map[string]interface{}{
				"cells": []map[string]string{{"value": ""}, {"value": "3.75"}, {"value": "730"}},
			},
		})
	}

	// Analytics Data API v1beta properties.runReport
	m.Handlers[PathAnalytics] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dimensionHeaders": []map[string]string{{"name": "date"}},
			"metricHeaders":    []map[string]string{{"name": "sessions", "type": "TYPE_INTEGER"}},
			"rows": []map[string]interface{}{
				{
					"dimensionValues": []map[string]string{{"value": "20240101"}},
					"metricValues":    []map[string]string{{"value": "42"}},
				},
				{
					"dimensionValues": []map[string]string{{"value": "20240102"}},
					"metricValues":    []map[string]string{{"value": "57"}},
				},
			},
		})
	}

	// Search Console API v1 searchanalytics.query
	m.Handlers[PathSearchConsole] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rows": []map[string]interface{}{
				{"keys": []string{"2024-01-01"}, "clicks": 12, "impressions": 340, "ctr": 0.035, "position": 8.2},
				{"keys": []string{"2024-01-02"}, "clicks": 9, "impressions": 301, "ctr": 0.03, "position": 9.1},
			},
			"responseAggregationType": "byProperty",
		})
	}
}
