package reports

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/blogkit/sitekit/internal/core"
)

// keyVersion changes whenever the canonical record changes shape
const keyVersion = "v1"

// canonicalParams is the hashed form of a query.
// Metric and dimension order is kept: it decides column order in the payload.
type canonicalParams struct {
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions"`
	Limit      int64    `json:"limit"`
}

// KeyFor derives the cache key for a query issued at now.
// Keys change daily so relative ranges like "last 28 days" never outlive their day.
func KeyFor(provider core.Provider, params core.ReportParams, now time.Time) string {
	canon := canonicalParams{
		StartDate:  params.StartDate,
		EndDate:    params.EndDate,
		Metrics:    normalize(params.Metrics),
		Dimensions: normalize(params.Dimensions),
		Limit:      params.Limit,
	}
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)

	return strings.Join([]string{
		keyVersion,
		string(provider),
		now.UTC().Format("20060102"),
		hex.EncodeToString(sum[:16]),
	}, ":")
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
