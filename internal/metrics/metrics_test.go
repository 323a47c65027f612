package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success"))
	TokenRefreshes.WithLabelValues("success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TokenRefreshes.WithLabelValues("success")))
}

func TestHandler(t *testing.T) {
	CacheLookups.WithLabelValues("analytics", "hit").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `sitekit_cache_lookups_total{provider="analytics",result="hit"}`))
}
