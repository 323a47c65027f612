package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blogkit/sitekit/internal/cache"
	"github.com/blogkit/sitekit/internal/config"
	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/storage"
	"github.com/blogkit/sitekit/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = testutil.TempDir(t)
	cfg.Database.DSN = filepath.Join(cfg.DataDir, "sitekit.db")
	cfg.Security.EncryptionKey = "app-test-passphrase"
	return cfg
}

func TestNew_SQLCache(t *testing.T) {
	ctx := testutil.TestContext(t)

	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.CacheStore{}, a.Cache)
	assert.Equal(t, a.Config.Cache.TTL, a.Reports.TTL())
	assert.Equal(t, a.Config.OAuth.SafetyMargin, a.Refresher.SafetyMargin())

	report, err := a.Status.Status(ctx)
	require.NoError(t, err)
	assert.False(t, report.Configured)

	_, err = a.Integrations.Create(ctx, "client-id", "client-secret")
	require.NoError(t, err)

	report, err = a.Status.Status(ctx)
	require.NoError(t, err)
	assert.True(t, report.Configured)
	assert.Equal(t, core.StatusDisconnected, report.ConnectionStatus)
}

func TestNew_ReopenKeepsSecretsReadable(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	_, err = a.Integrations.Create(ctx, "client-id", "client-secret")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	got, err := a.Integrations.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-secret", got.ClientSecret)
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := testutil.TestContext(t)

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &cache.RedisCache{}, a.Cache)
	_, err = a.Integrations.Create(ctx, "client-id", "client-secret")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, a.Cache.Put(ctx, &core.CacheEntry{
		Provider:  core.ProviderAnalytics,
		CacheKey:  "k",
		Payload:   []byte(`{}`),
		FetchedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
	last, err := a.Status.Status(ctx)
	require.NoError(t, err)
	assert.True(t, last.Configured)
	require.NotNil(t, last.LastFetchAt)
	assert.WithinDuration(t, now, *last.LastFetchAt, time.Millisecond)
}

func TestNew_UnknownCacheBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = "memcached"

	_, err := New(testutil.TestContext(t), cfg)
	assert.Error(t, err)
}

func TestNew_RedisDownFallsBackToDatabaseCache(t *testing.T) {
	ctx := testutil.TestContext(t)

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.CacheStore{}, a.Cache)
	assert.Nil(t, a.redis)

	_, err = a.Status.Status(ctx)
	require.NoError(t, err)
}
