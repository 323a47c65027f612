package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/blogkit/sitekit/internal/core"
	"github.com/blogkit/sitekit/internal/secrets"
)

// testDB creates an in-memory database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func testIntegrationStore(t *testing.T, db *DB) *IntegrationStore {
	t.Helper()
	sealer, err := secrets.NewSealer("test-passphrase", []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return NewIntegrationStore(db, sealer)
}

func strPtr(s string) *string { return &s }

// =============================================================================
// DB Tests
// =============================================================================

func TestDB_Open_InMemory(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.conn == nil {
		t.Error("db.conn should not be nil")
	}
	if !db.isMemory {
		t.Error("db.isMemory should be true for in-memory database")
	}
	if db.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %s, want sqlite", db.Dialect())
	}
}

func TestDB_Open_File(t *testing.T) {
	path := t.TempDir() + "/nested/test.db"

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.isMemory {
		t.Error("db.isMemory should be false for file database")
	}
	if db.path != path {
		t.Errorf("db.path = %s, want %s", db.path, path)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
}

func TestDB_Open_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown driver", Config{Driver: "oracle", DSN: "x"}},
		{"sqlite without path", Config{Driver: "sqlite"}},
		{"postgres without dsn", Config{Driver: "pgx"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if db, err := Open(tt.cfg); err == nil {
				db.Close()
				t.Error("Open() should fail")
			}
		})
	}
}

func TestDB_Transaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Conn().Exec("CREATE TABLE t (v TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := db.Transaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec("INSERT INTO t (v) VALUES ('kept')")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	wantErr := errors.New("boom")
	err = db.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("INSERT INTO t (v) VALUES ('dropped')"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transaction() error = %v, want %v", err, wantErr)
	}

	var n int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("row count = %d, want 1 (rollback should discard second insert)", n)
	}
}

func TestDB_Migrate_Idempotent(t *testing.T) {
	db := testDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	var n int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Errorf("applied migrations = %d, want 2", n)
	}
}

func TestDB_EncryptionSalt_Stable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, err := db.EncryptionSalt(ctx)
	if err != nil {
		t.Fatalf("EncryptionSalt() error = %v", err)
	}
	if len(first) != secrets.SaltSize {
		t.Errorf("salt length = %d, want %d", len(first), secrets.SaltSize)
	}

	second, err := db.EncryptionSalt(ctx)
	if err != nil {
		t.Fatalf("EncryptionSalt() error = %v", err)
	}
	if string(first) != string(second) {
		t.Error("salt should be stable across calls")
	}
}

func TestDB_NewSealer_EmptyPassphrase(t *testing.T) {
	db := testDB(t)

	sealer, err := db.NewSealer(context.Background(), "")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	if _, ok := sealer.(secrets.Plain); !ok {
		t.Errorf("NewSealer(\"\") = %T, want secrets.Plain", sealer)
	}
}

// =============================================================================
// IntegrationStore Tests
// =============================================================================

func TestIntegrationStore_Get_NotConfigured(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))

	_, err := store.Get(context.Background())
	if !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("Get() error = %v, want ErrNotConfigured", err)
	}
}

func TestIntegrationStore_Create(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	cfg, err := store.Create(ctx, "client-id", "client-secret")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if cfg.ID != IntegrationID {
		t.Errorf("ID = %s, want %s", cfg.ID, IntegrationID)
	}
	if cfg.ClientSecret != "client-secret" {
		t.Errorf("ClientSecret = %q, want decrypted value", cfg.ClientSecret)
	}
	if cfg.ConnectionStatus != core.StatusDisconnected {
		t.Errorf("ConnectionStatus = %s, want disconnected", cfg.ConnectionStatus)
	}
	if cfg.AccessToken != nil || cfg.RefreshToken != nil || cfg.AccessTokenExpiresAt != nil {
		t.Error("tokens should be nil on a new integration")
	}

	if _, err := store.Create(ctx, "other", "other"); !errors.Is(err, core.ErrAlreadyConfigured) {
		t.Errorf("second Create() error = %v, want ErrAlreadyConfigured", err)
	}
	if _, err := store.Create(ctx, "", "x"); !errors.Is(err, core.ErrMissingRequired) {
		t.Errorf("Create() with empty id error = %v, want ErrMissingRequired", err)
	}
}

func TestIntegrationStore_SecretsSealedAtRest(t *testing.T) {
	db := testDB(t)
	store := testIntegrationStore(t, db)
	ctx := context.Background()

	if _, err := store.Create(ctx, "client-id", "client-secret"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.SaveAuthorization(ctx, "refresh-1", "access-1", timeAt(time.Hour)); err != nil {
		t.Fatalf("SaveAuthorization() error = %v", err)
	}

	var secret, access, refresh string
	err := db.Conn().QueryRow(
		"SELECT client_secret, access_token, refresh_token FROM integration_config WHERE id = ?",
		IntegrationID).Scan(&secret, &access, &refresh)
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}

	for name, v := range map[string]string{"client_secret": secret, "access_token": access, "refresh_token": refresh} {
		if !secrets.IsSealed(v) {
			t.Errorf("%s stored unsealed: %q", name, v)
		}
	}
}

func TestIntegrationStore_Update_MergesSuppliedColumns(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	created, err := store.Create(ctx, "client-id", "client-secret")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = store.Update(ctx, core.IntegrationPatch{
		EnabledServices: core.Services{core.ProviderAnalytics: true},
	})
	if err != nil {
		t.Fatalf("Update(services) error = %v", err)
	}

	cfg, err := store.Update(ctx, core.IntegrationPatch{
		AnalyticsProperty: strPtr("properties/123"),
	})
	if err != nil {
		t.Fatalf("Update(property) error = %v", err)
	}

	if !cfg.EnabledServices.Enabled(core.ProviderAnalytics) {
		t.Error("enabled services should survive an unrelated patch")
	}
	if cfg.AnalyticsProperty != "properties/123" {
		t.Errorf("AnalyticsProperty = %q, want properties/123", cfg.AnalyticsProperty)
	}
	if cfg.ClientSecret != "client-secret" {
		t.Error("client secret should be untouched")
	}
	if cfg.Version != created.Version+2 {
		t.Errorf("Version = %d, want %d", cfg.Version, created.Version+2)
	}
}

func TestIntegrationStore_Update_ImmutableClientCredentials(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	if _, err := store.Create(ctx, "client-id", "client-secret"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := store.Update(ctx, core.IntegrationPatch{ClientID: strPtr("new-id")}); !errors.Is(err, core.ErrImmutableField) {
		t.Errorf("Update(client id) error = %v, want ErrImmutableField", err)
	}
	if _, err := store.Update(ctx, core.IntegrationPatch{ClientSecret: strPtr("new-secret")}); !errors.Is(err, core.ErrImmutableField) {
		t.Errorf("Update(client secret) error = %v, want ErrImmutableField", err)
	}

	// Re-supplying the same values is a no-op
	if _, err := store.Update(ctx, core.IntegrationPatch{ClientID: strPtr("client-id"), ClientSecret: strPtr("client-secret")}); err != nil {
		t.Errorf("Update(same credentials) error = %v", err)
	}
}

func TestIntegrationStore_SaveTokens_CompareAndSwap(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	if _, err := store.Create(ctx, "client-id", "client-secret"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cfg, err := store.SaveAuthorization(ctx, "refresh-1", "", nil)
	if err != nil {
		t.Fatalf("SaveAuthorization() error = %v", err)
	}
	if cfg.ConnectionStatus != core.StatusDisconnected {
		t.Errorf("status without access token = %s, want disconnected", cfg.ConnectionStatus)
	}
	if err := store.MarkError(ctx, "earlier failure"); err != nil {
		t.Fatalf("MarkError() error = %v", err)
	}

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()
	saved, err := store.SaveTokens(ctx, cfg.Version, core.TokenUpdate{
		AccessToken: "access-2",
		ExpiresAt:   expires,
	})
	if err != nil {
		t.Fatalf("SaveTokens() error = %v", err)
	}

	if saved.ConnectionStatus != core.StatusConnected {
		t.Errorf("status = %s, want connected", saved.ConnectionStatus)
	}
	if saved.LastError != "" {
		t.Errorf("LastError = %q, want cleared", saved.LastError)
	}
	if saved.AccessToken == nil || *saved.AccessToken != "access-2" {
		t.Errorf("AccessToken = %v, want access-2", saved.AccessToken)
	}
	if saved.RefreshToken == nil || *saved.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %v, want refresh-1 kept", saved.RefreshToken)
	}
	if saved.AccessTokenExpiresAt == nil || !saved.AccessTokenExpiresAt.Equal(expires) {
		t.Errorf("AccessTokenExpiresAt = %v, want %v", saved.AccessTokenExpiresAt, expires)
	}
	if saved.LastRefreshedAt == nil {
		t.Error("LastRefreshedAt should be set")
	}

	// A writer holding the old version loses
	_, err = store.SaveTokens(ctx, cfg.Version, core.TokenUpdate{AccessToken: "stale", ExpiresAt: expires})
	if !errors.Is(err, core.ErrVersionConflict) {
		t.Errorf("stale SaveTokens() error = %v, want ErrVersionConflict", err)
	}

	current, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if *current.AccessToken != "access-2" {
		t.Errorf("AccessToken = %s, stale write should not apply", *current.AccessToken)
	}
}

func TestIntegrationStore_SaveTokens_RotatesRefreshToken(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	store.Create(ctx, "client-id", "client-secret")
	cfg, _ := store.SaveAuthorization(ctx, "refresh-1", "", nil)

	saved, err := store.SaveTokens(ctx, cfg.Version, core.TokenUpdate{
		AccessToken:  "access",
		RefreshToken: "refresh-2",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveTokens() error = %v", err)
	}
	if *saved.RefreshToken != "refresh-2" {
		t.Errorf("RefreshToken = %s, want refresh-2", *saved.RefreshToken)
	}
}

func TestIntegrationStore_MarkError_KeepsTokens(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	if err := store.MarkError(ctx, "x"); !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("MarkError() before Create error = %v, want ErrNotConfigured", err)
	}

	store.Create(ctx, "client-id", "client-secret")
	store.SaveAuthorization(ctx, "refresh-1", "access-1", timeAt(time.Hour))

	if err := store.MarkError(ctx, "invalid_grant"); err != nil {
		t.Fatalf("MarkError() error = %v", err)
	}

	cfg, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cfg.ConnectionStatus != core.StatusError {
		t.Errorf("status = %s, want error", cfg.ConnectionStatus)
	}
	if cfg.LastError != "invalid_grant" {
		t.Errorf("LastError = %q, want invalid_grant", cfg.LastError)
	}
	if cfg.RefreshToken == nil || *cfg.RefreshToken != "refresh-1" {
		t.Error("refresh token should be kept")
	}
}

func TestIntegrationStore_Disconnect(t *testing.T) {
	store := testIntegrationStore(t, testDB(t))
	ctx := context.Background()

	store.Create(ctx, "client-id", "client-secret")
	store.SaveAuthorization(ctx, "refresh-1", "access-1", timeAt(time.Hour))

	if err := store.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	cfg, _ := store.Get(ctx)
	if cfg.ConnectionStatus != core.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", cfg.ConnectionStatus)
	}
	if cfg.AccessToken != nil || cfg.RefreshToken != nil || cfg.AccessTokenExpiresAt != nil {
		t.Error("tokens should be cleared")
	}
	if cfg.ClientID != "client-id" {
		t.Error("client credentials should be kept")
	}
}

func TestIntegrationStore_ConnectedRequiresAccessToken(t *testing.T) {
	db := testDB(t)
	store := testIntegrationStore(t, db)
	store.Create(context.Background(), "client-id", "client-secret")

	_, err := db.Conn().Exec("UPDATE integration_config SET connection_status = 'connected' WHERE id = ?", IntegrationID)
	if err == nil {
		t.Error("connected without an access token should violate the table constraint")
	}
}

func timeAt(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

// =============================================================================
// CacheStore Tests
// =============================================================================

func TestCacheStore_GetMiss(t *testing.T) {
	store := NewCacheStore(testDB(t))

	_, err := store.Get(context.Background(), core.ProviderAdSense, "k")
	if !errors.Is(err, core.ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestCacheStore_PutGet(t *testing.T) {
	store := NewCacheStore(testDB(t))
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	entry := &core.CacheEntry{
		Provider:        core.ProviderAnalytics,
		CacheKey:        "k1",
		Payload:         []byte(`{"rows":[]}`),
		FetchedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
		FetchDurationMs: 42,
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, core.ProviderAnalytics, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != `{"rows":[]}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if !got.FetchedAt.Equal(now) || !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("times = %v / %v", got.FetchedAt, got.ExpiresAt)
	}
	if got.SizeBytes != int64(len(entry.Payload)) {
		t.Errorf("SizeBytes = %d, want %d", got.SizeBytes, len(entry.Payload))
	}
	if got.FetchDurationMs != 42 {
		t.Errorf("FetchDurationMs = %d, want 42", got.FetchDurationMs)
	}

	// Same key under a different provider is a separate entry
	if _, err := store.Get(ctx, core.ProviderAdSense, "k1"); !errors.Is(err, core.ErrCacheMiss) {
		t.Errorf("Get(other provider) error = %v, want ErrCacheMiss", err)
	}
}

func TestCacheStore_PutOverwrites(t *testing.T) {
	store := NewCacheStore(testDB(t))
	ctx := context.Background()
	now := time.Now()

	for _, payload := range []string{`{"v":1}`, `{"v":2}`} {
		err := store.Put(ctx, &core.CacheEntry{
			Provider:  core.ProviderSearchConsole,
			CacheKey:  "k",
			Payload:   []byte(payload),
			FetchedAt: now,
			ExpiresAt: now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	got, _ := store.Get(ctx, core.ProviderSearchConsole, "k")
	if string(got.Payload) != `{"v":2}` {
		t.Errorf("Payload = %s, want last write", got.Payload)
	}
}

func TestCacheStore_DeleteExpired(t *testing.T) {
	store := NewCacheStore(testDB(t))
	ctx := context.Background()
	now := time.Now()

	store.Put(ctx, &core.CacheEntry{Provider: core.ProviderAdSense, CacheKey: "old", Payload: []byte("{}"), FetchedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	store.Put(ctx, &core.CacheEntry{Provider: core.ProviderAdSense, CacheKey: "new", Payload: []byte("{}"), FetchedAt: now, ExpiresAt: now.Add(time.Hour)})

	deleted, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", deleted)
	}
	if _, err := store.Get(ctx, core.ProviderAdSense, "new"); err != nil {
		t.Errorf("live entry should remain: %v", err)
	}
}

func TestCacheStore_LastFetchedAt(t *testing.T) {
	store := NewCacheStore(testDB(t))
	ctx := context.Background()

	last, err := store.LastFetchedAt(ctx)
	if err != nil {
		t.Fatalf("LastFetchedAt() error = %v", err)
	}
	if last != nil {
		t.Errorf("LastFetchedAt() = %v, want nil on empty cache", last)
	}

	newest := time.Now().Truncate(time.Millisecond).UTC()
	store.Put(ctx, &core.CacheEntry{Provider: core.ProviderAdSense, CacheKey: "a", Payload: []byte("{}"), FetchedAt: newest.Add(-time.Minute), ExpiresAt: newest.Add(time.Hour)})
	store.Put(ctx, &core.CacheEntry{Provider: core.ProviderAnalytics, CacheKey: "b", Payload: []byte("{}"), FetchedAt: newest, ExpiresAt: newest.Add(time.Hour)})

	last, err = store.LastFetchedAt(ctx)
	if err != nil {
		t.Fatalf("LastFetchedAt() error = %v", err)
	}
	if last == nil || !last.Equal(newest) {
		t.Errorf("LastFetchedAt() = %v, want %v", last, newest)
	}
}
