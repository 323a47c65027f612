package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blogkit/sitekit/internal/core"
)

type cacheRow struct {
	Provider        string `db:"provider"`
	CacheKey        string `db:"cache_key"`
	Payload         string `db:"payload"`
	ExpiresAt       int64  `db:"expires_at"`
	FetchedAt       int64  `db:"fetched_at"`
	FetchDurationMs int64  `db:"fetch_duration_ms"`
	SizeBytes       int64  `db:"size_bytes"`
}

// CacheStore is the SQL-backed response cache
type CacheStore struct {
	db *DB
}

// NewCacheStore creates a new cache store
func NewCacheStore(db *DB) *CacheStore {
	return &CacheStore{db: db}
}

// Get returns the entry for the key, expired or not, or core.ErrCacheMiss
func (s *CacheStore) Get(ctx context.Context, provider core.Provider, key string) (*core.CacheEntry, error) {
	var row cacheRow
	err := s.db.conn.GetContext(ctx, &row, s.db.rebind(`
		SELECT provider, cache_key, payload, expires_at, fetched_at, fetch_duration_ms, size_bytes
		FROM report_cache
		WHERE provider = ? AND cache_key = ?
	`), string(provider), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}

	return &core.CacheEntry{
		Provider:        core.Provider(row.Provider),
		CacheKey:        row.CacheKey,
		Payload:         []byte(row.Payload),
		ExpiresAt:       fromMillis(row.ExpiresAt),
		FetchedAt:       fromMillis(row.FetchedAt),
		FetchDurationMs: row.FetchDurationMs,
		SizeBytes:       row.SizeBytes,
	}, nil
}

// Put upserts the entry; the last writer wins
func (s *CacheStore) Put(ctx context.Context, entry *core.CacheEntry) error {
	size := entry.SizeBytes
	if size == 0 {
		size = int64(len(entry.Payload))
	}

	_, err := s.db.conn.ExecContext(ctx, s.db.rebind(`
		INSERT INTO report_cache (
			provider, cache_key, payload, expires_at, fetched_at, fetch_duration_ms, size_bytes
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, cache_key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			fetched_at = excluded.fetched_at,
			fetch_duration_ms = excluded.fetch_duration_ms,
			size_bytes = excluded.size_bytes
	`),
		string(entry.Provider),
		entry.CacheKey,
		string(entry.Payload),
		toMillis(entry.ExpiresAt),
		toMillis(entry.FetchedAt),
		entry.FetchDurationMs,
		size,
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries that expired at or before now
func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		s.db.rebind("DELETE FROM report_cache WHERE expires_at <= ?"), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

// LastFetchedAt returns the most recent successful fetch time, or nil when the cache is empty
func (s *CacheStore) LastFetchedAt(ctx context.Context) (*time.Time, error) {
	var last sql.NullInt64
	if err := s.db.conn.GetContext(ctx, &last, "SELECT MAX(fetched_at) FROM report_cache"); err != nil {
		return nil, fmt.Errorf("query last fetch: %w", err)
	}
	return timePtr(last), nil
}

// Count returns the number of stored entries
func (s *CacheStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM report_cache"); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}
