// Package testutil provides shared testing utilities for Site Kit.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/blogkit/sitekit/internal/storage"
)

// DefaultTimeout bounds TestContext
const DefaultTimeout = 30 * time.Second

// TestDB opens a migrated in-memory database that is closed with the test
func TestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// TestContext returns a context cancelled when the test ends or DefaultTimeout passes
func TestContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}

// TempDir returns a data directory removed after the test
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
