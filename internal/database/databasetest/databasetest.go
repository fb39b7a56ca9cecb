// Package databasetest opens throwaway databases for package tests
package databasetest

import (
	"path/filepath"
	"testing"

	"github.com/xelth-com/etimsgo/internal/config"
	"github.com/xelth-com/etimsgo/internal/database"
)

// New opens a migrated sqlite database under the test's temp dir
func New(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Connect(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
		Silent: true,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
