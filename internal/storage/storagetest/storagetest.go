// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"testing"

	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// NewDB opens a private in-memory database with all migrations applied.
// It is closed when the test completes.
func NewDB(t testing.TB) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test db: %v", err)
		}
	})
	return db
}

// Exec runs seed statements, failing the test on the first error.
func Exec(t testing.TB, db *storage.DB, stmts ...string) {
	t.Helper()
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("seed %q: %v", q, err)
		}
	}
}
