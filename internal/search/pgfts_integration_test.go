//go:build integration

package search

import (
	"context"
	"database/sql"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"inkwell/api/internal/store"
)

// Run with: go test -tags=integration ./internal/search/...
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("inkwell"),
		postgres.WithUsername("inkwell"),
		postgres.WithPassword("inkwell"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := store.Open(openCtx, connStr)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestPgFTSSearchPosts(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	posts := store.NewPostgresStore(db)
	now := time.Now().UTC()

	for _, p := range []store.Post{
		{ID: "pst_1", Title: "Concurrency patterns in Go", Content: "Goroutines and channels make pipelines easy to build.", Category: "go", CreatedAt: now},
		{ID: "pst_2", Title: "Sourdough at home", Content: "A starter, flour, water and patience are all you need.", Category: "food", CreatedAt: now},
		{ID: "pst_3", Title: "Testing HTTP handlers", Content: "Use httptest recorders and table driven goroutines tests.", Category: "testing", CreatedAt: now},
	} {
		if err := posts.InsertPost(ctx, p); err != nil {
			t.Fatalf("InsertPost() error = %v", err)
		}
	}

	fts := NewPgFTS(db)
	results, total, err := fts.Search(ctx, Query{Text: "goroutines"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("expected 2 hits, got %d (%+v)", total, results)
	}

	results, total, err = fts.Search(ctx, Query{Text: "goroutines", Category: "go"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 1 || results[0].ID != "pst_1" {
		t.Fatalf("expected category filter to keep pst_1, got %+v", results)
	}

	records, err := fts.LoadAllRecords(ctx)
	if err != nil {
		t.Fatalf("LoadAllRecords() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}
