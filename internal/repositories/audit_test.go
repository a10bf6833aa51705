package repositories

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/ferncliff/spotbridge/internal/hsm"
	"github.com/ferncliff/spotbridge/internal/shared"
)

func newTestRepository(t *testing.T) (*AuditRepository, *sql.DB) {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return NewAuditRepository(db), db
}

func seedEntries(t *testing.T, repo *AuditRepository, count int, base time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		entry := hsm.AuditEntry{
			ID:        fmt.Sprintf("entry-%03d", i),
			Operation: "encrypt",
			KeyID:     "key-1",
			Success:   true,
			Actor:     "tester",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Record(entry); err != nil {
			t.Fatalf("failed to record entry %d: %v", i, err)
		}
	}
}

func TestAuditRepository(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("RecordAndList", func(t *testing.T) {
		repo, _ := newTestRepository(t)

		entry := hsm.AuditEntry{
			ID:        "entry-1",
			Operation: "create-key",
			KeyID:     "key-1",
			Success:   false,
			Error:     "backend unavailable",
			Actor:     "tester",
			Timestamp: base,
		}
		if err := repo.Record(entry); err != nil {
			t.Fatalf("failed to record entry: %v", err)
		}

		entries, err := repo.List(10)
		if err != nil {
			t.Fatalf("failed to list entries: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}

		got := entries[0]
		if got.ID != entry.ID || got.Operation != entry.Operation || got.Error != entry.Error {
			t.Errorf("stored entry does not match: %+v", got)
		}
		if got.Success {
			t.Error("failure flag should survive the round trip")
		}
	})

	t.Run("ListReturnsNewestFirst", func(t *testing.T) {
		repo, _ := newTestRepository(t)
		seedEntries(t, repo, 5, base)

		entries, err := repo.List(3)
		if err != nil {
			t.Fatalf("failed to list entries: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[0].ID != "entry-004" || entries[2].ID != "entry-002" {
			t.Errorf("entries should be newest first: %v, %v", entries[0].ID, entries[2].ID)
		}
	})

	t.Run("ListDefaultsLimit", func(t *testing.T) {
		repo, _ := newTestRepository(t)
		seedEntries(t, repo, 3, base)

		entries, err := repo.List(0)
		if err != nil {
			t.Fatalf("failed to list entries: %v", err)
		}
		if len(entries) != 3 {
			t.Errorf("expected all 3 entries with the default limit, got %d", len(entries))
		}
	})

	t.Run("PruneKeepsNewest", func(t *testing.T) {
		repo, db := newTestRepository(t)
		seedEntries(t, repo, 10, base)

		deleted, err := repo.Prune(4)
		if err != nil {
			t.Fatalf("failed to prune: %v", err)
		}
		if deleted != 6 {
			t.Errorf("expected 6 deletions, got %d", deleted)
		}

		var remaining int
		if err := db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&remaining); err != nil {
			t.Fatalf("failed to count entries: %v", err)
		}
		if remaining != 4 {
			t.Errorf("expected 4 surviving entries, got %d", remaining)
		}

		entries, _ := repo.List(10)
		if entries[len(entries)-1].ID != "entry-006" {
			t.Errorf("oldest survivor should be entry-006, got %s", entries[len(entries)-1].ID)
		}
	})

	t.Run("PruneDisabledByZeroMax", func(t *testing.T) {
		repo, _ := newTestRepository(t)
		seedEntries(t, repo, 3, base)

		deleted, err := repo.Prune(0)
		if err != nil {
			t.Fatalf("prune with zero max failed: %v", err)
		}
		if deleted != 0 {
			t.Errorf("expected no deletions, got %d", deleted)
		}
	})
}
