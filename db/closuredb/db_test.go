package closuredb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "closures.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigratesToLatestVersion(t *testing.T) {
	db := openTestDB(t)
	current, required, err := db.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if current != required {
		t.Fatalf("current version %d != required %d after Open", current, required)
	}
}

func TestRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		c := Closure{
			SlotID:      i,
			ConnID:      "conn-" + string(rune('a'+i)),
			RemoteAddr:  "10.0.0.1:4791",
			Outcome:     "connected",
			Country:     "Local",
			ConnectedAt: now,
			ClosedAt:    now.Add(time.Duration(i) * time.Second),
		}
		if err := db.Record(ctx, c); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	rows, err := db.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].SlotID != 2 || rows[1].SlotID != 1 {
		t.Fatalf("unexpected ordering: %+v", rows)
	}
}

func TestRecentEmpty(t *testing.T) {
	db := openTestDB(t)
	rows, err := db.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("len(rows) = %d, want 0", len(rows))
	}
}
