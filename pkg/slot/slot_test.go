package slot

import (
	"testing"

	"github.com/quartzlink/rmemd/pkg/brokererr"
)

func TestAdmitReleaseRoundTrip(t *testing.T) {
	tbl := NewTable[string](2)

	id1, err := tbl.Admit("a")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	id2, err := tbl.Admit("b")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if id1 == id2 {
		t.Fatal("expected distinct slot ids")
	}
	if tbl.ActiveCount() != 2 {
		t.Fatalf("active = %d, want 2", tbl.ActiveCount())
	}

	if _, err := tbl.Admit("c"); err == nil {
		t.Fatal("expected capacity error on third admit")
	} else if kind, ok := brokererr.KindOf(err); !ok || kind != brokererr.Capacity {
		t.Fatalf("expected Capacity error kind, got %v", err)
	}

	tbl.Release(id1)
	if tbl.ActiveCount() != 1 {
		t.Fatalf("active after release = %d, want 1", tbl.ActiveCount())
	}
	if _, ok := tbl.Get(id1); ok {
		t.Fatal("expected released slot to be unoccupied")
	}

	id3, err := tbl.Admit("c")
	if err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", id1, id3)
	}
}

func TestGetUnoccupied(t *testing.T) {
	tbl := NewTable[int](1)
	if _, ok := tbl.Get(0); ok {
		t.Fatal("expected unoccupied slot before any admit")
	}
	if _, ok := tbl.Get(5); ok {
		t.Fatal("expected out-of-range slot to report unoccupied")
	}
}

func TestEachVisitsOnlyOccupied(t *testing.T) {
	tbl := NewTable[int](3)
	id1, _ := tbl.Admit(10)
	id2, _ := tbl.Admit(20)
	tbl.Release(id1)

	seen := map[int]int{}
	tbl.Each(func(id int, entry int) {
		seen[id] = entry
	})
	if len(seen) != 1 {
		t.Fatalf("expected 1 occupied slot, got %d", len(seen))
	}
	if seen[id2] != 20 {
		t.Fatalf("expected entry 20 at slot %d, got %v", id2, seen)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tbl := NewTable[int](1)
	id, _ := tbl.Admit(1)
	tbl.Release(id)
	tbl.Release(id) // must not panic or double-decrement active count
	if tbl.ActiveCount() != 0 {
		t.Fatalf("active = %d, want 0", tbl.ActiveCount())
	}
}
