package ipintel

import (
	"net/netip"
	"testing"
)

func TestDisabledByDefault(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := db.Lookup(netip.MustParseAddr("8.8.8.8")); ok {
		t.Fatal("expected disabled DB to report ok=false for a public address")
	}
}

func TestPrivateAddressIsLocal(t *testing.T) {
	db, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	info, ok := db.Lookup(netip.MustParseAddr("192.168.1.1"))
	if !ok {
		t.Fatal("expected private address lookup to succeed even with no database")
	}
	if info.Country != "Local" {
		t.Fatalf("country = %q, want Local", info.Country)
	}
}

func TestOpenMissingFileErrors(t *testing.T) {
	if _, err := Open("/nonexistent/path/to.db"); err == nil {
		t.Fatal("expected error opening a nonexistent database file")
	}
}
