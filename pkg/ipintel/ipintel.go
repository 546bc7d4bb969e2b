// Package ipintel optionally annotates admitted remote addresses with
// country/region information from an IP2Location-format database. It is
// nil-safe: a broker that never configures a database path gets a no-op
// lookup, exactly as atlas treats a missing ATLAS_IP2LOCATION.
package ipintel

import (
	"fmt"
	"net/netip"
	"os"
	"sync"

	"github.com/pg9182/ip2x"
)

// DB wraps a file-backed IP2Location database. The zero value is valid and
// behaves as "disabled" until Load succeeds.
type DB struct {
	mu   sync.RWMutex
	file *os.File
	db   *ip2x.DB
}

// Open loads the database at path. An empty path returns a disabled DB
// whose Lookup calls report ok=false for every non-private address.
func Open(path string) (*DB, error) {
	d := &DB{}
	if path == "" {
		return d, nil
	}
	if err := d.Load(path); err != nil {
		return nil, err
	}
	return d, nil
}

// Load replaces the currently loaded database with the one at name.
func (d *DB) Load(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("ipintel: open %q: %w", name, err)
	}
	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("ipintel: parse %q: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		d.file.Close()
	}
	d.file, d.db = f, db
	return nil
}

// Info is the subset of a lookup result the broker's acceptor logs and
// persists in the closure log.
type Info struct {
	Country string
	Region  string
}

// Lookup returns location info for ip. A private address (RFC 1918/4193)
// is reported as country "Local" with ok=true, without a database lookup.
// Otherwise ok is false if no database is loaded or if ip has no entry.
func (d *DB) Lookup(ip netip.Addr) (Info, bool) {
	if ip.IsPrivate() {
		return Info{Country: "Local"}, true
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return Info{}, false
	}

	rec, err := db.Lookup(ip)
	if err != nil {
		return Info{}, false
	}
	country, _ := rec.GetString(ip2x.CountryCode)
	region, _ := rec.GetString(ip2x.Region)
	if country == "" {
		return Info{}, false
	}
	return Info{Country: country, Region: region}, true
}

// Close releases the underlying database file, if one is loaded.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file, d.db = nil, nil
	return err
}
