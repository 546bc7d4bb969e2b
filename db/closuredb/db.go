// Package closuredb implements sqlite3-backed storage for the broker's
// connection closure log: one row recorded per retired connection,
// queryable for the debug dump and for post-incident review.
package closuredb

import (
	"context"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores closure-log rows in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) the sqlite3 database at name and
// migrates it to the latest schema version.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	if _, err := x.Exec(`PRAGMA page_size = 8192`); err != nil {
		x.Close()
		return nil, err
	}

	db := &DB{x: x}
	_, required, err := db.Version()
	if err != nil {
		x.Close()
		return nil, err
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		x.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Closure is one retired connection's record.
type Closure struct {
	SlotID           int       `db:"slot_id"`
	ConnID           string    `db:"conn_id"`
	RemoteAddr       string    `db:"remote_addr"`
	Outcome          string    `db:"outcome"` // "connected", "rejected", "failed"
	ErrorKind        string    `db:"error_kind"`
	Country          string    `db:"country"`
	ConnectedAt      time.Time `db:"connected_at"`
	ClosedAt         time.Time `db:"closed_at"`
	MessagesSent     uint64    `db:"messages_sent"`
	MessagesReceived uint64    `db:"messages_received"`
	BytesSent        uint64    `db:"bytes_sent"`
	BytesReceived    uint64    `db:"bytes_received"`
}

// Record inserts one closure-log row.
func (db *DB) Record(ctx context.Context, c Closure) error {
	_, err := db.x.NamedExecContext(ctx, `
		INSERT INTO closures
		( slot_id,  conn_id,  remote_addr,  outcome,  error_kind,  country,
		  connected_at,  closed_at,  messages_sent,  messages_received,
		  bytes_sent,  bytes_received)
		VALUES
		(:slot_id, :conn_id, :remote_addr, :outcome, :error_kind, :country,
		 :connected_at, :closed_at, :messages_sent, :messages_received,
		 :bytes_sent, :bytes_received)
	`, c)
	return err
}

// Recent returns the limit most recently closed connections, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Closure, error) {
	var rows []Closure
	err := db.x.SelectContext(ctx, &rows, `
		SELECT slot_id, conn_id, remote_addr, outcome, error_kind, country,
		       connected_at, closed_at, messages_sent, messages_received,
		       bytes_sent, bytes_received
		FROM closures
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	return rows, err
}
