package closuredb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE closures (
			id                INTEGER PRIMARY KEY NOT NULL,
			slot_id           INTEGER NOT NULL,
			conn_id           TEXT NOT NULL,
			remote_addr       TEXT NOT NULL,
			outcome           TEXT NOT NULL,
			error_kind        TEXT NOT NULL,
			country           TEXT NOT NULL,
			connected_at      DATETIME NOT NULL,
			closed_at         DATETIME NOT NULL,
			messages_sent     INTEGER NOT NULL,
			messages_received INTEGER NOT NULL,
			bytes_sent        INTEGER NOT NULL,
			bytes_received    INTEGER NOT NULL
		);
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create closures table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX closures_closed_at_idx ON closures(closed_at)`); err != nil {
		return fmt.Errorf("create closures index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX closures_closed_at_idx`); err != nil {
		return fmt.Errorf("drop closures index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE closures`); err != nil {
		return fmt.Errorf("drop closures table: %w", err)
	}
	return nil
}
