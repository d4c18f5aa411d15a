package history

import (
	"context"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE events (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			addr    TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			kind    TEXT NOT NULL,
			at      INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX events_addr_idx ON events (addr)`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `CREATE INDEX events_user_id_idx ON events (user_id)`)
	return err
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE events`)
	return err
}
