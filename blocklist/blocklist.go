// This package tracks addresses whose envelopes are acknowledged and dropped instead of processed.
package blocklist

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/migration"
)

type BlockList struct {
	clock clock.Clock
}

func New(d *db.Database, cl clock.Clock) (*BlockList, error) {
	if err := d.Migrate("_blocklist", []*migration.Migration{
		{
			Name: "Create blocked addresses",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _blocked_addresses (
						address BLOB PRIMARY KEY,
						ctime_ms INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &BlockList{clock: cl}, nil
}

func (b *BlockList) IsBlocked(tx *sqlx.Tx, address ids.ID) (bool, error) {
	var count int
	if err := tx.Get(&count, "SELECT count(*) FROM _blocked_addresses WHERE address = ?", address); err != nil {
		return false, fmt.Errorf("blocklist: error checking %s: %w", address, err)
	}
	return count != 0, nil
}

func (b *BlockList) Block(tx *sqlx.Tx, address ids.ID) error {
	if _, err := tx.Exec("INSERT INTO _blocked_addresses (address, ctime_ms) VALUES (?, ?) ON CONFLICT(address) DO NOTHING", address, b.clock.CurrentTimeMs()); err != nil {
		return fmt.Errorf("blocklist: error blocking %s: %w", address, err)
	}
	return nil
}

func (b *BlockList) Unblock(tx *sqlx.Tx, address ids.ID) error {
	if _, err := tx.Exec("DELETE FROM _blocked_addresses WHERE address = ?", address); err != nil {
		return fmt.Errorf("blocklist: error unblocking %s: %w", address, err)
	}
	return nil
}

func (b *BlockList) All(tx *sqlx.Tx) ([]ids.ID, error) {
	var out []ids.ID
	if err := tx.Select(&out, "SELECT address FROM _blocked_addresses ORDER BY ctime_ms, address"); err != nil {
		return nil, fmt.Errorf("blocklist: error listing: %w", err)
	}
	return out, nil
}
