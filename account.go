package inbound

import (
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/decrypt"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
)

// account answers registration questions for the drain worker without touching the database on every check.
type account struct {
	decryptor *decrypt.Decryptor
	ready     atomic.Bool
}

func newAccount(d *db.Database, decryptor *decrypt.Decryptor) (*account, error) {
	a := &account{decryptor: decryptor}
	var ready bool
	if err := d.RunReadOnly("load registration", func() error {
		var err error
		ready, err = decryptor.Ready(d.Tx)
		return err
	}); err != nil {
		return nil, err
	}
	a.ready.Store(ready)
	return a, nil
}

func (a *account) LocalAddress(tx *sqlx.Tx) (ids.ID, error) {
	address, _, err := a.decryptor.LocalAddress(tx)
	return address, err
}

func (a *account) IsRegisteredAndReady() bool {
	return a.ready.Load()
}

func (a *account) setReady(ready bool) {
	a.ready.Store(ready)
}
