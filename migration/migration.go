// This package defines a named schema migration. Each subsystem owns an ordered list of these and applies them
// through the database's migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
