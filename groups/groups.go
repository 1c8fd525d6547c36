// This package holds local group state and decides whether a group message can be processed now, must wait for
// the group to catch up, or should be dropped.
package groups

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/migration"
	"go.uber.org/zap"
)

type DiscardMode int

const (
	Keep DiscardMode = iota
	DiscardVisible
	DiscardAll
)

func (m DiscardMode) String() string {
	switch m {
	case Keep:
		return "keep"
	case DiscardVisible:
		return "discard-visible"
	case DiscardAll:
		return "discard-all"
	default:
		return fmt.Sprintf("discard-mode(%d)", int(m))
	}
}

type Group struct {
	ID                ids.ID `db:"id"`
	Revision          uint32 `db:"revision"`
	LocalMember       bool   `db:"local_member"`
	AnnouncementsOnly bool   `db:"announcements_only"`
	Blocked           bool   `db:"blocked"`
}

type Member struct {
	GroupID ids.ID `db:"group_id"`
	Address ids.ID `db:"address"`
	Admin   bool   `db:"admin"`
}

type Store struct {
	db  *db.Database
	log *zap.SugaredLogger
}

func NewStore(c *config.Config, d *db.Database) (*Store, error) {
	if err := d.Migrate("_groups", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _groups (
						id BLOB PRIMARY KEY,
						revision INTEGER NOT NULL,
						local_member BOOLEAN NOT NULL,
						announcements_only BOOLEAN NOT NULL,
						blocked BOOLEAN NOT NULL
					);

					CREATE TABLE _group_members (
						group_id BLOB NOT NULL,
						address BLOB NOT NULL,
						admin BOOLEAN NOT NULL,
						PRIMARY KEY (group_id, address)
					);

					CREATE TABLE _deferred_group_jobs (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						id BLOB NOT NULL UNIQUE,
						group_id BLOB NOT NULL,
						revision INTEGER NOT NULL,
						envelope BLOB NOT NULL,
						plaintext BLOB NOT NULL,
						sealed_sender BOOLEAN NOT NULL,
						server_delivery_ts INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX deferred_group_jobs_group_id on _deferred_group_jobs (group_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Store{db: d, log: c.Logger("groups")}, nil
}

func (s *Store) Group(tx *sqlx.Tx, id ids.ID) (*Group, bool, error) {
	g := &Group{}
	if err := tx.Get(g, "SELECT * FROM _groups WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("groups: error getting group %s: %w", id, err)
	}
	return g, true, nil
}

// UpsertGroup stores g. Revisions never move backwards.
func (s *Store) UpsertGroup(tx *sqlx.Tx, g *Group) error {
	if _, err := tx.NamedExec(`INSERT INTO _groups (id, revision, local_member, announcements_only, blocked) VALUES (:id, :revision, :local_member, :announcements_only, :blocked)
		ON CONFLICT(id) DO UPDATE SET revision = max(revision, excluded.revision), local_member = excluded.local_member, announcements_only = excluded.announcements_only, blocked = excluded.blocked`, g); err != nil {
		return fmt.Errorf("groups: error upserting group %s: %w", g.ID, err)
	}
	return nil
}

// AdvanceRevision moves a known group forward to revision.
func (s *Store) AdvanceRevision(tx *sqlx.Tx, id ids.ID, revision uint32) error {
	if _, err := tx.Exec("UPDATE _groups SET revision = ? WHERE id = ? AND revision < ?", revision, id, revision); err != nil {
		return fmt.Errorf("groups: error advancing group %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetMember(tx *sqlx.Tx, m *Member) error {
	if _, err := tx.NamedExec("INSERT INTO _group_members (group_id, address, admin) VALUES (:group_id, :address, :admin) ON CONFLICT(group_id, address) DO UPDATE SET admin = excluded.admin", m); err != nil {
		return fmt.Errorf("groups: error setting member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(tx *sqlx.Tx, groupID, address ids.ID) error {
	if _, err := tx.Exec("DELETE FROM _group_members WHERE group_id = ? AND address = ?", groupID, address); err != nil {
		return fmt.Errorf("groups: error removing member: %w", err)
	}
	return nil
}

func (s *Store) member(tx *sqlx.Tx, groupID, address ids.ID) (*Member, bool, error) {
	m := &Member{}
	if err := tx.Get(m, "SELECT * FROM _group_members WHERE group_id = ? AND address = ?", groupID, address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("groups: error getting member: %w", err)
	}
	return m, true, nil
}

// revisionSatisfied is true when local state is new enough for a message at gc's revision. A message carrying the
// change to the very next revision can be applied directly.
func (s *Store) revisionSatisfied(tx *sqlx.Tx, gc *envelope.GroupContextV2) (bool, error) {
	g, ok, err := s.Group(tx, gc.ID)
	if err != nil || !ok {
		return false, err
	}
	if gc.Revision <= g.Revision {
		return true, nil
	}
	return gc.HasChange && gc.Revision == g.Revision+1, nil
}

// CanProcessImmediately is false while the group is unknown, behind the message, or still has earlier messages
// waiting in the deferred queue.
func (s *Store) CanProcessImmediately(tx *sqlx.Tx, gc *envelope.GroupContextV2) (bool, error) {
	ok, err := s.revisionSatisfied(tx, gc)
	if err != nil || !ok {
		return false, err
	}
	var pending int
	if err := tx.Get(&pending, "SELECT count(*) FROM _deferred_group_jobs WHERE group_id = ?", gc.ID); err != nil {
		return false, fmt.Errorf("groups: error counting deferred jobs: %w", err)
	}
	return pending == 0, nil
}

// DiscardMode decides what survives of a message from sender. Nothing survives for groups we are not in or have
// blocked. Visible messages are dropped from non-members and, in announcement-only groups, from non-admins.
func (s *Store) DiscardMode(tx *sqlx.Tx, sender ids.ID, gc *envelope.GroupContextV2) (DiscardMode, error) {
	g, ok, err := s.Group(tx, gc.ID)
	if err != nil {
		return DiscardAll, err
	}
	if !ok || !g.LocalMember || g.Blocked {
		return DiscardAll, nil
	}
	m, ok, err := s.member(tx, gc.ID, sender)
	if err != nil {
		return DiscardAll, err
	}
	if !ok {
		return DiscardVisible, nil
	}
	if g.AnnouncementsOnly && !m.Admin {
		return DiscardVisible, nil
	}
	return Keep, nil
}
