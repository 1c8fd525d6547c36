package inbound

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/bencode"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/migration"
	"github.com/meow-io/go-inbound/pipeline"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// An entry in the local inbox.
type InboxEntry struct {
	ID                      ids.ID        `db:"id"`
	Source                  ids.ID        `db:"source"`
	Device                  uint32        `db:"device"`
	Timestamp               uint64        `db:"timestamp"`
	ServerTimestamp         uint64        `db:"server_timestamp"`
	ServerDeliveryTimestamp uint64        `db:"server_delivery_ts"`
	SealedSender            bool          `db:"sealed_sender"`
	Kind                    envelope.Kind `db:"kind"`
	GroupID                 *ids.ID       `db:"group_id"`
	Body                    []byte        `db:"body"`
	CreatedAtMs             uint64        `db:"ctime_ms"`
}

// groupChange is the body of a group update carrying the change to its revision.
type groupChange struct {
	Added             []ids.ID `bencode:"a,omitempty"`
	Removed           []ids.ID `bencode:"r,omitempty"`
	Admins            []ids.ID `bencode:"d,omitempty"`
	AnnouncementsOnly *bool    `bencode:"o,omitempty"`
}

type contentProcessor struct {
	db       *db.Database
	log      *zap.SugaredLogger
	clock    clock.Clock
	groups   *groups.Store
	deferred *groups.DeferredQueue
	notify   func(*InboxEntry)
}

func newContentProcessor(c *config.Config, d *db.Database, cl clock.Clock, store *groups.Store, deferred *groups.DeferredQueue, notify func(*InboxEntry)) (*contentProcessor, error) {
	if err := d.Migrate("_inbound", []*migration.Migration{
		{
			Name: "Create inbox",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _inbox (
						id BLOB PRIMARY KEY,
						source BLOB NOT NULL,
						device INTEGER NOT NULL,
						timestamp INTEGER NOT NULL,
						server_timestamp INTEGER NOT NULL,
						server_delivery_ts INTEGER NOT NULL,
						sealed_sender BOOLEAN NOT NULL,
						kind INTEGER NOT NULL,
						group_id BLOB,
						body BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX inbox_ctime_ms on _inbox (ctime_ms);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &contentProcessor{
		db:       d,
		log:      c.Logger("inbound/content"),
		clock:    cl,
		groups:   store,
		deferred: deferred,
		notify:   notify,
	}, nil
}

// Process stores m in the inbox. Group updates carrying a change are applied to local group state first.
func (p *contentProcessor) Process(tx *sqlx.Tx, m *pipeline.Message, discardVisible bool) error {
	kind := envelope.KindNull
	var body []byte
	var gc *envelope.GroupContextV2
	if m.Content != nil {
		kind = m.Content.Kind
		body = m.Content.Body
		gc = m.Content.Group
	} else if m.Envelope.Type == envelope.TypeReceipt {
		kind = envelope.KindReceipt
	}

	if kind == envelope.KindNull {
		p.log.Debugf("nothing to store for %s", m.Envelope)
		return nil
	}
	if discardVisible && kind.Visible() {
		p.log.Debugf("discarding visible %s from %s", kind, m.Envelope)
		return nil
	}
	if kind == envelope.KindGroupUpdate {
		if err := p.applyGroupChange(tx, gc, body); err != nil {
			return err
		}
	}

	entry := &InboxEntry{
		ID:                      ids.NewID(),
		Source:                  *m.Envelope.SourceAddress,
		Device:                  m.Envelope.SourceDevice,
		Timestamp:               m.Envelope.Timestamp,
		ServerTimestamp:         m.Envelope.ServerTimestamp,
		ServerDeliveryTimestamp: m.ServerDeliveryTimestamp,
		SealedSender:            m.SealedSender,
		Kind:                    kind,
		Body:                    body,
		CreatedAtMs:             p.clock.CurrentTimeMs(),
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	if gc != nil {
		id := gc.ID
		entry.GroupID = &id
	}
	if _, err := tx.NamedExec(`INSERT INTO _inbox (id, source, device, timestamp, server_timestamp, server_delivery_ts, sealed_sender, kind, group_id, body, ctime_ms)
		VALUES (:id, :source, :device, :timestamp, :server_timestamp, :server_delivery_ts, :sealed_sender, :kind, :group_id, :body, :ctime_ms)`, entry); err != nil {
		return fmt.Errorf("inbound: error inserting inbox entry: %w", err)
	}
	if p.notify != nil {
		p.db.AfterCommit(func() { p.notify(entry) })
	}
	return nil
}

func (p *contentProcessor) applyGroupChange(tx *sqlx.Tx, gc *envelope.GroupContextV2, body []byte) error {
	if gc == nil || !gc.HasChange {
		return nil
	}
	change := &groupChange{}
	if err := bencode.Deserialize(body, change); err != nil {
		return fmt.Errorf("inbound: error decoding group change: %w", err)
	}
	g, ok, err := p.groups.Group(tx, gc.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("inbound: change for unknown group %s", gc.ID)
	}
	if gc.Revision <= g.Revision {
		p.log.Debugf("ignoring stale change to %s at revision %d, have %d", gc.ID, gc.Revision, g.Revision)
		return nil
	}

	for _, address := range change.Added {
		if err := p.groups.SetMember(tx, &groups.Member{GroupID: gc.ID, Address: address, Admin: slices.Contains(change.Admins, address)}); err != nil {
			return err
		}
	}
	for _, address := range change.Admins {
		if slices.Contains(change.Added, address) {
			continue
		}
		if err := p.groups.SetMember(tx, &groups.Member{GroupID: gc.ID, Address: address, Admin: true}); err != nil {
			return err
		}
	}
	for _, address := range change.Removed {
		if err := p.groups.RemoveMember(tx, gc.ID, address); err != nil {
			return err
		}
	}
	if change.AnnouncementsOnly != nil {
		g.AnnouncementsOnly = *change.AnnouncementsOnly
	}
	g.Revision = gc.Revision
	if err := p.groups.UpsertGroup(tx, g); err != nil {
		return err
	}
	p.log.Infof("group %s now at revision %d", gc.ID, gc.Revision)
	p.db.AfterCommit(p.deferred.Trigger)
	return nil
}

// processDeferred hands a replayed group job to Process.
func (p *contentProcessor) processDeferred(tx *sqlx.Tx, job *groups.Job, env *envelope.Envelope, discardVisible bool) error {
	content, err := envelope.ParseContent(job.Plaintext)
	if err != nil {
		return err
	}
	return p.Process(tx, &pipeline.Message{
		Envelope:                env,
		Raw:                     job.Envelope,
		Plaintext:               job.Plaintext,
		Content:                 content,
		ServerDeliveryTimestamp: job.ServerDeliveryTimestamp,
		SealedSender:            job.SealedSender,
	}, discardVisible)
}

func (p *contentProcessor) entries(tx *sqlx.Tx, limit int) ([]*InboxEntry, error) {
	entries := make([]*InboxEntry, 0)
	if err := tx.Select(&entries, "SELECT * FROM _inbox ORDER BY ctime_ms DESC, rowid DESC LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("inbound: error listing inbox: %w", err)
	}
	return entries, nil
}
