package decrypt

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/migration"
	"github.com/status-im/doubleratchet"
)

type localIdentity struct {
	Address     ids.ID `db:"address"`
	Device      uint32 `db:"device"`
	PrivateKey  []byte `db:"identity_priv"`
	PublicKey   []byte `db:"identity_pub"`
	Ready       bool   `db:"ready"`
	CreatedAtMs uint64 `db:"ctime_ms"`
}

type session struct {
	ID      []byte `db:"id"`
	Address ids.ID `db:"address"`
	Device  uint32 `db:"device"`
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type senderKey struct {
	Address        ids.ID `db:"address"`
	Device         uint32 `db:"device"`
	DistributionID ids.ID `db:"distribution_id"`
	ChainKey       []byte `db:"chain_key"`
	Iteration      uint32 `db:"iteration"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_decrypt", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _local_identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						address BLOB NOT NULL,
						device INTEGER NOT NULL,
						identity_priv BLOB NOT NULL,
						identity_pub BLOB NOT NULL,
						ready BOOLEAN NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _sessions (
						id BLOB PRIMARY KEY,
						address BLOB NOT NULL,
						device INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX sessions_address_device on _sessions (address, device);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count BLOB NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count BLOB NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _received_envelopes (
						source BLOB NOT NULL,
						device INTEGER NOT NULL,
						timestamp INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (source, device, timestamp)
					);

					CREATE TABLE _sender_keys (
						address BLOB NOT NULL,
						device INTEGER NOT NULL,
						distribution_id BLOB NOT NULL,
						chain_key BLOB NOT NULL,
						iteration INTEGER NOT NULL,
						PRIMARY KEY (address, device, distribution_id)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *database) localIdentity(tx *sqlx.Tx) (*localIdentity, bool, error) {
	li := &localIdentity{}
	if err := tx.Get(li, "SELECT address, device, identity_priv, identity_pub, ready, ctime_ms FROM _local_identity WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("decrypt: error getting local identity: %w", err)
	}
	return li, true, nil
}

func (d *database) insertLocalIdentity(tx *sqlx.Tx, li *localIdentity) error {
	if _, err := tx.NamedExec("INSERT INTO _local_identity (id, address, device, identity_priv, identity_pub, ready, ctime_ms) VALUES (1, :address, :device, :identity_priv, :identity_pub, :ready, :ctime_ms)", li); err != nil {
		return fmt.Errorf("decrypt: error inserting local identity: %w", err)
	}
	return nil
}

func (d *database) setIdentityReady(tx *sqlx.Tx, ready bool) error {
	if _, err := tx.Exec("UPDATE _local_identity SET ready = ? WHERE id = 1", ready); err != nil {
		return fmt.Errorf("decrypt: error updating local identity: %w", err)
	}
	return nil
}

func (d *database) sessionFor(tx *sqlx.Tx, address ids.ID, device uint32) (*session, bool, error) {
	s := &session{}
	if err := tx.Get(s, "SELECT * FROM _sessions WHERE address = ? AND device = ?", address, device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("decrypt: error getting session: %w", err)
	}
	return s, true, nil
}

func (d *database) insertSession(tx *sqlx.Tx, s *session) error {
	if _, err := tx.NamedExec("INSERT INTO _sessions (id, address, device) VALUES (:id, :address, :device)", s); err != nil {
		return fmt.Errorf("decrypt: error inserting session: %w", err)
	}
	return nil
}

func (d *database) deleteSession(tx *sqlx.Tx, s *session) error {
	if _, err := tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ?", s.ID); err != nil {
		return fmt.Errorf("decrypt: error deleting session keys: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM _doubleratchet_states WHERE id = ?", s.ID); err != nil {
		return fmt.Errorf("decrypt: error deleting session state: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM _sessions WHERE id = ?", s.ID); err != nil {
		return fmt.Errorf("decrypt: error deleting session: %w", err)
	}
	return nil
}

func (d *database) doubleratchetState(tx *sqlx.Tx, id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := tx.Get(s, "select * from _doubleratchet_states where id = $1", id); err != nil {
		return nil, fmt.Errorf("decrypt: error getting doubleratchet_state: %w", err)
	}
	return s, nil
}

func (d *database) upsertDoubleratchetState(tx *sqlx.Tx, s *doubleratchetState) error {
	if _, err := tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) on CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("decrypt: error upserting doubleratchet_state: %w", err)
	}
	return nil
}

func (d *database) keyByMsgNum(tx *sqlx.Tx, sessionID []byte, k doubleratchet.Key, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	err := tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (d *database) upsertKeyByMsgNum(tx *sqlx.Tx, sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	_, err := tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum)
	if err != nil {
		return fmt.Errorf("decrypt: error upserting key by msgnum: %w", err)
	}
	return nil
}

func (d *database) deleteKeyByMsgNum(tx *sqlx.Tx, sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	_, err := tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		return fmt.Errorf("decrypt: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (d *database) deleteOldMks(tx *sqlx.Tx, sessionID []byte, deleteUntilSeqKey uint) error {
	_, err := tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? and seq_num < ?", sessionID, deleteUntilSeqKey)
	if err != nil {
		return fmt.Errorf("decrypt: error deleting old keys: %w", err)
	}
	return nil
}

func (d *database) truncateMks(tx *sqlx.Tx, sessionID []byte, maxKeys int) error {
	_, err := tx.Exec("DELETE FROM _doubleratchet_keys where session_id = ? and seq_num not in (select seq_num from _doubleratchet_keys where session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys)
	if err != nil {
		return fmt.Errorf("decrypt: error truncating keys: %w", err)
	}
	return nil
}

func (d *database) countKeys(tx *sqlx.Tx, k doubleratchet.Key) (uint, error) {
	counter := &struct {
		Count uint `db:"keys_count"`
	}{Count: 0}
	if err := tx.Get(counter, "SELECT count(*) as keys_count FROM _doubleratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("decrypt: error counting keys: %w", err)
	}

	return counter.Count, nil
}

func (d *database) receivedEnvelope(tx *sqlx.Tx, source ids.ID, device uint32, timestamp uint64) (bool, error) {
	var count int
	if err := tx.Get(&count, "SELECT count(*) FROM _received_envelopes WHERE source = ? AND device = ? AND timestamp = ?", source, device, timestamp); err != nil {
		return false, fmt.Errorf("decrypt: error checking received envelopes: %w", err)
	}
	return count != 0, nil
}

func (d *database) insertReceivedEnvelope(tx *sqlx.Tx, source ids.ID, device uint32, timestamp, nowMs uint64) error {
	if _, err := tx.Exec("INSERT INTO _received_envelopes (source, device, timestamp, ctime_ms) VALUES (?, ?, ?, ?)", source, device, timestamp, nowMs); err != nil {
		return fmt.Errorf("decrypt: error recording received envelope: %w", err)
	}
	return nil
}

func (d *database) deleteReceivedEnvelopesBefore(tx *sqlx.Tx, ms uint64) (int64, error) {
	res, err := tx.Exec("DELETE FROM _received_envelopes WHERE ctime_ms < ?", ms)
	if err != nil {
		return 0, fmt.Errorf("decrypt: error pruning received envelopes: %w", err)
	}
	return res.RowsAffected()
}

func (d *database) upsertSenderKey(tx *sqlx.Tx, sk *senderKey) error {
	if _, err := tx.NamedExec("INSERT INTO _sender_keys (address, device, distribution_id, chain_key, iteration) VALUES (:address, :device, :distribution_id, :chain_key, :iteration) ON CONFLICT(address, device, distribution_id) DO UPDATE SET chain_key = excluded.chain_key, iteration = excluded.iteration WHERE excluded.iteration >= _sender_keys.iteration", sk); err != nil {
		return fmt.Errorf("decrypt: error upserting sender key: %w", err)
	}
	return nil
}

func (d *database) senderKey(tx *sqlx.Tx, address ids.ID, device uint32, distributionID ids.ID) (*senderKey, bool, error) {
	sk := &senderKey{}
	if err := tx.Get(sk, "SELECT * FROM _sender_keys WHERE address = ? AND device = ? AND distribution_id = ?", address, device, distributionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("decrypt: error getting sender key: %w", err)
	}
	return sk, true, nil
}
