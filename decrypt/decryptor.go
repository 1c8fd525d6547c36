// This package turns encrypted envelopes into plaintext. Sessions are double ratchets whose state lives in the same
// database transaction as the rest of envelope processing, so a rolled back envelope also rolls back the ratchet.
package decrypt

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-inbound/bencode"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/crypto"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

var (
	ErrDuplicateMessage = errors.New("decrypt: duplicate message")
	ErrNoSession        = errors.New("decrypt: no session for sender")
	ErrInvalidMessage   = errors.New("decrypt: invalid message")
	ErrUnsupportedType  = errors.New("decrypt: unsupported envelope type")
	ErrNoIdentity       = errors.New("decrypt: no local identity")
)

type Decryptor struct {
	db    *database
	log   *zap.SugaredLogger
	clock clock.Clock
}

func NewDecryptor(c *config.Config, d *db.Database, cl clock.Clock) (*Decryptor, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Decryptor{
		db:    database,
		log:   c.Logger("decrypt"),
		clock: cl,
	}, nil
}

// CreateIdentity registers the local address and generates its identity key. It returns the public half, which
// senders need to seal envelopes to us.
func (d *Decryptor) CreateIdentity(tx *sqlx.Tx, address ids.ID, device uint32) ([]byte, error) {
	if _, ok, err := d.db.localIdentity(tx); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.New("decrypt: identity already exists")
	}
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	li := &localIdentity{
		Address:     address,
		Device:      device,
		PrivateKey:  priv[:],
		PublicKey:   pub[:],
		Ready:       false,
		CreatedAtMs: d.clock.CurrentTimeMs(),
	}
	if err := d.db.insertLocalIdentity(tx, li); err != nil {
		return nil, err
	}
	return pub[:], nil
}

// LocalAddress returns the registered address, or ErrNoIdentity.
func (d *Decryptor) LocalAddress(tx *sqlx.Tx) (ids.ID, uint32, error) {
	li, ok, err := d.db.localIdentity(tx)
	if err != nil {
		return ids.Zero, 0, err
	}
	if !ok {
		return ids.Zero, 0, ErrNoIdentity
	}
	return li.Address, li.Device, nil
}

func (d *Decryptor) IdentityPublicKey(tx *sqlx.Tx) ([]byte, error) {
	li, ok, err := d.db.localIdentity(tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoIdentity
	}
	return li.PublicKey, nil
}

func (d *Decryptor) SetReady(tx *sqlx.Tx, ready bool) error {
	if _, ok, err := d.db.localIdentity(tx); err != nil {
		return err
	} else if !ok {
		return ErrNoIdentity
	}
	return d.db.setIdentityReady(tx, ready)
}

// Ready is true once an identity exists and has been marked ready.
func (d *Decryptor) Ready(tx *sqlx.Tx) (bool, error) {
	li, ok, err := d.db.localIdentity(tx)
	if err != nil || !ok {
		return false, err
	}
	return li.Ready, nil
}

// AcceptSession sets up a session where the remote side speaks first, using our ratchet private key.
func (d *Decryptor) AcceptSession(tx *sqlx.Tx, address ids.ID, device uint32, secret, ratchetPriv []byte) error {
	priv, err := crypto.KeyFromBytes(ratchetPriv)
	if err != nil {
		return err
	}
	s, err := d.replaceSession(tx, address, device, secret)
	if err != nil {
		return err
	}
	dhPair := dhPairImpl{privateKey: *priv, publicKey: *crypto.PublicKey(priv)}
	storage := &sessionStorageImpl{db: d.db, tx: tx}
	if _, err := doubleratchet.New(s.ID, secret, dhPair, storage, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(&keysStorageImpl{sessionID: s.ID, db: d.db, tx: tx})); err != nil {
		return fmt.Errorf("decrypt: error initializing doubleratchet: %w", err)
	}
	return nil
}

// InitiateSession sets up a session where we speak first, toward the remote ratchet public key.
func (d *Decryptor) InitiateSession(tx *sqlx.Tx, address ids.ID, device uint32, secret, remoteRatchetPub []byte) error {
	if _, err := crypto.KeyFromBytes(remoteRatchetPub); err != nil {
		return err
	}
	s, err := d.replaceSession(tx, address, device, secret)
	if err != nil {
		return err
	}
	storage := &sessionStorageImpl{db: d.db, tx: tx}
	if _, err := doubleratchet.NewWithRemoteKey(s.ID, secret, remoteRatchetPub, storage, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(&keysStorageImpl{sessionID: s.ID, db: d.db, tx: tx})); err != nil {
		return fmt.Errorf("decrypt: error initializing doubleratchet: %w", err)
	}
	return nil
}

func (d *Decryptor) replaceSession(tx *sqlx.Tx, address ids.ID, device uint32, secret []byte) (*session, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("decrypt: expected secret of length 32, got %d", len(secret))
	}
	existing, ok, err := d.db.sessionFor(tx, address, device)
	if err != nil {
		return nil, err
	}
	if ok {
		d.log.Infof("replacing session with %s.%d", address, device)
		if err := d.db.deleteSession(tx, existing); err != nil {
			return nil, err
		}
	}
	id := ids.NewID()
	s := &session{ID: id[:], Address: address, Device: device}
	if err := d.db.insertSession(tx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Encrypt produces ciphertext envelope content for address.device over an established session.
func (d *Decryptor) Encrypt(tx *sqlx.Tx, address ids.ID, device uint32, plaintext []byte) ([]byte, error) {
	s, ok, err := d.db.sessionFor(tx, address, device)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	drSession, err := d.loadSession(tx, s)
	if err != nil {
		return nil, fmt.Errorf("decrypt encrypt: %w", err)
	}
	msg, err := drSession.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt encrypt: %w", err)
	}
	return bencode.Serialize(&ratchetMessage{
		Dh:   msg.Header.DH,
		N:    msg.Header.N,
		Pn:   msg.Header.PN,
		Body: msg.Ciphertext,
	})
}

// Seal wraps ratchet content so that only the holder of recipientIdentity learns who sent it.
func Seal(recipientIdentity []byte, from ids.ID, fromDevice uint32, content []byte) ([]byte, error) {
	recipient, err := crypto.KeyFromBytes(recipientIdentity)
	if err != nil {
		return nil, err
	}
	inner, err := bencode.Serialize(&unsealedMessage{SourceAddress: from, SourceDevice: fromDevice, Message: content})
	if err != nil {
		return nil, err
	}
	eph, ct, err := crypto.Seal(recipient, inner)
	if err != nil {
		return nil, err
	}
	return bencode.Serialize(&sealedMessage{EphemeralKey: eph, Ciphertext: ct})
}

func (d *Decryptor) loadSession(tx *sqlx.Tx, s *session) (doubleratchet.Session, error) {
	return doubleratchet.Load(s.ID, &sessionStorageImpl{db: d.db, tx: tx}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(&keysStorageImpl{sessionID: s.ID, db: d.db, tx: tx}))
}

// Decrypt recovers the plaintext of env inside tx. Sealed envelopes come back with their sender filled in.
// Receipts carry no content and come back without plaintext.
func (d *Decryptor) Decrypt(tx *sqlx.Tx, env *envelope.Envelope, raw []byte) (*envelope.Decrypted, error) {
	var message []byte
	out := *env

	switch env.Type {
	case envelope.TypeReceipt:
		return d.result(&out, raw, nil)
	case envelope.TypePlaintextContent:
		return d.result(&out, raw, env.Content)
	case envelope.TypeUnidentifiedSender:
		unsealed, err := d.unseal(tx, env.Content)
		if err != nil {
			return nil, err
		}
		out.SourceAddress = &unsealed.SourceAddress
		out.SourceDevice = unsealed.SourceDevice
		message = unsealed.Message
		raw = nil
	case envelope.TypeCiphertext, envelope.TypePrekeyBundle:
		if !env.HasValidSource() {
			return nil, fmt.Errorf("%w: ciphertext without source", ErrInvalidMessage)
		}
		message = env.Content
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}

	source := *out.SourceAddress
	seen, err := d.db.receivedEnvelope(tx, source, out.SourceDevice, out.Timestamp)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrDuplicateMessage
	}

	s, ok, err := d.db.sessionFor(tx, source, out.SourceDevice)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w %s.%d", ErrNoSession, source, out.SourceDevice)
	}

	rm := &ratchetMessage{}
	if err := bencode.Deserialize(message, rm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	drSession, err := d.loadSession(tx, s)
	if err != nil {
		return nil, fmt.Errorf("decrypt: error loading session: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: rm.Dh,
			N:  rm.N,
			PN: rm.Pn,
		},
		Ciphertext: rm.Body,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if err := d.db.insertReceivedEnvelope(tx, source, out.SourceDevice, out.Timestamp, d.clock.CurrentTimeMs()); err != nil {
		return nil, err
	}
	d.log.Debugf("decrypted %s", &out)
	return d.result(&out, raw, plaintext)
}

func (d *Decryptor) unseal(tx *sqlx.Tx, content []byte) (*unsealedMessage, error) {
	li, ok, err := d.db.localIdentity(tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoIdentity
	}
	sealed := &sealedMessage{}
	if err := bencode.Deserialize(content, sealed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	pub, err := crypto.KeyFromBytes(li.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.KeyFromBytes(li.PrivateKey)
	if err != nil {
		return nil, err
	}
	inner, err := crypto.Unseal(pub, priv, sealed.EphemeralKey, sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	unsealed := &unsealedMessage{}
	if err := bencode.Deserialize(inner, unsealed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return unsealed, nil
}

func (d *Decryptor) result(env *envelope.Envelope, raw, plaintext []byte) (*envelope.Decrypted, error) {
	if raw == nil {
		var err error
		if raw, err = env.Serialize(); err != nil {
			return nil, fmt.Errorf("decrypt: error serializing envelope: %w", err)
		}
	}
	return &envelope.Decrypted{Envelope: env, Raw: raw, Plaintext: plaintext}, nil
}

// PruneReceived forgets duplicate-detection records older than ms.
func (d *Decryptor) PruneReceived(tx *sqlx.Tx, ms uint64) (int64, error) {
	return d.db.deleteReceivedEnvelopesBefore(tx, ms)
}
