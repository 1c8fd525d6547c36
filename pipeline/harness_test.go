package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/decrypt"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/internal/test"
	"github.com/meow-io/go-inbound/supervisor"
	"github.com/stretchr/testify/require"
)

type fakeAccount struct {
	address ids.ID
	ready   atomic.Bool
}

func (a *fakeAccount) LocalAddress(tx *sqlx.Tx) (ids.ID, error) {
	return a.address, nil
}

func (a *fakeAccount) IsRegisteredAndReady() bool {
	return a.ready.Load()
}

// fakeDecryptor treats envelope content as the plaintext.
type fakeDecryptor struct {
	lock  *sync.Mutex
	calls []*sqlx.Tx
}

func (f *fakeDecryptor) Decrypt(tx *sqlx.Tx, env *envelope.Envelope, raw []byte) (*envelope.Decrypted, error) {
	f.lock.Lock()
	f.calls = append(f.calls, tx)
	f.lock.Unlock()
	switch string(env.Content) {
	case "undecryptable":
		return nil, decrypt.ErrInvalidMessage
	case "seen":
		return nil, decrypt.ErrDuplicateMessage
	}
	return &envelope.Decrypted{Envelope: env, Raw: raw, Plaintext: env.Content}, nil
}

func (f *fakeDecryptor) txs() []*sqlx.Tx {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*sqlx.Tx{}, f.calls...)
}

type fakePreprocessor struct{}

func (f *fakePreprocessor) Preprocess(tx *sqlx.Tx, decrypted *envelope.Decrypted, content *envelope.Content) error {
	if content == nil {
		return nil
	}
	_, err := tx.Exec("INSERT INTO _test_preprocessed (body) VALUES (?)", content.Body)
	return err
}

type fakeBlockList struct {
	lock    *sync.Mutex
	blocked map[ids.ID]bool
}

func (f *fakeBlockList) IsBlocked(tx *sqlx.Tx, address ids.ID) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.blocked[address], nil
}

type fakeGroups struct {
	lock    *sync.Mutex
	waiting map[ids.ID]bool
	modes   map[ids.ID]groups.DiscardMode
}

func (f *fakeGroups) CanProcessImmediately(tx *sqlx.Tx, gc *envelope.GroupContextV2) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return !f.waiting[gc.ID], nil
}

func (f *fakeGroups) DiscardMode(tx *sqlx.Tx, sender ids.ID, gc *envelope.GroupContextV2) (groups.DiscardMode, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.modes[gc.ID], nil
}

type deferredCall struct {
	tx        *sqlx.Tx
	groupID   ids.ID
	envelope  []byte
	plaintext []byte
}

type fakeDeferred struct {
	lock    *sync.Mutex
	calls   []*deferredCall
	pending bool
	flushed chan struct{}
}

func (f *fakeDeferred) Enqueue(tx *sqlx.Tx, gc *envelope.GroupContextV2, envelopeBytes, plaintext []byte, sealedSender bool, serverDeliveryTimestamp uint64) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, &deferredCall{tx: tx, groupID: gc.ID, envelope: envelopeBytes, plaintext: plaintext})
	return nil
}

func (f *fakeDeferred) HasPendingJobs() (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pending, nil
}

func (f *fakeDeferred) Flushed() <-chan struct{} {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.flushed
}

func (f *fakeDeferred) setPending(pending bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.pending = pending
	if !pending {
		close(f.flushed)
		f.flushed = make(chan struct{})
	}
}

func (f *fakeDeferred) enqueued() []*deferredCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*deferredCall{}, f.calls...)
}

type handled struct {
	body           string
	discardVisible bool
	sealedSender   bool
	tx             *sqlx.Tx
}

// fakeContent records handled bodies. "explode" fails after writing and "commit-fails" makes the batch commit fail.
type fakeContent struct {
	db     *db.Database
	lock   *sync.Mutex
	seen   []*handled
	onBody func(body string)
}

func (f *fakeContent) Process(tx *sqlx.Tx, m *Message, discardVisible bool) error {
	body := ""
	if m.Content != nil {
		body = string(m.Content.Body)
	}
	if _, err := tx.Exec("INSERT INTO _test_processed (body) VALUES (?)", body); err != nil {
		return err
	}
	if f.onBody != nil {
		f.onBody(body)
	}
	switch body {
	case "explode":
		return errors.New("explode")
	case "commit-fails":
		f.db.BeforeCommit(func() error { return errors.New("disk full") })
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.seen = append(f.seen, &handled{body: body, discardVisible: discardVisible, sealedSender: m.SealedSender, tx: tx})
	return nil
}

func (f *fakeContent) all() []*handled {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*handled{}, f.seen...)
}

func (f *fakeContent) bodies() []string {
	out := make([]string, 0)
	for _, h := range f.all() {
		out = append(out, h.body)
	}
	return out
}

type harness struct {
	t         *testing.T
	db        *db.Database
	sup       *supervisor.Supervisor
	account   *fakeAccount
	decryptor *fakeDecryptor
	blocked   *fakeBlockList
	groups    *fakeGroups
	deferred  *fakeDeferred
	content   *fakeContent
	p         *Processor
	sender    ids.ID
	timestamp uint64
}

func newHarness(t *testing.T) *harness {
	c := test.NewTestConfig("pipeline")
	d := test.NewTestDatabase(c)
	require.Nil(t, d.Run("test tables", func() error {
		_, err := d.Tx.Exec(`
			CREATE TABLE _test_processed (body BLOB NOT NULL);
			CREATE TABLE _test_preprocessed (body BLOB NOT NULL);
		`)
		return err
	}))

	h := &harness{
		t:         t,
		db:        d,
		sup:       supervisor.New(c),
		account:   &fakeAccount{address: ids.NewID()},
		decryptor: &fakeDecryptor{lock: &sync.Mutex{}},
		blocked:   &fakeBlockList{lock: &sync.Mutex{}, blocked: make(map[ids.ID]bool)},
		groups:    &fakeGroups{lock: &sync.Mutex{}, waiting: make(map[ids.ID]bool), modes: make(map[ids.ID]groups.DiscardMode)},
		deferred:  &fakeDeferred{lock: &sync.Mutex{}, flushed: make(chan struct{})},
		content:   &fakeContent{db: d, lock: &sync.Mutex{}},
		sender:    ids.NewID(),
		timestamp: 1000,
	}
	h.account.ready.Store(true)
	p, err := NewProcessor(c, d, clock.NewSystemClock(), Dependencies{
		Decryptor:      h.decryptor,
		Preprocessor:   &fakePreprocessor{},
		BlockList:      h.blocked,
		Groups:         h.groups,
		DeferredGroups: h.deferred,
		Content:        h.content,
		Supervisor:     h.sup,
		Account:        h.account,
		AppState:       h.sup,
	})
	require.Nil(t, err)
	h.p = p
	t.Cleanup(p.Shutdown)
	return h
}

func (h *harness) plaintext(body string, gc *envelope.GroupContextV2) []byte {
	plaintext, err := (&envelope.Content{Kind: envelope.KindData, Body: []byte(body), Group: gc}).Serialize()
	require.Nil(h.t, err)
	return plaintext
}

func (h *harness) newEnvelope(guid string, content []byte) *envelope.Envelope {
	h.timestamp++
	env := &envelope.Envelope{Type: envelope.TypeCiphertext, Timestamp: h.timestamp, SourceAddress: &h.sender, SourceDevice: 1, Content: content}
	if guid != "" {
		env.ServerGUID = &guid
	}
	return env
}

func (h *harness) raw(guid, body string, gc *envelope.GroupContextV2) []byte {
	raw, err := h.newEnvelope(guid, h.plaintext(body, gc)).Serialize()
	require.Nil(h.t, err)
	return raw
}

func (h *harness) submit(guid, body string) *Completion {
	c, err := h.p.SubmitEncrypted(h.raw(guid, body, nil), 1, envelope.SourceTests)
	require.Nil(h.t, err)
	return c
}

func (h *harness) submitDecrypted(body string) *Completion {
	return h.p.SubmitDecrypted(h.newEnvelope("", nil), h.plaintext(body, nil), 1, false)
}

func (h *harness) wait(c *Completion) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		h.t.Fatal("completion never resolved")
		return nil
	}
}

func (h *harness) count(table string) int {
	var n int
	require.Nil(h.t, h.db.RunReadOnly("count", func() error {
		return h.db.Tx.Get(&n, "SELECT count(*) FROM "+table)
	}))
	return n
}

func isDone(c *Completion) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
