package pipeline

import (
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
	"github.com/meow-io/go-inbound/ids"
)

// Everything below runs inside the drain transaction unless noted.

type Decryptor interface {
	Decrypt(tx *sqlx.Tx, env *envelope.Envelope, raw []byte) (*envelope.Decrypted, error)
}

type Preprocessor interface {
	Preprocess(tx *sqlx.Tx, decrypted *envelope.Decrypted, content *envelope.Content) error
}

type BlockList interface {
	IsBlocked(tx *sqlx.Tx, address ids.ID) (bool, error)
}

type GroupChecker interface {
	CanProcessImmediately(tx *sqlx.Tx, gc *envelope.GroupContextV2) (bool, error)
	DiscardMode(tx *sqlx.Tx, sender ids.ID, gc *envelope.GroupContextV2) (groups.DiscardMode, error)
}

// DeferredGroupQueue durably holds group messages until local group state catches up. HasPendingJobs and Flushed
// are called outside any transaction.
type DeferredGroupQueue interface {
	Enqueue(tx *sqlx.Tx, gc *envelope.GroupContextV2, envelopeBytes, plaintext []byte, sealedSender bool, serverDeliveryTimestamp uint64) error
	HasPendingJobs() (bool, error)
	Flushed() <-chan struct{}
}

// Message is a routed envelope handed downstream.
type Message struct {
	Envelope                *envelope.Envelope
	Raw                     []byte
	Plaintext               []byte
	Content                 *envelope.Content
	ServerDeliveryTimestamp uint64
	SealedSender            bool
}

// ContentProcessor applies a message. With discardVisible set, only its silent effects may be kept.
type ContentProcessor interface {
	Process(tx *sqlx.Tx, m *Message, discardVisible bool) error
}

// Supervisor is consulted outside transactions and before every envelope.
type Supervisor interface {
	IsProcessingPermitted() bool
	Register(resume func()) (unregister func())
}

type Account interface {
	LocalAddress(tx *sqlx.Tx) (ids.ID, error)
	IsRegisteredAndReady() bool
}

type AppState interface {
	IsInBackground() bool
}

// Dependencies are the collaborators a Processor drives. AppState may be nil, which means always foreground.
type Dependencies struct {
	Decryptor      Decryptor
	Preprocessor   Preprocessor
	BlockList      BlockList
	Groups         GroupChecker
	DeferredGroups DeferredGroupQueue
	Content        ContentProcessor
	Supervisor     Supervisor
	Account        Account
	AppState       AppState
}
