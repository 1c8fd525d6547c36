// This package provides a high-level interface to the incoming envelope pipeline.
// It opens the encrypted database, wires decryption, block list, group state and the drain workers together, and
// applies processed content to a local inbox which callers can read or subscribe to.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-inbound/blocklist"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/decrypt"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/pipeline"
	"github.com/meow-io/go-inbound/supervisor"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

const pruneInterval = time.Hour

// An event indicating a change in the state of the service.
type AppState struct {
	State int
}

// An event indicating a new inbox entry.
type InboxUpdate struct {
	Entry *InboxEntry
}

// Publisher receives every inbox entry after it has been committed.
type Publisher interface {
	Publish(ctx context.Context, e *InboxEntry) error
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	State       int      `json:"state"`
	QueueDepth  int      `json:"queue_depth"`
	Draining    bool     `json:"draining"`
	Ready       bool     `json:"ready"`
	Background  bool     `json:"background"`
	Suspensions []string `json:"suspensions"`
}

type Inbound struct {
	DB            *db.Database
	config        *config.Config
	log           *zap.SugaredLogger
	state         int
	clock         clock.Clock
	supervisor    *supervisor.Supervisor
	decryptor     *decrypt.Decryptor
	blocklist     *blocklist.BlockList
	groups        *groups.Store
	deferred      *groups.DeferredQueue
	account       *account
	content       *contentProcessor
	processor     *pipeline.Processor
	updatesLock   *sync.Mutex
	updates       chan interface{}
	publisherLock *sync.Mutex
	publishers    []Publisher
	cancelFunc    context.CancelFunc
	finished      sync.WaitGroup
}

// Create an inbound instance
func NewInbound(c *config.Config) (*Inbound, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making inbound, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	db, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if db.Initialized() {
		state = StateInitialized
	}

	return &Inbound{
		DB:            db,
		config:        c,
		log:           log,
		state:         state,
		clock:         clock.NewSystemClock(),
		supervisor:    supervisor.New(c),
		updatesLock:   &sync.Mutex{},
		updates:       make(chan interface{}, 100),
		publisherLock: &sync.Mutex{},
		publishers:    make([]Publisher, 0),
	}, nil
}

// Makes a key from a password
func (i *Inbound) NewKey(password string) ([]byte, error) {
	return newKey(password, i.config.RootDir, "salt")
}

// Gets various updates which must be dealt with.
// This will either produce *AppState or *InboxUpdate
func (i *Inbound) Updates() chan interface{} {
	i.updatesLock.Lock()
	defer i.updatesLock.Unlock()
	return i.updates
}

// AddPublisher registers p for every future inbox entry.
func (i *Inbound) AddPublisher(p Publisher) {
	i.publisherLock.Lock()
	defer i.publisherLock.Unlock()
	i.publishers = append(i.publishers, p)
}

// Returns true is inbound is in NEW state.
func (i *Inbound) New() bool {
	return i.state == StateNew
}

// Returns true is inbound is in INITIALIZED state.
func (i *Inbound) Initialized() bool {
	return i.state == StateInitialized
}

// Returns true is inbound is in RUNNING state.
func (i *Inbound) Running() bool {
	return i.state == StateRunning
}

// Initialize inbound with a given key.
func (i *Inbound) Initialize(key []byte) error {
	if i.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := i.DB.Initialize(key); err != nil {
		return err
	}
	i.setState(StateInitialized)
	return i.open(key)
}

// Open an existing inbound with a given key.
func (i *Inbound) Open(key []byte) error {
	return i.open(key)
}

func (i *Inbound) open(key []byte) error {
	if i.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := i.DB.Open(key); err != nil {
		return err
	}

	decryptor, err := decrypt.NewDecryptor(i.config, i.DB, i.clock)
	if err != nil {
		return err
	}
	i.decryptor = decryptor
	bl, err := blocklist.New(i.DB, i.clock)
	if err != nil {
		return err
	}
	i.blocklist = bl
	store, err := groups.NewStore(i.config, i.DB)
	if err != nil {
		return err
	}
	i.groups = store
	i.deferred = groups.NewDeferredQueue(i.config, i.DB, store, i.clock, nil, nil)
	account, err := newAccount(i.DB, decryptor)
	if err != nil {
		return err
	}
	i.account = account
	content, err := newContentProcessor(i.config, i.DB, i.clock, store, i.deferred, i.publish)
	if err != nil {
		return err
	}
	i.content = content
	i.deferred.SetProcessor(content.processDeferred)

	processor, err := pipeline.NewProcessor(i.config, i.DB, i.clock, pipeline.Dependencies{
		Decryptor:      decryptor,
		Preprocessor:   decryptor,
		BlockList:      bl,
		Groups:         store,
		DeferredGroups: i.deferred,
		Content:        content,
		Supervisor:     i.supervisor,
		Account:        account,
		AppState:       i.supervisor,
	})
	if err != nil {
		return err
	}
	i.processor = processor

	ctx, cancelFunc := context.WithCancel(context.Background())
	i.cancelFunc = cancelFunc
	i.processor.Start()
	i.deferred.Start()
	i.startPruner(ctx)
	i.setState(StateRunning)

	if slices.Contains(i.supervisor.Reasons(), string(supervisor.ReasonShutdown)) {
		i.supervisor.Unsuspend(supervisor.ReasonShutdown)
	}

	n, err := i.processor.MigrateLegacyJobs()
	if err != nil {
		i.log.Warnf("error migrating legacy jobs: %v", err)
	} else if n != 0 {
		i.log.Infof("resubmitted %d legacy jobs", n)
	}
	return nil
}

// Gracefully stop a running inbound instance. Envelopes still queued in memory resolve with
// pipeline.ErrShuttingDown, which transports do not acknowledge.
func (i *Inbound) Shutdown() error {
	if i.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	i.setState(StateClosing)
	i.supervisor.Suspend(supervisor.ReasonShutdown)
	errs := make([]string, 0)
	i.cancelFunc()
	i.finished.Wait()

	i.processor.Shutdown()
	i.deferred.Shutdown()
	if err := i.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	i.cancelFunc = nil
	i.processor = nil
	i.deferred = nil
	i.content = nil

	i.setState(StateInitialized)

	i.updatesLock.Lock()
	close(i.updates)
	i.updates = make(chan interface{}, 100)
	i.updatesLock.Unlock()
	return nil
}

// SubmitEncrypted queues a raw wire envelope for decryption and processing.
func (i *Inbound) SubmitEncrypted(raw []byte, serverDeliveryTimestamp uint64, source envelope.Source) (*pipeline.Completion, error) {
	if i.state != StateRunning {
		return nil, errors.New("inbound: not running")
	}
	return i.processor.SubmitEncrypted(raw, serverDeliveryTimestamp, source)
}

func (i *Inbound) SubmitEncryptedEnvelope(env *envelope.Envelope, serverDeliveryTimestamp uint64, source envelope.Source) (*pipeline.Completion, error) {
	if i.state != StateRunning {
		return nil, errors.New("inbound: not running")
	}
	return i.processor.SubmitEncryptedEnvelope(env, serverDeliveryTimestamp, source)
}

// SubmitDecrypted queues content that was already decrypted elsewhere.
func (i *Inbound) SubmitDecrypted(env *envelope.Envelope, plaintext []byte, serverDeliveryTimestamp uint64, sealedSender bool) (*pipeline.Completion, error) {
	if i.state != StateRunning {
		return nil, errors.New("inbound: not running")
	}
	return i.processor.SubmitDecrypted(env, plaintext, serverDeliveryTimestamp, sealedSender), nil
}

func (i *Inbound) QueueDepth() int {
	if i.processor == nil {
		return 0
	}
	return i.processor.QueueDepth()
}

func (i *Inbound) HasPendingWork() bool {
	return i.processor != nil && i.processor.HasPendingWork()
}

func (i *Inbound) IsDraining() bool {
	return i.processor != nil && i.processor.IsDraining()
}

// AwaitFullDrain waits until both the envelope queue and the deferred group queue are empty.
func (i *Inbound) AwaitFullDrain(ctx context.Context) error {
	if i.state != StateRunning {
		return errors.New("inbound: not running")
	}
	return i.processor.AwaitFullDrain(ctx)
}

func (i *Inbound) Status() *Status {
	s := &Status{
		State:       i.state,
		QueueDepth:  i.QueueDepth(),
		Draining:    i.IsDraining(),
		Background:  i.supervisor.IsInBackground(),
		Suspensions: i.supervisor.Reasons(),
	}
	if i.account != nil {
		s.Ready = i.account.IsRegisteredAndReady()
	}
	return s
}

// Suspend stops processing until a matching Unsuspend.
func (i *Inbound) Suspend(reason supervisor.Reason) {
	i.supervisor.Suspend(reason)
}

func (i *Inbound) Unsuspend(reason supervisor.Reason) {
	i.supervisor.Unsuspend(reason)
}

// SetBackground shrinks drain batches while the host application is in the background.
func (i *Inbound) SetBackground(background bool) {
	i.supervisor.SetBackground(background)
}

// CreateIdentity registers the local address and returns the identity public key senders seal to.
func (i *Inbound) CreateIdentity(address ids.ID, device uint32) ([]byte, error) {
	var pub []byte
	return pub, i.DB.Run("create identity", func() error {
		var err error
		pub, err = i.decryptor.CreateIdentity(i.DB.Tx, address, device)
		return err
	})
}

func (i *Inbound) IdentityPublicKey() ([]byte, error) {
	var pub []byte
	return pub, i.DB.RunReadOnly("identity public key", func() error {
		var err error
		pub, err = i.decryptor.IdentityPublicKey(i.DB.Tx)
		return err
	})
}

// SetRegistered marks the account as registered with the service. Envelopes only drain while it is.
func (i *Inbound) SetRegistered(ready bool) error {
	if err := i.DB.Run("set registered", func() error {
		return i.decryptor.SetReady(i.DB.Tx, ready)
	}); err != nil {
		return err
	}
	i.account.setReady(ready)
	if ready {
		i.processor.Trigger()
	}
	return nil
}

// AcceptSession sets up a session where address.device speaks first.
func (i *Inbound) AcceptSession(address ids.ID, device uint32, secret, ratchetPriv []byte) error {
	return i.DB.Run("accept session", func() error {
		return i.decryptor.AcceptSession(i.DB.Tx, address, device, secret, ratchetPriv)
	})
}

func (i *Inbound) InitiateSession(address ids.ID, device uint32, secret, remoteRatchetPub []byte) error {
	return i.DB.Run("initiate session", func() error {
		return i.decryptor.InitiateSession(i.DB.Tx, address, device, secret, remoteRatchetPub)
	})
}

// Encrypt produces envelope content for address.device over an established session.
func (i *Inbound) Encrypt(address ids.ID, device uint32, plaintext []byte) ([]byte, error) {
	var out []byte
	return out, i.DB.Run("encrypt", func() error {
		var err error
		out, err = i.decryptor.Encrypt(i.DB.Tx, address, device, plaintext)
		return err
	})
}

func (i *Inbound) Block(address ids.ID) error {
	return i.DB.Run("block", func() error {
		return i.blocklist.Block(i.DB.Tx, address)
	})
}

func (i *Inbound) Unblock(address ids.ID) error {
	return i.DB.Run("unblock", func() error {
		return i.blocklist.Unblock(i.DB.Tx, address)
	})
}

// UpsertGroup stores local state for a group, typically after fetching it from the service. Deferred messages
// waiting on the group are retried once it commits.
func (i *Inbound) UpsertGroup(g *groups.Group) error {
	return i.DB.Run("upsert group", func() error {
		if err := i.groups.UpsertGroup(i.DB.Tx, g); err != nil {
			return err
		}
		i.DB.AfterCommit(i.deferred.Trigger)
		return nil
	})
}

func (i *Inbound) SetGroupMember(groupID, address ids.ID, admin bool) error {
	return i.DB.Run("set group member", func() error {
		return i.groups.SetMember(i.DB.Tx, &groups.Member{GroupID: groupID, Address: address, Admin: admin})
	})
}

func (i *Inbound) RemoveGroupMember(groupID, address ids.ID) error {
	return i.DB.Run("remove group member", func() error {
		return i.groups.RemoveMember(i.DB.Tx, groupID, address)
	})
}

// Inbox returns up to limit entries, newest first.
func (i *Inbound) Inbox(limit int) ([]*InboxEntry, error) {
	if i.state != StateRunning {
		return nil, errors.New("inbound: not running")
	}
	var entries []*InboxEntry
	return entries, i.DB.RunReadOnly("inbox", func() error {
		var err error
		entries, err = i.content.entries(i.DB.Tx, limit)
		return err
	})
}

func (i *Inbound) publish(e *InboxEntry) {
	i.updatesLock.Lock()
	select {
	case i.updates <- &InboxUpdate{Entry: e}:
	default:
		i.log.Warnf("updates channel full, dropping inbox update %s", e.ID)
	}
	i.updatesLock.Unlock()

	i.publisherLock.Lock()
	publishers := slices.Clone(i.publishers)
	i.publisherLock.Unlock()
	for _, p := range publishers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, e); err != nil {
			i.log.Warnf("error publishing inbox entry %s: %v", e.ID, err)
		}
		cancel()
	}
}

func (i *Inbound) startPruner(ctx context.Context) {
	i.finished.Add(1)
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				i.finished.Done()
				return
			case <-ticker.C:
				if _, err := i.pruneReceived(); err != nil {
					i.log.Warnf("error pruning received envelopes: %v", err)
				}
			}
		}
	}()
}

// pruneReceived forgets decrypt-time duplicate records older than the configured retention.
func (i *Inbound) pruneReceived() (int64, error) {
	now := i.clock.CurrentTimeMs()
	if now <= i.config.ReceivedRetentionMs {
		return 0, nil
	}
	var n int64
	return n, i.DB.Run("prune received envelopes", func() error {
		var err error
		n, err = i.decryptor.PruneReceived(i.DB.Tx, now-i.config.ReceivedRetentionMs)
		if err == nil && n != 0 {
			i.log.Debugf("pruned %d received envelope records", n)
		}
		return err
	})
}

func (i *Inbound) setState(state int) {
	i.state = state
	i.updatesLock.Lock()
	defer i.updatesLock.Unlock()
	i.updates <- &AppState{state}
}
