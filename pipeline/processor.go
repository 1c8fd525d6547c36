// This package is the incoming envelope pipeline: a deduplicating FIFO of submitted envelopes, drained in batches by
// one worker that decrypts and routes every envelope inside a single write transaction per batch.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/internal/db"
	"github.com/meow-io/go-inbound/migration"
	"go.uber.org/zap"
)

type Processor struct {
	config *config.Config
	db     *db.Database
	log    *zap.SugaredLogger
	clock  clock.Clock
	deps   Dependencies
	queue  *envelopeQueue

	trigger    chan struct{}
	drainLock  *sync.Mutex
	draining   bool
	flushLock  *sync.Mutex
	flushed    chan struct{}
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
	unregister func()
}

func NewProcessor(c *config.Config, d *db.Database, cl clock.Clock, deps Dependencies) (*Processor, error) {
	if err := d.Migrate("_pipeline", []*migration.Migration{
		{
			Name: "Create legacy job tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _legacy_decrypt_jobs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						envelope BLOB,
						server_delivery_ts INTEGER NOT NULL,
						status TEXT NOT NULL
					);

					CREATE TABLE _legacy_process_jobs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						envelope BLOB NOT NULL,
						plaintext BLOB,
						server_delivery_ts INTEGER NOT NULL,
						sealed_sender BOOLEAN NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	log := c.Logger("pipeline/processor")
	return &Processor{
		config:    c,
		db:        d,
		log:       log,
		clock:     cl,
		deps:      deps,
		queue:     newEnvelopeQueue(c.Logger("pipeline/queue")),
		trigger:   make(chan struct{}, 1),
		drainLock: &sync.Mutex{},
		flushLock: &sync.Mutex{},
		flushed:   make(chan struct{}),
	}, nil
}

func (p *Processor) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	p.cancelFunc = cancelFunc
	p.unregister = p.deps.Supervisor.Register(p.Trigger)
	p.startDrain(ctx)
	p.Trigger()
}

// Shutdown stops the drain worker. Envelopes still queued are resolved with ErrShuttingDown so their senders
// redeliver them.
func (p *Processor) Shutdown() {
	if p.cancelFunc != nil {
		p.cancelFunc()
		p.finished.Wait()
		p.cancelFunc = nil
	}
	if p.unregister != nil {
		p.unregister()
		p.unregister = nil
	}
	abandoned := p.queue.takeAll()
	if len(abandoned) != 0 {
		p.log.Infof("abandoning %d queued envelopes at shutdown", len(abandoned))
	}
	for _, pe := range abandoned {
		pe.completion().complete(ErrShuttingDown)
	}
}

func (p *Processor) startDrain(ctx context.Context) {
	p.finished.Add(1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.finished.Done()
				return
			case <-p.trigger:
				p.drainPendingEnvelopes()
			}
		}
	}()
}

// Trigger asks the drain worker to run. Calls coalesce.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// SubmitEncrypted queues a raw wire envelope. Empty, oversized, unparseable and already queued envelopes are
// rejected here; every later outcome arrives through the returned Completion.
func (p *Processor) SubmitEncrypted(raw []byte, serverDeliveryTimestamp uint64, source envelope.Source) (*Completion, error) {
	if len(raw) == 0 || len(raw) > p.config.MaxEnvelopeBytes {
		p.log.Warnf("rejecting envelope of %d bytes from %s", len(raw), source)
		return nil, fmt.Errorf("%w: %d bytes", ErrEmptyOrOversizedEnvelope, len(raw))
	}
	if len(raw) > p.config.LargeEnvelopeWarningBytes {
		p.log.Warnf("large envelope of %d bytes from %s", len(raw), source)
	}
	env, err := envelope.Parse(raw)
	if err != nil {
		p.log.Warnf("rejecting malformed envelope from %s: %v", source, err)
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return p.submitEncrypted(&encryptedEnvelope{
		raw:                     raw,
		env:                     env,
		serverDeliveryTimestamp: serverDeliveryTimestamp,
		source:                  source,
		done:                    newCompletion(),
	})
}

// SubmitEncryptedEnvelope queues an envelope a transport already parsed.
func (p *Processor) SubmitEncryptedEnvelope(env *envelope.Envelope, serverDeliveryTimestamp uint64, source envelope.Source) (*Completion, error) {
	return p.submitEncrypted(&encryptedEnvelope{
		env:                     env,
		serverDeliveryTimestamp: serverDeliveryTimestamp,
		source:                  source,
		done:                    newCompletion(),
	})
}

func (p *Processor) submitEncrypted(e *encryptedEnvelope) (*Completion, error) {
	if p.queue.enqueueEncrypted(e) == duplicate {
		return nil, fmt.Errorf("%w: guid=%q", ErrDuplicatePendingEnvelope, e.env.GUID())
	}
	p.Trigger()
	return e.done, nil
}

// SubmitDecrypted queues content that needs no decryption. It is never deduplicated.
func (p *Processor) SubmitDecrypted(env *envelope.Envelope, plaintext []byte, serverDeliveryTimestamp uint64, sealedSender bool) *Completion {
	d := &decryptedEnvelope{
		env:                     env,
		plaintext:               plaintext,
		serverDeliveryTimestamp: serverDeliveryTimestamp,
		sealedSender:            sealedSender,
		done:                    newCompletion(),
	}
	p.queue.enqueueDecrypted(d)
	p.Trigger()
	return d.done
}

func (p *Processor) QueueDepth() int {
	return p.queue.count()
}

func (p *Processor) HasPendingWork() bool {
	return !p.queue.isEmpty() || p.IsDraining()
}

func (p *Processor) IsDraining() bool {
	p.drainLock.Lock()
	defer p.drainLock.Unlock()
	return p.draining
}

// Flushed returns a channel closed the next time the worker goes idle with nothing queued.
func (p *Processor) Flushed() <-chan struct{} {
	p.flushLock.Lock()
	defer p.flushLock.Unlock()
	return p.flushed
}

// AwaitFullDrain returns once neither the envelope queue nor the deferred group queue holds work. Work arriving while
// waiting extends the wait.
func (p *Processor) AwaitFullDrain(ctx context.Context) error {
	for {
		flushed := p.Flushed()
		if p.HasPendingWork() {
			select {
			case <-flushed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		groupsFlushed := p.deps.DeferredGroups.Flushed()
		pending, err := p.deps.DeferredGroups.HasPendingJobs()
		if err != nil {
			return err
		}
		if !pending {
			if p.HasPendingWork() {
				continue
			}
			return nil
		}
		select {
		case <-groupsFlushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Processor) canDrain() bool {
	return p.deps.Supervisor.IsProcessingPermitted() && p.deps.Account.IsRegisteredAndReady()
}

func (p *Processor) drainPendingEnvelopes() {
	if !p.canDrain() {
		return
	}
	p.drainLock.Lock()
	if p.draining {
		p.drainLock.Unlock()
		return
	}
	p.draining = true
	p.drainLock.Unlock()

	for p.drainNextBatch() {
	}

	p.drainLock.Lock()
	p.draining = false
	p.drainLock.Unlock()

	if p.queue.isEmpty() {
		p.flushLock.Lock()
		close(p.flushed)
		p.flushed = make(chan struct{})
		p.flushLock.Unlock()
	}
}

func (p *Processor) batchSize() int {
	if p.deps.AppState != nil && p.deps.AppState.IsInBackground() {
		return p.config.BackgroundBatchSize
	}
	return p.config.ForegroundBatchSize
}

type processedEnvelope struct {
	envelope pendingEnvelope
	result   error
}

// drainNextBatch handles one batch in one transaction and reports whether another batch should follow.
func (p *Processor) drainNextBatch() bool {
	if !p.canDrain() {
		return false
	}
	batch, total := p.queue.nextBatch(p.batchSize())
	if len(batch) == 0 {
		return false
	}
	start := p.clock.Now()
	processed := make([]*processedEnvelope, 0, len(batch))
	removed := false

	err := p.db.Run(fmt.Sprintf("processing %d envelopes of %d", len(batch), total), func() error {
		for _, pe := range batch {
			if !p.deps.Supervisor.IsProcessingPermitted() {
				p.log.Infof("processing no longer permitted, stopping after %d of %d", len(processed), len(batch))
				break
			}
			var result error
			if err := p.db.Savepoint("envelope", func() error {
				result = p.processEnvelope(pe)
				if result != nil && !isKeptFailure(result) {
					return result
				}
				return nil
			}); err != nil && !errors.Is(err, result) {
				return err
			}
			processed = append(processed, &processedEnvelope{envelope: pe, result: result})
		}
		p.queue.removeProcessed(len(processed))
		removed = true
		return nil
	})
	if err != nil {
		// failed envelopes are resolved below and the sender redelivers them, so they leave the queue either way
		if !removed {
			p.queue.removeProcessed(len(processed))
		}
		p.log.Warnf("error committing batch of %d envelopes: %v", len(processed), err)
		commitErr := fmt.Errorf("%w: %w", ErrCommitFailed, err)
		for _, pe := range processed {
			pe.result = commitErr
		}
	}

	for _, pe := range processed {
		if pe.result != nil {
			p.log.Infof("envelope %s failed: %v", pe.envelope, pe.result)
		}
		if !pe.envelope.completion().complete(pe.result) {
			p.log.Warnf("envelope %s completed twice", pe.envelope)
		}
	}

	duration := p.clock.Now().Sub(start)
	p.log.Debugf("processed %d envelopes in %s (%.1f/s), %d remaining", len(processed), duration, float64(len(processed))/duration.Seconds(), p.queue.count())
	return len(processed) > 0
}

// isKeptFailure marks failures whose writes survive the envelope's savepoint.
func isKeptFailure(err error) bool {
	return errors.Is(err, ErrBlockedSender)
}
