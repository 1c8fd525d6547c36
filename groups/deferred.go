package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/db"
	"go.uber.org/zap"
)

// ErrGroupUnavailable tells the queue to drop every waiting job for a group.
var ErrGroupUnavailable = errors.New("groups: group unavailable")

type Job struct {
	Seq                     int64  `db:"seq"`
	ID                      ids.ID `db:"id"`
	GroupID                 ids.ID `db:"group_id"`
	Revision                uint32 `db:"revision"`
	Envelope                []byte `db:"envelope"`
	Plaintext               []byte `db:"plaintext"`
	SealedSender            bool   `db:"sealed_sender"`
	ServerDeliveryTimestamp uint64 `db:"server_delivery_ts"`
	CreatedAtMs             uint64 `db:"ctime_ms"`
}

// Updater brings local state for a group up to at least revision, typically by fetching it from the service.
type Updater interface {
	UpdateGroup(tx *sqlx.Tx, groupID ids.ID, revision uint32) error
}

// JobProcessor hands a ready job's content downstream.
type JobProcessor func(tx *sqlx.Tx, job *Job, env *envelope.Envelope, discardVisible bool) error

// DeferredQueue holds group messages that arrived before local group state could accept them and replays them,
// oldest first, once it can.
type DeferredQueue struct {
	db        *db.Database
	store     *Store
	log       *zap.SugaredLogger
	clock     clock.Clock
	updater   Updater
	processor JobProcessor
	retry     time.Duration

	trigger    chan struct{}
	flushLock  *sync.Mutex
	flushed    chan struct{}
	finished   *sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewDeferredQueue(c *config.Config, d *db.Database, store *Store, cl clock.Clock, updater Updater, processor JobProcessor) *DeferredQueue {
	return &DeferredQueue{
		db:        d,
		store:     store,
		log:       c.Logger("groups/deferred"),
		clock:     cl,
		updater:   updater,
		processor: processor,
		retry:     time.Duration(c.DeferredGroupRetryMs) * time.Millisecond,
		trigger:   make(chan struct{}, 1),
		flushLock: &sync.Mutex{},
		flushed:   make(chan struct{}),
		finished:  &sync.WaitGroup{},
	}
}

// SetProcessor replaces the job processor. It must be called before Start.
func (q *DeferredQueue) SetProcessor(p JobProcessor) {
	q.processor = p
}

// Enqueue stores a job inside tx and schedules a pass once tx commits.
func (q *DeferredQueue) Enqueue(tx *sqlx.Tx, gc *envelope.GroupContextV2, envelopeBytes, plaintext []byte, sealedSender bool, serverDeliveryTimestamp uint64) error {
	job := &Job{
		ID:                      ids.NewID(),
		GroupID:                 gc.ID,
		Revision:                gc.Revision,
		Envelope:                envelopeBytes,
		Plaintext:               plaintext,
		SealedSender:            sealedSender,
		ServerDeliveryTimestamp: serverDeliveryTimestamp,
		CreatedAtMs:             q.clock.CurrentTimeMs(),
	}
	if _, err := tx.NamedExec("INSERT INTO _deferred_group_jobs (id, group_id, revision, envelope, plaintext, sealed_sender, server_delivery_ts, ctime_ms) VALUES (:id, :group_id, :revision, :envelope, :plaintext, :sealed_sender, :server_delivery_ts, :ctime_ms)", job); err != nil {
		return fmt.Errorf("groups: error enqueuing deferred job: %w", err)
	}
	q.log.Debugf("deferred job %s for group %s revision=%d", job.ID, job.GroupID, job.Revision)
	q.db.AfterCommit(q.Trigger)
	return nil
}

// Trigger schedules a pass over waiting jobs. Calls coalesce.
func (q *DeferredQueue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Flushed returns a channel closed the next time a pass ends with no jobs waiting.
func (q *DeferredQueue) Flushed() <-chan struct{} {
	q.flushLock.Lock()
	defer q.flushLock.Unlock()
	return q.flushed
}

func (q *DeferredQueue) HasPendingJobs() (bool, error) {
	var count int
	if err := q.db.RunReadOnly("count deferred group jobs", func() error {
		return q.db.Tx.Get(&count, "SELECT count(*) FROM _deferred_group_jobs")
	}); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (q *DeferredQueue) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	q.cancelFunc = cancelFunc
	q.finished.Add(1)
	go q.run(ctx)
	q.Trigger()
}

func (q *DeferredQueue) Shutdown() {
	if q.cancelFunc == nil {
		return
	}
	q.cancelFunc()
	q.finished.Wait()
	q.cancelFunc = nil
}

func (q *DeferredQueue) run(ctx context.Context) {
	defer q.finished.Done()
	ticker := time.NewTicker(q.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
		case <-ticker.C:
		}
		remaining, err := q.process()
		if err != nil {
			q.log.Warnf("error processing deferred group jobs: %v", err)
			continue
		}
		if remaining == 0 {
			q.flushLock.Lock()
			close(q.flushed)
			q.flushed = make(chan struct{})
			q.flushLock.Unlock()
		}
	}
}

func (q *DeferredQueue) process() (int, error) {
	var remaining int
	err := q.db.Run("process deferred group jobs", func() error {
		var jobs []*Job
		if err := q.db.Tx.Select(&jobs, "SELECT * FROM _deferred_group_jobs ORDER BY seq"); err != nil {
			return fmt.Errorf("groups: error listing deferred jobs: %w", err)
		}
		stuck := make(map[ids.ID]bool)
		for _, job := range jobs {
			if stuck[job.GroupID] {
				remaining++
				continue
			}
			done, err := q.processJob(job)
			if err != nil {
				return err
			}
			if !done {
				stuck[job.GroupID] = true
				remaining++
			}
		}
		return nil
	})
	return remaining, err
}

// processJob returns false when the job has to keep waiting.
func (q *DeferredQueue) processJob(job *Job) (bool, error) {
	tx := q.db.Tx
	gc := &envelope.GroupContextV2{ID: job.GroupID, Revision: job.Revision}
	content, err := envelope.ParseContent(job.Plaintext)
	if err == nil && content.Group != nil {
		gc = content.Group
	}

	ready, err := q.store.revisionSatisfied(tx, gc)
	if err != nil {
		return false, err
	}
	if !ready && q.updater != nil {
		if err := q.updater.UpdateGroup(tx, job.GroupID, job.Revision); err != nil {
			if errors.Is(err, ErrGroupUnavailable) {
				q.log.Infof("dropping deferred job %s, group %s unavailable", job.ID, job.GroupID)
				return true, q.delete(tx, job)
			}
			q.log.Warnf("error updating group %s: %v", job.GroupID, err)
			return false, nil
		}
		if ready, err = q.store.revisionSatisfied(tx, gc); err != nil {
			return false, err
		}
	}
	if !ready {
		return false, nil
	}

	env, err := envelope.Parse(job.Envelope)
	if err != nil || !env.HasValidSource() {
		q.log.Warnf("dropping deferred job %s with unusable envelope: %v", job.ID, err)
		return true, q.delete(tx, job)
	}

	err = q.db.Savepoint("deferred_job", func() error {
		mode, err := q.store.DiscardMode(tx, *env.SourceAddress, gc)
		if err != nil {
			return err
		}
		if mode == DiscardAll {
			q.log.Debugf("discarding deferred job %s", job.ID)
			return nil
		}
		if q.processor == nil {
			return errors.New("groups: no job processor")
		}
		return q.processor(tx, job, env, mode == DiscardVisible)
	})
	if err != nil {
		q.log.Warnf("error processing deferred job %s, dropping: %v", job.ID, err)
	}
	return true, q.delete(tx, job)
}

func (q *DeferredQueue) delete(tx *sqlx.Tx, job *Job) error {
	if _, err := tx.Exec("DELETE FROM _deferred_group_jobs WHERE id = ?", job.ID); err != nil {
		return fmt.Errorf("groups: error deleting deferred job: %w", err)
	}
	return nil
}
