package pipeline

import (
	"sync"

	"go.uber.org/zap"
)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	duplicate
)

// envelopeQueue is the FIFO holding area between transports and the drain worker. The lock only guards the
// slice, nothing slow happens under it.
type envelopeQueue struct {
	lock    *sync.Mutex
	pending []pendingEnvelope
	log     *zap.SugaredLogger
}

func newEnvelopeQueue(log *zap.SugaredLogger) *envelopeQueue {
	return &envelopeQueue{
		lock:    &sync.Mutex{},
		pending: make([]pendingEnvelope, 0),
		log:     log,
	}
}

func (q *envelopeQueue) enqueueEncrypted(e *encryptedEnvelope) enqueueResult {
	q.lock.Lock()
	oldCount := len(q.pending)
	for _, p := range q.pending {
		if e.isDuplicateOf(p) {
			q.lock.Unlock()
			q.log.Infof("duplicate pending envelope guid=%q", e.env.GUID())
			return duplicate
		}
	}
	q.pending = append(q.pending, e)
	newCount := len(q.pending)
	q.lock.Unlock()
	if e.env.GUID() == "" {
		q.log.Debugf("enqueued envelope without server guid %s", e)
	}
	q.log.Debugf("queued encrypted envelope %d -> %d", oldCount, newCount)
	return enqueued
}

func (q *envelopeQueue) enqueueDecrypted(d *decryptedEnvelope) {
	q.lock.Lock()
	oldCount := len(q.pending)
	q.pending = append(q.pending, d)
	newCount := len(q.pending)
	q.lock.Unlock()
	q.log.Debugf("queued decrypted envelope %d -> %d", oldCount, newCount)
}

// nextBatch copies up to size envelopes from the head without removing them. It also returns the total queued.
func (q *envelopeQueue) nextBatch(size int) ([]pendingEnvelope, int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := len(q.pending)
	if size < n {
		n = size
	}
	batch := make([]pendingEnvelope, n)
	copy(batch, q.pending[:n])
	return batch, len(q.pending)
}

// removeProcessed drops count envelopes from the head. Processed envelopes are always a prefix of a batch.
func (q *envelopeQueue) removeProcessed(count int) {
	q.lock.Lock()
	oldCount := len(q.pending)
	if count >= oldCount {
		q.pending = make([]pendingEnvelope, 0)
	} else {
		q.pending = append(make([]pendingEnvelope, 0, oldCount-count), q.pending[count:]...)
	}
	newCount := len(q.pending)
	q.lock.Unlock()
	if count > oldCount {
		q.log.Warnf("removing %d processed envelopes with only %d queued", count, oldCount)
	}
	q.log.Debugf("removed processed envelopes %d -> %d", oldCount, newCount)
}

// takeAll empties the queue and returns what it held, head first.
func (q *envelopeQueue) takeAll() []pendingEnvelope {
	q.lock.Lock()
	defer q.lock.Unlock()
	taken := q.pending
	q.pending = make([]pendingEnvelope, 0)
	return taken
}

func (q *envelopeQueue) count() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

func (q *envelopeQueue) isEmpty() bool {
	return q.count() == 0
}
