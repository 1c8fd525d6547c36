package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/meow-io/go-inbound/decrypt"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/internal/test"
	"github.com/stretchr/testify/require"
)

func encryptedWithGUID(guid string) *encryptedEnvelope {
	env := &envelope.Envelope{Type: envelope.TypeCiphertext, Timestamp: 1}
	if guid != "" {
		env.ServerGUID = &guid
	}
	return &encryptedEnvelope{env: env, done: newCompletion()}
}

func TestQueueBatches(t *testing.T) {
	require := require.New(t)
	q := newEnvelopeQueue(test.NewTestConfig("pipeline").Logger("pipeline/queue"))

	for i := 0; i < 5; i++ {
		require.Equal(enqueued, q.enqueueEncrypted(encryptedWithGUID(fmt.Sprintf("g%d", i))))
	}
	q.enqueueDecrypted(&decryptedEnvelope{env: &envelope.Envelope{}, done: newCompletion()})
	require.Equal(duplicate, q.enqueueEncrypted(encryptedWithGUID("g3")))
	require.Equal(enqueued, q.enqueueEncrypted(encryptedWithGUID("")))
	require.Equal(enqueued, q.enqueueEncrypted(encryptedWithGUID("")))
	require.Equal(8, q.count())

	batch, total := q.nextBatch(3)
	require.Len(batch, 3)
	require.Equal(8, total)
	again, _ := q.nextBatch(3)
	require.Equal(batch, again, "peeking does not consume")

	q.removeProcessed(2)
	batch, total = q.nextBatch(16)
	require.Len(batch, 6)
	require.Equal(6, total)
	require.Equal("g2", batch[0].(*encryptedEnvelope).env.GUID())

	q.removeProcessed(100)
	require.True(q.isEmpty())
	batch, _ = q.nextBatch(16)
	require.Empty(batch)

	require.Equal(enqueued, q.enqueueEncrypted(encryptedWithGUID("g3")), "dedup only covers queued envelopes")
}

func TestDecryptedNeverDuplicates(t *testing.T) {
	d := &decryptedEnvelope{env: &envelope.Envelope{}, done: newCompletion()}
	require.False(t, d.isDuplicateOf(d))
	e := encryptedWithGUID("x")
	require.False(t, e.isDuplicateOf(d))
}

func TestCompletionResolvesOnce(t *testing.T) {
	require := require.New(t)
	c := newCompletion()
	require.Nil(c.Err())
	require.True(c.complete(ErrBlockedSender))
	require.False(c.complete(nil))
	require.Equal(ErrBlockedSender, c.Err())
	<-c.Done()

	r := Resolved(ErrCommitFailed)
	require.True(isDone(r))
	require.ErrorIs(r.Wait(context.Background()), ErrCommitFailed)
}

func TestAckBehavior(t *testing.T) {
	require := require.New(t)
	for _, tc := range []struct {
		err      error
		expected AckBehavior
	}{
		{nil, Ack},
		{fmt.Errorf("%w: guid", ErrDuplicatePendingEnvelope), DoNotAck},
		{fmt.Errorf("%w: disk", ErrCommitFailed), DoNotAck},
		{ErrBlockedSender, Ack},
		{&DecryptionError{Err: decrypt.ErrDuplicateMessage}, Ack},
		{ErrEmptyOrOversizedEnvelope, Ack},
		{ErrMalformedEnvelope, Ack},
		{ErrWrongDestination, Ack},
		{ErrMissingSourceAddress, Ack},
		{errors.New("anything"), Ack},
	} {
		require.Equal(tc.expected, AckBehaviorFor(tc.err), "%v", tc.err)
	}
	require.True(Ack.ShouldAck())
	require.False(DoNotAck.ShouldAck())
	require.Equal("do-not-ack", DoNotAck.String())
}
