package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-inbound/decrypt"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/groups"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/internal/test"
	"github.com/meow-io/go-inbound/supervisor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestCompletionOrderMatchesSubmission(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	expected := make([]string, 0)
	completions := make([]*Completion, 0)
	for i := 0; i < 40; i++ {
		body := fmt.Sprintf("m%02d", i)
		expected = append(expected, body)
		if i%3 == 0 {
			completions = append(completions, h.submitDecrypted(body))
		} else {
			completions = append(completions, h.submit(fmt.Sprintf("guid-%d", i), body))
		}
	}
	require.Equal(40, h.p.QueueDepth())
	require.True(h.p.HasPendingWork())

	h.p.Start()
	for _, c := range completions {
		require.Nil(h.wait(c))
	}
	require.Equal(expected, h.content.bodies())
	require.Equal(0, h.p.QueueDepth())

	txs := make(map[any]int)
	for _, handled := range h.content.all() {
		txs[handled.tx]++
	}
	require.Len(txs, 3, "16 + 16 + 8")
}

func TestDuplicateWhileQueued(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	raw := h.raw("g1", "first", nil)
	first, err := h.p.SubmitEncrypted(raw, 1, envelope.SourceWebsocketIdentified)
	require.Nil(err)
	_, err = h.p.SubmitEncrypted(h.raw("g1", "again", nil), 1, envelope.SourceRest)
	require.True(errors.Is(err, ErrDuplicatePendingEnvelope))
	require.Equal(DoNotAck, AckBehaviorFor(err))
	require.Equal(1, h.p.QueueDepth())

	// no guid, no dedup
	_ = h.submit("", "a")
	_ = h.submit("", "b")
	require.Equal(3, h.p.QueueDepth())

	h.p.Start()
	require.Nil(h.wait(first))
	require.Nil(h.p.AwaitFullDrain(context.Background()))

	third, err := h.p.SubmitEncrypted(h.raw("g1", "third", nil), 1, envelope.SourceRest)
	require.Nil(err)
	require.Nil(h.wait(third))
	require.Equal([]string{"first", "a", "b", "third"}, h.content.bodies())
}

func TestSubmissionRejectedBeforeQueueing(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	_, err := h.p.SubmitEncrypted(nil, 1, envelope.SourceRest)
	require.True(errors.Is(err, ErrEmptyOrOversizedEnvelope))

	env := h.newEnvelope("max", nil)
	var raw []byte
	for n := 256000 - 200; ; n++ {
		env.Content = make([]byte, n)
		raw, err = env.Serialize()
		require.Nil(err)
		if len(raw) >= 256000 {
			break
		}
	}
	require.Len(raw, 256000)
	_, err = h.p.SubmitEncrypted(raw, 1, envelope.SourceRest)
	require.Nil(err)

	env.Content = append(env.Content, 0)
	raw, err = env.Serialize()
	require.Nil(err)
	require.Len(raw, 256001)
	_, err = h.p.SubmitEncrypted(raw, 1, envelope.SourceRest)
	require.True(errors.Is(err, ErrEmptyOrOversizedEnvelope))
	require.Equal(Ack, AckBehaviorFor(err))

	_, err = h.p.SubmitEncrypted([]byte("not bencode"), 1, envelope.SourceRest)
	require.True(errors.Is(err, ErrMalformedEnvelope))
	require.True(errors.Is(err, envelope.ErrMalformed))

	require.Equal(1, h.p.QueueDepth())
	require.Empty(h.decryptor.txs())
}

func TestPermissionRevokedMidBatch(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.content.onBody = func(body string) {
		if body == "m1" {
			h.sup.Suspend(supervisor.ReasonMaintenance)
		}
	}

	completions := make([]*Completion, 0)
	for i := 0; i < 5; i++ {
		completions = append(completions, h.submit("", fmt.Sprintf("m%d", i)))
	}
	h.p.Start()
	require.Nil(h.wait(completions[0]))
	require.Nil(h.wait(completions[1]))

	time.Sleep(100 * time.Millisecond)
	for _, c := range completions[2:] {
		require.False(isDone(c))
	}
	require.Equal(3, h.p.QueueDepth())
	require.Equal([]string{"m0", "m1"}, h.content.bodies())

	h.content.onBody = nil
	h.sup.Unsuspend(supervisor.ReasonMaintenance)
	for _, c := range completions[2:] {
		require.Nil(h.wait(c))
	}
	require.Equal([]string{"m0", "m1", "m2", "m3", "m4"}, h.content.bodies())
}

func TestNothingDrainsUntilReady(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.account.ready.Store(false)
	h.p.Start()

	c := h.submit("", "waiting")
	time.Sleep(100 * time.Millisecond)
	require.False(isDone(c))
	require.Equal(1, h.p.QueueDepth())

	h.account.ready.Store(true)
	h.p.Trigger()
	require.Nil(h.wait(c))
}

func TestBackgroundBatchSize(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sup.SetBackground(true)

	completions := make([]*Completion, 0)
	for i := 0; i < 4; i++ {
		completions = append(completions, h.submit("", fmt.Sprintf("m%d", i)))
	}
	h.p.Start()
	for _, c := range completions {
		require.Nil(h.wait(c))
	}
	txs := make(map[any]int)
	for _, handled := range h.content.all() {
		txs[handled.tx]++
	}
	require.Len(txs, 4)
}

func TestGroupPreconditionNotMet(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	gid := ids.NewID()
	h.groups.waiting[gid] = true

	raw := h.raw("", "later", &envelope.GroupContextV2{ID: gid, Revision: 9})
	c, err := h.p.SubmitEncrypted(raw, 1, envelope.SourceRest)
	require.Nil(err)
	h.p.Start()
	require.Nil(h.wait(c))

	require.Empty(h.content.bodies())
	calls := h.deferred.enqueued()
	require.Len(calls, 1)
	require.Equal(gid, calls[0].groupID)
	require.Equal(raw, calls[0].envelope)
	require.Equal(h.decryptor.txs()[0], calls[0].tx)

	content, err := envelope.ParseContent(calls[0].plaintext)
	require.Nil(err)
	require.Equal("later", string(content.Body))
}

func TestDeferredDecryptedEnvelopeIsReserialized(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	gid := ids.NewID()
	h.groups.waiting[gid] = true

	env := h.newEnvelope("", nil)
	c := h.p.SubmitDecrypted(env, h.plaintext("later", &envelope.GroupContextV2{ID: gid, Revision: 2}), 1, true)
	h.p.Start()
	require.Nil(h.wait(c))

	calls := h.deferred.enqueued()
	require.Len(calls, 1)
	parsed, err := envelope.Parse(calls[0].envelope)
	require.Nil(err)
	require.Equal(env.Timestamp, parsed.Timestamp)
	require.Equal(h.sender, *parsed.SourceAddress)
}

func TestDiscardModes(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	keep, hidden, dropped := ids.NewID(), ids.NewID(), ids.NewID()
	h.groups.modes[hidden] = groups.DiscardVisible
	h.groups.modes[dropped] = groups.DiscardAll

	completions := make([]*Completion, 0)
	for _, gid := range []ids.ID{keep, hidden, dropped} {
		c, err := h.p.SubmitEncrypted(h.raw("", gid.String(), &envelope.GroupContextV2{ID: gid, Revision: 1}), 1, envelope.SourceRest)
		require.Nil(err)
		completions = append(completions, c)
	}
	h.p.Start()
	for _, c := range completions {
		require.Nil(h.wait(c), "discard completes as success")
	}

	all := h.content.all()
	require.Len(all, 2)
	require.Equal(keep.String(), all[0].body)
	require.False(all[0].discardVisible)
	require.Equal(hidden.String(), all[1].body)
	require.True(all[1].discardVisible)
	require.Empty(h.deferred.enqueued())
}

func TestBlockedSender(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.blocked.blocked[h.sender] = true

	c := h.submit("", "blocked")
	h.p.Start()
	err := h.wait(c)
	require.True(errors.Is(err, ErrBlockedSender))
	require.Equal(Ack, AckBehaviorFor(err))
	require.True(IsExpectedFailure(err))
	require.Equal(0, h.p.QueueDepth())
	require.Empty(h.content.bodies())
	require.Equal(1, h.count("_test_preprocessed"), "preprocessing survives a blocked sender")
}

func TestFailedEnvelopeLeavesNoTrace(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	before := h.submit("", "before")
	failed := h.submit("", "explode")
	after := h.submit("", "after")
	h.p.Start()

	require.Nil(h.wait(before))
	err := h.wait(failed)
	require.NotNil(err)
	require.Equal(Ack, AckBehaviorFor(err))
	require.Nil(h.wait(after))

	require.Equal([]string{"before", "after"}, h.content.bodies())
	require.Equal(2, h.count("_test_processed"))
	require.Equal(2, h.count("_test_preprocessed"))
}

func TestDecryptFailures(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	undecryptable, err := h.p.SubmitEncryptedEnvelope(h.newEnvelope("", []byte("undecryptable")), 1, envelope.SourceRest)
	require.Nil(err)
	seen, err := h.p.SubmitEncryptedEnvelope(h.newEnvelope("", []byte("seen")), 1, envelope.SourceRest)
	require.Nil(err)
	other := ids.NewID()
	misdirected := h.newEnvelope("", []byte("x"))
	misdirected.Destination = &other
	wrong, err := h.p.SubmitEncryptedEnvelope(misdirected, 1, envelope.SourceRest)
	require.Nil(err)
	h.p.Start()

	err = h.wait(undecryptable)
	var de *DecryptionError
	require.True(errors.As(err, &de))
	require.True(errors.Is(err, decrypt.ErrInvalidMessage))
	require.False(IsExpectedFailure(err))
	require.Equal(Ack, AckBehaviorFor(err))

	err = h.wait(seen)
	require.True(errors.Is(err, decrypt.ErrDuplicateMessage))
	require.True(IsExpectedFailure(err))
	require.Equal(Ack, AckBehaviorFor(err))

	err = h.wait(wrong)
	require.True(errors.Is(err, ErrWrongDestination))
	require.Len(h.decryptor.txs(), 2, "no decrypt for the wrong destination")
}

func TestDecryptedEnvelopeValidation(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	sourceless := &envelope.Envelope{Type: envelope.TypePlaintextContent, Timestamp: 5, SourceDevice: 1}
	missing := h.p.SubmitDecrypted(sourceless, h.plaintext("x", nil), 1, false)
	noDevice := h.newEnvelope("", nil)
	noDevice.SourceDevice = 0
	invalid := h.p.SubmitDecrypted(noDevice, h.plaintext("x", nil), 1, false)
	empty := h.p.SubmitDecrypted(h.newEnvelope("", nil), nil, 1, false)
	h.p.Start()

	require.True(errors.Is(h.wait(missing), ErrMissingSourceAddress))
	require.True(errors.Is(h.wait(invalid), ErrInvalidEnvelope))
	require.Nil(h.wait(empty))
	require.Equal([]string{""}, h.content.bodies())
}

func TestSameDecryptedEnvelopeTwice(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	env := h.newEnvelope("", nil)
	plaintext := h.plaintext("twice", nil)

	first := h.p.SubmitDecrypted(env, plaintext, 1, true)
	second := h.p.SubmitDecrypted(env, plaintext, 1, true)
	require.Equal(2, h.p.QueueDepth())
	h.p.Start()
	require.Nil(h.wait(first))
	require.Nil(h.wait(second))
	all := h.content.all()
	require.Len(all, 2)
	require.True(all[0].sealedSender)
}

func TestCommitFailure(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	ok := h.submit("", "fine")
	doomed := h.submit("", "commit-fails")
	h.p.Start()

	for _, c := range []*Completion{ok, doomed} {
		err := h.wait(c)
		require.True(errors.Is(err, ErrCommitFailed))
		require.Equal(DoNotAck, AckBehaviorFor(err))
	}
	require.Equal(0, h.p.QueueDepth())
	require.Equal(0, h.count("_test_processed"))
}

func TestAwaitFullDrain(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.p.Start()
	require.Nil(h.p.AwaitFullDrain(context.Background()))

	h.deferred.setPending(true)
	c := h.submit("", "one")
	done := make(chan error, 1)
	go func() {
		done <- h.p.AwaitFullDrain(context.Background())
	}()
	require.Nil(h.wait(c))
	select {
	case <-done:
		t.Fatal("returned while deferred group jobs were pending")
	case <-time.After(100 * time.Millisecond):
	}
	h.deferred.setPending(false)
	select {
	case err := <-done:
		require.Nil(err)
	case <-time.After(5 * time.Second):
		t.Fatal("never drained")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	h.sup.Suspend(supervisor.ReasonMaintenance)
	_ = h.submit("", "stuck")
	require.True(errors.Is(h.p.AwaitFullDrain(ctx), context.DeadlineExceeded))
	require.False(h.p.IsDraining())
}

func TestEndToEnd(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	env := h.newEnvelope("g1", h.plaintext(string(make([]byte, 10*1024)), nil))
	raw, err := env.Serialize()
	require.Nil(err)
	require.Greater(len(raw), 10*1024)

	c, err := h.p.SubmitEncrypted(raw, 77, envelope.SourceWebsocketIdentified)
	require.Nil(err)
	_, err = h.p.SubmitEncrypted(raw, 77, envelope.SourceWebsocketIdentified)
	require.True(errors.Is(err, ErrDuplicatePendingEnvelope))

	h.p.Start()
	require.Nil(h.wait(c))
	require.Nil(h.p.AwaitFullDrain(context.Background()))
	require.Equal(0, h.p.QueueDepth())
	require.Len(h.content.bodies(), 1)
}

func TestShutdownResolvesQueuedEnvelopes(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sup.Suspend(supervisor.ReasonMaintenance)
	h.p.Start()

	queued := h.submit("g-shut", "left behind")
	decrypted := h.submitDecrypted("also left behind")
	time.Sleep(50 * time.Millisecond)
	require.False(isDone(queued))
	require.Equal(2, h.p.QueueDepth())

	h.p.Shutdown()
	for _, c := range []*Completion{queued, decrypted} {
		err := h.wait(c)
		require.True(errors.Is(err, ErrShuttingDown))
		require.Equal(DoNotAck, AckBehaviorFor(err))
		require.True(IsExpectedFailure(err))
	}
	require.Equal(0, h.p.QueueDepth())
	require.Empty(h.content.bodies())

	// the guid is free again for the redelivery
	again, err := h.p.SubmitEncrypted(h.raw("g-shut", "redelivered", nil), 1, envelope.SourceTests)
	require.Nil(err)
	h.sup.Unsuspend(supervisor.ReasonMaintenance)
	h.p.Start()
	require.Nil(h.wait(again))
	require.Equal([]string{"redelivered"}, h.content.bodies())
}

func TestShutdownUnregistersResume(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.account.ready.Store(false)
	h.p.Start()
	h.p.Shutdown()
	select {
	case <-h.p.trigger:
	default:
	}

	// a resume after shutdown must not reach the stopped processor
	h.sup.Suspend(supervisor.ReasonMaintenance)
	h.sup.Unsuspend(supervisor.ReasonMaintenance)
	require.Len(h.p.trigger, 0)
}

func TestLargeEnvelopeWarning(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	core, logs := observer.New(zap.WarnLevel)
	h.p.log = zap.New(core).Sugar()

	env := h.newEnvelope("", nil)
	sized := func(size int) []byte {
		for n := size - 300; ; n++ {
			env.Content = make([]byte, n)
			raw, err := env.Serialize()
			require.Nil(err)
			if len(raw) == size {
				return raw
			}
			require.Less(len(raw), size)
		}
	}

	_, err := h.p.SubmitEncrypted(sized(25600), 1, envelope.SourceRest)
	require.Nil(err)
	require.Equal(0, logs.FilterMessageSnippet("large envelope").Len())

	_, err = h.p.SubmitEncrypted(sized(25601), 1, envelope.SourceRest)
	require.Nil(err)
	warnings := logs.FilterMessageSnippet("large envelope").All()
	require.Len(warnings, 1)
	require.Equal("large envelope of 25601 bytes from rest", warnings[0].Message)
}
