package pipeline

import (
	"errors"

	"github.com/meow-io/go-inbound/decrypt"
)

// AckBehavior tells a transport whether to acknowledge an envelope upstream.
type AckBehavior int

const (
	Ack AckBehavior = iota
	DoNotAck
)

func (a AckBehavior) ShouldAck() bool {
	return a == Ack
}

func (a AckBehavior) String() string {
	if a == DoNotAck {
		return "do-not-ack"
	}
	return "ack"
}

// AckBehaviorFor maps a completion result to an acknowledgement. Only envelopes we never looked at are left for the
// transport to redeliver: a duplicate still sitting in the queue, a batch whose transaction did not commit, or an
// envelope still queued when the processor shut down.
// Everything else, malformed and policy-rejected input included, is consumed.
func AckBehaviorFor(err error) AckBehavior {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrDuplicatePendingEnvelope):
		return DoNotAck
	case errors.Is(err, ErrCommitFailed), errors.Is(err, ErrShuttingDown):
		return DoNotAck
	default:
		return Ack
	}
}

// IsExpectedFailure is true for failures transports should not warn about: blocked senders, envelopes the decryptor
// already saw and envelopes left over at shutdown.
func IsExpectedFailure(err error) bool {
	if errors.Is(err, ErrBlockedSender) || errors.Is(err, ErrDuplicatePendingEnvelope) || errors.Is(err, ErrShuttingDown) {
		return true
	}
	var de *DecryptionError
	return errors.As(err, &de) && errors.Is(de.Err, decrypt.ErrDuplicateMessage)
}
