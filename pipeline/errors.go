package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyOrOversizedEnvelope = errors.New("pipeline: empty or oversized envelope")
	ErrMalformedEnvelope        = errors.New("pipeline: malformed envelope")
	ErrWrongDestination         = errors.New("pipeline: wrong destination")
	ErrDuplicatePendingEnvelope = errors.New("pipeline: duplicate pending envelope")
	ErrMissingSourceAddress     = errors.New("pipeline: missing source address")
	ErrInvalidEnvelope          = errors.New("pipeline: invalid envelope")
	ErrBlockedSender            = errors.New("pipeline: blocked sender")
	ErrCommitFailed             = errors.New("pipeline: batch commit failed")
	ErrShuttingDown             = errors.New("pipeline: shutting down")
)

// DecryptionError carries whatever the decryptor failed with. errors.Is and errors.As see through it.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("pipeline: decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}
