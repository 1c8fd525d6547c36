package pipeline

import (
	"github.com/meow-io/go-inbound/envelope"
)

// pendingEnvelope is either an *encryptedEnvelope or a *decryptedEnvelope.
type pendingEnvelope interface {
	completion() *Completion
	isDuplicateOf(other pendingEnvelope) bool
	String() string
}

type encryptedEnvelope struct {
	raw                     []byte
	env                     *envelope.Envelope
	serverDeliveryTimestamp uint64
	source                  envelope.Source
	done                    *Completion
}

func (e *encryptedEnvelope) completion() *Completion {
	return e.done
}

// isDuplicateOf compares server GUIDs. Envelopes without one are never duplicates.
func (e *encryptedEnvelope) isDuplicateOf(other pendingEnvelope) bool {
	o, ok := other.(*encryptedEnvelope)
	if !ok {
		return false
	}
	guid := e.env.GUID()
	return guid != "" && guid == o.env.GUID()
}

func (e *encryptedEnvelope) String() string {
	return e.env.String() + " via " + e.source.String()
}

type decryptedEnvelope struct {
	env                     *envelope.Envelope
	raw                     []byte
	plaintext               []byte
	serverDeliveryTimestamp uint64
	sealedSender            bool
	done                    *Completion
}

func (d *decryptedEnvelope) completion() *Completion {
	return d.done
}

func (d *decryptedEnvelope) isDuplicateOf(other pendingEnvelope) bool {
	return false
}

func (d *decryptedEnvelope) String() string {
	return d.env.String() + " decrypted"
}
