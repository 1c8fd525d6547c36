// This package defines the wire envelope handed to us by the service, the plaintext content carried inside it and
// the tags describing where an envelope came from.
package envelope

import (
	"errors"
	"fmt"
	"math"

	"github.com/meow-io/go-inbound/bencode"
	"github.com/meow-io/go-inbound/ids"
)

var ErrMalformed = errors.New("envelope: malformed")

type Type uint8

const (
	TypeUnknown            Type = 0
	TypeCiphertext         Type = 1
	TypePrekeyBundle       Type = 3
	TypeReceipt            Type = 5
	TypeUnidentifiedSender Type = 6
	TypePlaintextContent   Type = 8
)

func (t Type) String() string {
	switch t {
	case TypeCiphertext:
		return "ciphertext"
	case TypePrekeyBundle:
		return "prekey-bundle"
	case TypeReceipt:
		return "receipt"
	case TypeUnidentifiedSender:
		return "unidentified-sender"
	case TypePlaintextContent:
		return "plaintext-content"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

type Envelope struct {
	Type            Type    `bencode:"t"`
	Timestamp       uint64  `bencode:"ts"`
	ServerTimestamp uint64  `bencode:"st"`
	ServerGUID      *string `bencode:"g,omitempty"`
	SourceAddress   *ids.ID `bencode:"sa,omitempty"`
	SourceDevice    uint32  `bencode:"sd"`
	Destination     *ids.ID `bencode:"da,omitempty"`
	Content         []byte  `bencode:"c,omitempty"`
	Urgent          bool    `bencode:"u"`
}

func Parse(raw []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := bencode.Deserialize(raw, e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return e, nil
}

func (e *Envelope) Serialize() ([]byte, error) {
	return bencode.Serialize(e)
}

// GUID returns the server GUID, or "" when the server did not assign one.
func (e *Envelope) GUID() string {
	if e.ServerGUID == nil {
		return ""
	}
	return *e.ServerGUID
}

func (e *Envelope) HasValidSource() bool {
	return e.SourceAddress != nil && !e.SourceAddress.IsZero()
}

// SealedSender is true when the sender was hidden from the service.
func (e *Envelope) SealedSender() bool {
	return e.Type == TypeUnidentifiedSender && e.SourceAddress == nil
}

// Validate checks the fields every decrypted envelope must carry before it can be routed.
func (e *Envelope) Validate() error {
	if e.Timestamp < 1 || e.Timestamp > math.MaxInt64 {
		return fmt.Errorf("envelope: invalid timestamp %d", e.Timestamp)
	}
	if !e.HasValidSource() {
		return errors.New("envelope: missing source address")
	}
	if e.SourceDevice < 1 {
		return fmt.Errorf("envelope: invalid source device %d", e.SourceDevice)
	}
	return nil
}

func (e *Envelope) String() string {
	source := "sealed"
	if e.HasValidSource() {
		source = fmt.Sprintf("%s.%d", e.SourceAddress, e.SourceDevice)
	}
	return fmt.Sprintf("%s %s ts=%d guid=%q", e.Type, source, e.Timestamp, e.GUID())
}

// Decrypted is what a decryptor hands back. Envelope carries the recovered sender for sealed envelopes,
// Raw is its serialized form and Plaintext is nil when the envelope carries nothing to process.
type Decrypted struct {
	Envelope  *Envelope
	Raw       []byte
	Plaintext []byte
}
