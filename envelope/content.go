package envelope

import (
	"fmt"

	"github.com/meow-io/go-inbound/bencode"
	"github.com/meow-io/go-inbound/ids"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindData
	KindCall
	KindTyping
	KindReceipt
	KindSync
	KindGroupUpdate
)

// Visible kinds end up in front of the user. Everything else can be handled silently.
func (k Kind) Visible() bool {
	return k == KindData || k == KindCall
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindData:
		return "data"
	case KindCall:
		return "call"
	case KindTyping:
		return "typing"
	case KindReceipt:
		return "receipt"
	case KindSync:
		return "sync"
	case KindGroupUpdate:
		return "group-update"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type GroupContextV2 struct {
	ID        ids.ID `bencode:"i"`
	Revision  uint32 `bencode:"r"`
	HasChange bool   `bencode:"c"`
}

type SenderKeyDistribution struct {
	DistributionID ids.ID `bencode:"i"`
	ChainKey       []byte `bencode:"k"`
	Iteration      uint32 `bencode:"n"`
}

type Content struct {
	Kind                  Kind                   `bencode:"k"`
	Body                  []byte                 `bencode:"b"`
	Group                 *GroupContextV2        `bencode:"g,omitempty"`
	SenderKeyDistribution *SenderKeyDistribution `bencode:"skdm,omitempty"`
}

func ParseContent(plaintext []byte) (*Content, error) {
	c := &Content{}
	if err := bencode.Deserialize(plaintext, c); err != nil {
		return nil, fmt.Errorf("envelope: error decoding content: %w", err)
	}
	return c, nil
}

func (c *Content) Serialize() ([]byte, error) {
	return bencode.Serialize(c)
}
