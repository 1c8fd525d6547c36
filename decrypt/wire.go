package decrypt

import "github.com/meow-io/go-inbound/ids"

// ratchetMessage is the content of a ciphertext envelope.
type ratchetMessage struct {
	Dh   []byte `bencode:"dh"`
	N    uint32 `bencode:"n"`
	Pn   uint32 `bencode:"pn"`
	Body []byte `bencode:"b"`
}

// sealedMessage is the content of an unidentified sender envelope. The ciphertext opens to an unsealedMessage
// under the recipient's identity key.
type sealedMessage struct {
	EphemeralKey []byte `bencode:"e"`
	Ciphertext   []byte `bencode:"c"`
}

type unsealedMessage struct {
	SourceAddress ids.ID `bencode:"sa"`
	SourceDevice  uint32 `bencode:"sd"`
	Message       []byte `bencode:"m"`
}
