package crypto

import (
	crypto_rand "crypto/rand"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
)

// Seal encrypts msg to recipient under a fresh ephemeral key. The ephemeral public key is returned alongside the
// ciphertext and is bound into it together with the recipient key.
func Seal(recipient nacl.Key, msg []byte) (ephemeral, ciphertext []byte, err error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	key := box.Precompute(recipient, ephPriv)
	ciphertext, err = EncryptWithKey(key[:], msg, sealedAD(ephPub, recipient))
	if err != nil {
		return nil, nil, err
	}
	return ephPub[:], ciphertext, nil
}

// Unseal reverses Seal using the recipient's key pair.
func Unseal(recipientPub, recipientPriv nacl.Key, ephemeral, ciphertext []byte) ([]byte, error) {
	ephPub, err := KeyFromBytes(ephemeral)
	if err != nil {
		return nil, err
	}
	key := box.Precompute(ephPub, recipientPriv)
	return DecryptWithKey(key[:], ciphertext, sealedAD(ephPub, recipientPub))
}

func sealedAD(ephemeral, recipient nacl.Key) []byte {
	ad := make([]byte, 0, 2*nacl.KeySize)
	ad = append(ad, ephemeral[:]...)
	return append(ad, recipient[:]...)
}
