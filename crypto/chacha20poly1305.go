// This package wraps the primitives the pipeline builds on: curve25519 agreement through nacl box and
// chacha20poly1305 sealing.
package crypto

import (
	"errors"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	zeroNonce12   = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	ErrKeyLength  = errors.New("crypto: key is wrong length")
	ErrDecryption = errors.New("crypto: unable to decrypt")
)

// SliceToKey panics when b is shorter than a key. Use KeyFromBytes for anything read off the wire.
func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func KeyFromBytes(b []byte) (nacl.Key, error) {
	if len(b) != nacl.KeySize {
		return nil, fmt.Errorf("%w: expected %d got %d", ErrKeyLength, nacl.KeySize, len(b))
	}
	k := new([nacl.KeySize]byte)
	copy(k[:], b)
	return k, nil
}

// PublicKey derives the curve25519 public key for priv.
func PublicKey(priv nacl.Key) nacl.Key {
	return scalarmult.Base(priv)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	pubKey, err := KeyFromBytes(pub)
	if err != nil {
		return nil, err
	}
	privKey, err := KeyFromBytes(priv)
	if err != nil {
		return nil, err
	}
	key := box.Precompute(pubKey, privKey)
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	pubKey, err := KeyFromBytes(pub)
	if err != nil {
		return nil, err
	}
	privKey, err := KeyFromBytes(priv)
	if err != nil {
		return nil, err
	}
	key := box.Precompute(pubKey, privKey)
	return DecryptWithKey(key[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out, err := cipher.Open(nil, zeroNonce12, enc, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return out, nil
}
