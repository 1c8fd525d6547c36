// This package defines the common id type used throughout the pipeline. Service addresses, group ids and
// deferred job ids are all random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

var Zero ID

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

// ParseBytes is IDFromBytes for untrusted input.
func ParseBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return Zero, fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	return IDFromBytes(b), nil
}

func ParseHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("ids: invalid hex: %w", err)
	}
	return ParseBytes(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Value() (driver.Value, error) {
	return id[:], nil
}

func (id *ID) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("ids: cannot scan %T", src)
	}
	parsed, err := ParseBytes(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }
