// Package crypto derives stable, non-reversible identifiers for credentials
// so raw session tokens are never used as map or log keys.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var ErrInvalidKey = errors.New("invalid fingerprint key: must be 16 to 64 bytes")

// Fingerprinter computes keyed BLAKE2b-256 digests. Keying means a leaked
// cache dump cannot be matched against guessed tokens offline.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter uses key when given, otherwise a random per-process key.
func NewFingerprinter(key []byte) (*Fingerprinter, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate fingerprint key: %w", err)
		}
	}
	if len(key) < 16 || len(key) > blake2b.Size {
		return nil, ErrInvalidKey
	}
	return &Fingerprinter{key: key}, nil
}

func (f *Fingerprinter) Fingerprint(credential string) string {
	h, err := blake2b.New256(f.key)
	if err != nil {
		// key length is validated in NewFingerprinter
		panic(err)
	}
	h.Write([]byte(credential))
	return hex.EncodeToString(h.Sum(nil))
}
