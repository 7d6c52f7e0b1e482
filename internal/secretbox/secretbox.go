// Package secretbox implements envelope encryption for Account.session_material
// (spec §3, §6.4) and the Secret type whose string representation is always
// redacted, per the "unquotable" design note in spec §9.
package secretbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required length of the raw envelope key.
const KeySize = 32

// ErrInvalidKey is returned when DATA_ENCRYPTION_KEY does not decode to KeySize bytes.
var ErrInvalidKey = errors.New("secretbox: key must decode to 32 bytes")

// ErrDecrypt is returned when a ciphertext fails to open (wrong key, tampering).
var ErrDecrypt = errors.New("secretbox: decryption failed")

// Box seals and opens session_material using a process-wide envelope key
// read from DATA_ENCRYPTION_KEY at start-up (spec §6.5).
type Box struct {
	key [KeySize]byte
}

// NewBox decodes a base64-encoded 32-byte key, as shipped in DATA_ENCRYPTION_KEY.
func NewBox(base64Key string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Seal encrypts plaintext session material into a base64-encoded blob
// suitable for storage in the relational store.
func (b *Box) Seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Material is an opaque handle to decrypted session material. Its String
// and zerolog representations are always redacted (spec §9, invariant I6):
// only a capability that actually needs the bytes (the transport "start"
// call) may extract them, via Reveal.
type Material struct {
	plaintext []byte
}

// WrapMaterial constructs a Material from decrypted bytes (e.g. Box.Open's result).
func WrapMaterial(plaintext []byte) Material {
	return Material{plaintext: plaintext}
}

// String always returns the redacted marker, never the secret.
func (Material) String() string { return "***" }

// MarshalText satisfies encoding.TextMarshaler the same redacted way, so
// Material never serializes into a log or event payload verbatim.
func (Material) MarshalText() ([]byte, error) { return []byte("***"), nil }

// Reveal returns the raw bytes. Only call this from the transport "start"
// capability that actually needs to authenticate; never log the result.
func (m Material) Reveal() []byte { return m.plaintext }

// Scrub overwrites the in-memory plaintext, used on worker shutdown (spec §9).
func (m *Material) Scrub() {
	for i := range m.plaintext {
		m.plaintext[i] = 0
	}
	m.plaintext = nil
}
