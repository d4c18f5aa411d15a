package relay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 16
	aadSize   = 16
)

// Codec implements the relay's packet encryption: AES-128-GCM with a fixed
// associated data value and an on-wire layout of nonce(12) || tag(16) ||
// ciphertext, matching the wire format unmodified Northstar clients expect.
//
// Unlike pkg/nspkt's Titanfall 2 codec, the key and AAD here come from the
// operator's configuration rather than being hardcoded, since this relay
// isn't limited to one game's retail key.
type Codec struct {
	gcm cipher.AEAD
	aad []byte
}

// NewCodec builds a Codec from a 16-byte AES-128 key and a 16-byte AAD value.
func NewCodec(key, aad []byte) (*Codec, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("relay: key must be %d bytes, got %d", keySize, len(key))
	}
	if len(aad) != aadSize {
		return nil, fmt.Errorf("relay: aad must be %d bytes, got %d", aadSize, len(aad))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("relay: init aes: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("relay: init gcm: %w", err)
	}
	if n := gcm.NonceSize(); n != nonceSize {
		return nil, fmt.Errorf("relay: unexpected nonce size %d", n)
	}
	aadCopy := make([]byte, aadSize)
	copy(aadCopy, aad)
	return &Codec{gcm: gcm, aad: aadCopy}, nil
}

// Decrypt authenticates and decrypts an on-wire packet (nonce || tag ||
// ciphertext), returning the plaintext. ok is false if the packet is too
// short or fails authentication; callers are responsible for logging and
// dropping in that case, Decrypt itself never logs.
func (c *Codec) Decrypt(packet []byte) (plaintext []byte, ok bool) {
	if len(packet) < nonceSize+tagSize {
		return nil, false
	}
	nonce := packet[:nonceSize]
	tag := packet[nonceSize : nonceSize+tagSize]
	ciphertext := packet[nonceSize+tagSize:]

	// cipher.AEAD.Open wants the tag appended after the ciphertext; our
	// wire format carries it before, so stitch a scratch buffer with the
	// tag moved to the end before opening.
	sealed := make([]byte, len(ciphertext)+tagSize)
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)

	out, err := c.gcm.Open(ciphertext[:0], nonce, sealed, c.aad)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Encrypt encrypts plaintext with a fresh random nonce, returning a new
// on-wire packet (nonce || tag || ciphertext).
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("relay: generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nil, nonce, plaintext, c.aad)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	packet := make([]byte, nonceSize+tagSize+len(ciphertext))
	copy(packet, nonce)
	copy(packet[nonceSize:], tag)
	copy(packet[nonceSize+tagSize:], ciphertext)
	return packet, nil
}
