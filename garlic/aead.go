// Package garlic implements I2P's garlic encryption layer (spec.md section
// 4.6): the ECIES-X25519-AEAD-Ratchet session, the legacy ElGamal+AES
// session kept for interop, and the GarlicDestination session owner that
// multiplexes both across a local destination or the router itself.
package garlic

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealIndexed and openIndexed frame a single AEAD operation under a
// 12-byte nonce built the way the original daemon's CreateNonce does:
// four zero bytes followed by an 8-byte little-endian sequence number.
// Adapted from the teacher's core/security.go Encrypt/Decrypt
// (XChaCha20-Poly1305, random 24-byte nonce) to the fixed, counter-derived
// 12-byte nonce this protocol requires instead of a random one.
func nonceFor(seqn uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], seqn)
	return nonce
}

func sealIndexed(key [32]byte, seqn uint64, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("garlic: aead init: %w", err)
	}
	nonce := nonceFor(seqn)
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func openIndexed(key [32]byte, seqn uint64, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("garlic: aead init: %w", err)
	}
	nonce := nonceFor(seqn)
	plain, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("garlic: aead open: %w", err)
	}
	return plain, nil
}
