package garlic

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

func cryptoRandRead(b []byte) (int, error) { return crand.Read(b) }

// legacyTagLifetime is how long an unused legacy session tag remains
// valid before it is dropped from the sliding window (spec.md section
// 4.6: "expire 12 min unused").
const legacyTagLifetime = 12 * time.Minute

// ElGamalEngine is the ElGamal primitive this package depends on rather
// than implementing; ElGamal itself is out of scope for this module (the
// overview calls it "assumed available from a crypto library"), so any
// caller wiring up legacy-session interop supplies a concrete engine,
// mirroring the transport package's black-box Transports pattern.
type ElGamalEngine interface {
	// Encrypt produces a 514-byte ElGamal block from a 222-byte
	// cleartext (32-byte session key + 32-byte pre-IV + 158 bytes of
	// padding) under the recipient's 256-byte ElGamal public key.
	Encrypt(recipientPublic []byte, cleartext [222]byte) ([514]byte, error)
	// Decrypt recovers the 222-byte cleartext from a 514-byte ElGamal
	// block using our own ElGamal private key.
	Decrypt(block [514]byte) ([222]byte, error)
}

// legacyTag is a 32-byte session tag identifying which AES session key
// decrypts a subsequent legacy message.
type legacyTag [32]byte

type legacyTagEntry struct {
	key       [32]byte
	expiresAt time.Time
}

// LegacySession is a legacy ElGamal+AES garlic session, kept for interop
// with peers that have not upgraded to ECIES-X25519-AEAD-Ratchet (spec.md
// section 4.6).
type LegacySession struct {
	engine ElGamalEngine

	sessionKey [32]byte
	preIV      [32]byte

	sendTags    map[legacyTag]legacyTagEntry
	recvTags    map[legacyTag]legacyTagEntry
	established bool
}

// NewLegacySession creates a legacy session that has not yet sent or
// received its first message.
func NewLegacySession(engine ElGamalEngine) *LegacySession {
	return &LegacySession{
		engine:   engine,
		sendTags: make(map[legacyTag]legacyTagEntry),
		recvTags: make(map[legacyTag]legacyTagEntry),
	}
}

// BuildFirstMessage constructs the first legacy message: a 514-byte
// ElGamal block carrying the session key and pre-IV, followed by an
// AES-CBC block framing new tags, the payload, and its hash, per spec.md
// section 4.6.
func (s *LegacySession) BuildFirstMessage(recipientPublic []byte, newTags int, payload []byte) ([]byte, error) {
	if _, err := randomFill(s.sessionKey[:]); err != nil {
		return nil, err
	}
	if _, err := randomFill(s.preIV[:]); err != nil {
		return nil, err
	}

	var cleartext [222]byte
	copy(cleartext[:32], s.sessionKey[:])
	copy(cleartext[32:64], s.preIV[:])

	block, err := s.engine.Encrypt(recipientPublic, cleartext)
	if err != nil {
		return nil, fmt.Errorf("garlic: legacy ElGamal encrypt: %w", err)
	}

	tags := make([]legacyTag, newTags)
	for i := range tags {
		if _, err := randomFill(tags[i][:]); err != nil {
			return nil, err
		}
		s.sendTags[tags[i]] = legacyTagEntry{key: s.sessionKey, expiresAt: time.Now().Add(legacyTagLifetime)}
	}

	aesBlock, err := buildAESBlock(tags, payload)
	if err != nil {
		return nil, err
	}
	var iv16 [16]byte
	copy(iv16[:], s.preIV[:16])
	encAES, err := s.encryptAESBlock(aesBlock, iv16)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 514+len(encAES))
	out = append(out, block[:]...)
	out = append(out, encAES...)
	s.established = true
	return out, nil
}

// BuildSubsequentMessage constructs a follow-on legacy message framed as
// a 32-byte session tag followed by an AES-CBC block.
func (s *LegacySession) BuildSubsequentMessage(newTags int, payload []byte) ([]byte, error) {
	if !s.established {
		return nil, fmt.Errorf("garlic: legacy session not established")
	}
	var tag legacyTag
	for t, entry := range s.sendTags {
		if time.Now().Before(entry.expiresAt) {
			tag = t
			delete(s.sendTags, t)
			break
		}
	}
	if tag == (legacyTag{}) {
		return nil, fmt.Errorf("garlic: legacy session has no valid send tags")
	}

	tags := make([]legacyTag, newTags)
	for i := range tags {
		if _, err := randomFill(tags[i][:]); err != nil {
			return nil, err
		}
		s.sendTags[tags[i]] = legacyTagEntry{key: s.sessionKey, expiresAt: time.Now().Add(legacyTagLifetime)}
	}

	aesBlock, err := buildAESBlock(tags, payload)
	if err != nil {
		return nil, err
	}
	iv := sha256.Sum256(tag[:])
	var iv16 [16]byte
	copy(iv16[:], iv[:16])
	encAES, err := s.encryptAESBlock(aesBlock, iv16)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 32+len(encAES))
	out = append(out, tag[:]...)
	out = append(out, encAES...)
	return out, nil
}

// ParseFirstMessage consumes an incoming first legacy message: our
// ElGamal engine opens the 514-byte block to recover the session key and
// pre-IV, then the AES-CBC block is decrypted and parsed for new tags and
// payload.
func (s *LegacySession) ParseFirstMessage(msg []byte) ([]byte, error) {
	if len(msg) < 514 {
		return nil, fmt.Errorf("garlic: legacy first message too short")
	}
	var block [514]byte
	copy(block[:], msg[:514])
	cleartext, err := s.engine.Decrypt(block)
	if err != nil {
		return nil, fmt.Errorf("garlic: legacy ElGamal decrypt: %w", err)
	}
	copy(s.sessionKey[:], cleartext[:32])
	copy(s.preIV[:], cleartext[32:64])

	payload, err := s.decryptAESBlock(msg[514:], s.preIV)
	if err != nil {
		return nil, err
	}
	s.established = true
	return s.absorbAESBlock(payload)
}

// ParseSubsequentMessage consumes a follow-on legacy message: the leading
// 32-byte session tag must match one we handed out, identifying the
// session key to use for the AES-CBC block.
func (s *LegacySession) ParseSubsequentMessage(msg []byte) ([]byte, error) {
	if len(msg) < 32 {
		return nil, fmt.Errorf("garlic: legacy subsequent message too short")
	}
	var tag legacyTag
	copy(tag[:], msg[:32])
	entry, ok := s.recvTags[tag]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("garlic: unrecognized or expired legacy session tag")
	}
	delete(s.recvTags, tag)

	iv := sha256.Sum256(tag[:])
	var iv16 [16]byte
	copy(iv16[:], iv[:16])
	block, err := aes.NewCipher(entry.key[:])
	if err != nil {
		return nil, fmt.Errorf("garlic: legacy aes cipher: %w", err)
	}
	payload, err := decryptCBC(block, iv16, msg[32:])
	if err != nil {
		return nil, err
	}
	return s.absorbAESBlock(payload)
}

func (s *LegacySession) decryptAESBlock(ciphertext []byte, iv [32]byte) ([]byte, error) {
	var iv16 [16]byte
	copy(iv16[:], iv[:16])
	block, err := aes.NewCipher(s.sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("garlic: legacy aes cipher: %w", err)
	}
	return decryptCBC(block, iv16, ciphertext)
}

func decryptCBC(block cipher.Block, iv [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("garlic: legacy ciphertext not block-aligned")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("garlic: empty padded block")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("garlic: invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}

// absorbAESBlock parses num_new_tags || tags || payload_size ||
// payload_hash || flag || payload, records the new tags for future
// incoming messages, and returns the payload.
func (s *LegacySession) absorbAESBlock(body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("garlic: legacy block too short for tag count")
	}
	numTags := int(binary.BigEndian.Uint16(body[:2]))
	off := 2
	if len(body) < off+32*numTags+4+32+1 {
		return nil, fmt.Errorf("garlic: legacy block truncated")
	}
	for i := 0; i < numTags; i++ {
		var t legacyTag
		copy(t[:], body[off:off+32])
		s.recvTags[t] = legacyTagEntry{key: s.sessionKey, expiresAt: time.Now().Add(legacyTagLifetime)}
		off += 32
	}
	size := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	hash := body[off : off+32]
	off += 32
	off++ // flag byte, currently unused
	if len(body) < off+int(size) {
		return nil, fmt.Errorf("garlic: legacy payload shorter than declared size")
	}
	payload := body[off : off+int(size)]
	got := sha256.Sum256(payload)
	if !bytesEqual(got[:], hash) {
		return nil, fmt.Errorf("garlic: legacy payload hash mismatch")
	}
	return payload, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func buildAESBlock(newTags []legacyTag, payload []byte) ([]byte, error) {
	body := make([]byte, 0, 2+32*len(newTags)+4+32+1+len(payload))
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(newTags)))
	body = append(body, n[:]...)
	for _, t := range newTags {
		body = append(body, t[:]...)
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(payload)))
	body = append(body, size[:]...)
	hash := sha256.Sum256(payload)
	body = append(body, hash[:]...)
	body = append(body, 0) // flag: no extra options set
	body = append(body, payload...)
	return body, nil
}

func (s *LegacySession) encryptAESBlock(plain []byte, iv [16]byte) ([]byte, error) {
	padded := pkcs7Pad(plain, aes.BlockSize)
	block, err := aes.NewCipher(s.sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("garlic: legacy aes cipher: %w", err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	if padLen == 0 {
		padLen = blockSize
	}
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// randomFill is a thin seam over crypto/rand so legacy.go's tests can
// deterministically stub key/tag generation.
var randomFill = func(b []byte) (int, error) {
	return cryptoRandRead(b)
}
