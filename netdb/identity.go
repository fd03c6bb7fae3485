package netdb

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// GenerateIdentity creates a fresh RouterIdentity and the matching Ed25519
// and X25519 private keys, adapted from the teacher's Sign/Verify key
// handling in core/security.go (ed25519.GenerateKey) and generalized to
// also produce the X25519 encryption keypair a router identity carries
// (spec.md section 3).
func GenerateIdentity() (RouterIdentity, ed25519.PrivateKey, [32]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return RouterIdentity{}, nil, [32]byte{}, fmt.Errorf("netdb: generate signing key: %w", err)
	}

	var encPriv [32]byte
	if _, err := rand.Read(encPriv[:]); err != nil {
		return RouterIdentity{}, nil, [32]byte{}, fmt.Errorf("netdb: generate encryption key: %w", err)
	}
	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return RouterIdentity{}, nil, [32]byte{}, fmt.Errorf("netdb: derive encryption public key: %w", err)
	}

	id := RouterIdentity{SigningPublicKey: pub}
	copy(id.EncryptionPublicKey[:], encPub)
	return id, priv, encPriv, nil
}

// WithECIESCert returns a copy of id carrying the certificate flag that
// advertises ECIES-X25519-AEAD-Ratchet support (SPEC_FULL.md Open
// Question 2: prefer the ratchet when the remote identity advertises it).
func WithECIESCert(id RouterIdentity) RouterIdentity {
	id.Cert = append(append([]byte(nil), id.Cert...), certFlagECIES)
	return id
}

// SignRouterInfo is a convenience wrapper mirroring the teacher's Sign/Verify
// pairing in core/security.go, scoped to the Ed25519 algorithm netDb uses
// exclusively (router descriptors never carry BLS signatures).
func SignRouterInfo(ri RouterInfo, priv ed25519.PrivateKey) RouterInfo {
	return ri.Sign(priv)
}

// VerifyRouterInfo reports whether ri's signature is valid under its own
// advertised signing key.
func VerifyRouterInfo(ri RouterInfo) bool {
	return ri.Verify()
}
