package tunnel

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randBytes32(t *testing.T) [32]byte {
	t.Helper()
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestLayerEncryptDecryptRoundTrip(t *testing.T) {
	layerKey := randBytes32(t)
	ivKey := randBytes32(t)
	var iv [16]byte
	copy(iv[:], randBytes32(t)[:16])

	payload := make([]byte, tunnelPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	outIV, ct, err := layerEncrypt(layerKey, ivKey, iv, payload)
	if err != nil {
		t.Fatalf("layerEncrypt: %v", err)
	}
	plain, err := layerDecrypt(layerKey, ivKey, outIV, ct)
	if err != nil {
		t.Fatalf("layerDecrypt: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Fatalf("round trip mismatch")
	}
}

// TestThreeHopTunnelCryptoRoundTrip matches spec.md section 8's tunnel
// crypto round-trip law: decrypt3(decrypt2(decrypt1(encrypt(P)))) == P
// for a 3-hop outbound tunnel.
func TestThreeHopTunnelCryptoRoundTrip(t *testing.T) {
	hops := make([]Hop, 3)
	for i := range hops {
		hops[i] = Hop{LayerKey: randBytes32(t), IVKey: randBytes32(t)}
	}
	payload := make([]byte, tunnelPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	var iv [16]byte
	copy(iv[:], randBytes32(t)[:16])

	outIV, ct, err := GatewayEncrypt(hops, iv, payload)
	if err != nil {
		t.Fatalf("GatewayEncrypt: %v", err)
	}

	curIV, curPayload := outIV, ct
	for i := 0; i < len(hops); i++ {
		var plain []byte
		curIV, plain, err = ParticipantDecrypt(hops[i].LayerKey, hops[i].IVKey, curIV, curPayload)
		if err != nil {
			t.Fatalf("ParticipantDecrypt hop %d: %v", i, err)
		}
		curPayload = plain
	}
	if !bytes.Equal(curPayload, payload) {
		t.Fatalf("3-hop round trip mismatch")
	}
}
