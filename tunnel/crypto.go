package tunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// layerEncrypt applies I2P's double-IV AES-CBC tunnel encryption for one
// hop (spec.md section 4.3): the IV is first encrypted once under ivKey
// (a single-block AES operation, acting as the real CBC IV for the
// payload), the 1008-byte payload is then CBC-encrypted under layerKey
// using that once-encrypted IV, and finally the once-encrypted IV is
// encrypted a second time under ivKey to produce the IV carried on the
// wire. Decrypting reverses both steps in the opposite order.
func layerEncrypt(layerKey, ivKey [32]byte, iv [16]byte, payload []byte) (outIV [16]byte, outPayload []byte, err error) {
	ivBlock, err := aes.NewCipher(ivKey[:])
	if err != nil {
		return outIV, nil, fmt.Errorf("tunnel: iv cipher: %w", err)
	}
	layerBlock, err := aes.NewCipher(layerKey[:])
	if err != nil {
		return outIV, nil, fmt.Errorf("tunnel: layer cipher: %w", err)
	}

	var onceEncryptedIV [16]byte
	ivBlock.Encrypt(onceEncryptedIV[:], iv[:])

	outPayload = make([]byte, len(payload))
	cipher.NewCBCEncrypter(layerBlock, onceEncryptedIV[:]).CryptBlocks(outPayload, payload)

	ivBlock.Encrypt(outIV[:], onceEncryptedIV[:])
	return outIV, outPayload, nil
}

// layerDecrypt is the inverse of layerEncrypt.
func layerDecrypt(layerKey, ivKey [32]byte, wireIV [16]byte, payload []byte) (plain []byte, err error) {
	ivBlock, err := aes.NewCipher(ivKey[:])
	if err != nil {
		return nil, fmt.Errorf("tunnel: iv cipher: %w", err)
	}
	layerBlock, err := aes.NewCipher(layerKey[:])
	if err != nil {
		return nil, fmt.Errorf("tunnel: layer cipher: %w", err)
	}

	var onceEncryptedIV [16]byte
	ivBlock.Decrypt(onceEncryptedIV[:], wireIV[:])

	plain = make([]byte, len(payload))
	cipher.NewCBCDecrypter(layerBlock, onceEncryptedIV[:]).CryptBlocks(plain, payload)
	return plain, nil
}

// GatewayEncrypt applies every hop's layerEncrypt in turn, innermost
// (last hop) first, so that each hop along the path peels exactly one
// layer in forward order (spec.md section 4.3's "iterates hops in
// forward order applying AES-CBC double encryption" from the gateway's
// point of view — equivalently, the gateway applies them in reverse so
// the first hop is the first to peel).
func GatewayEncrypt(hops []Hop, iv [16]byte, payload []byte) (outIV [16]byte, outPayload []byte, err error) {
	if len(payload)%aes.BlockSize != 0 {
		return outIV, nil, fmt.Errorf("tunnel: payload not block-aligned: %d bytes", len(payload))
	}
	curIV, curPayload := iv, payload
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		curIV, curPayload, err = layerEncrypt(h.LayerKey, h.IVKey, curIV, curPayload)
		if err != nil {
			return outIV, nil, err
		}
	}
	return curIV, curPayload, nil
}

// ParticipantDecrypt peels exactly one hop's layer, used by a transit
// participant before rewriting the tunnel ID and forwarding, and by an
// inbound tunnel's true endpoint to recover the final plaintext (spec.md
// section 4.3). The returned outIV is the IV the PREVIOUS hop (the one
// closer to the tunnel's far end) originally produced as its own outIV —
// recovering it takes two ivKey decryptions of wireIV (layerDecrypt's
// single decryption only undoes enough to recover the CBC IV for this
// hop's own payload; a second decryption undoes the other half of this
// hop's double-IV encryption to hand the next hop back exactly what it
// last emitted).
func ParticipantDecrypt(layerKey, ivKey [32]byte, wireIV [16]byte, payload []byte) (outIV [16]byte, plain []byte, err error) {
	plain, err = layerDecrypt(layerKey, ivKey, wireIV, payload)
	if err != nil {
		return outIV, nil, err
	}
	ivBlock, err := aes.NewCipher(ivKey[:])
	if err != nil {
		return outIV, nil, err
	}
	var onceDecrypted [16]byte
	ivBlock.Decrypt(onceDecrypted[:], wireIV[:])
	ivBlock.Decrypt(outIV[:], onceDecrypted[:])
	return outIV, plain, nil
}
