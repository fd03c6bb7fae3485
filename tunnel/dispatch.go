package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"i2p-router/netdb"
)

// EncodeWireMessage prepends the 4-byte tunnel_id and 16-byte IV to an
// already-encrypted 1008-byte payload, producing the exact
// 4+1024 = 1028-byte frame handed to Transports (spec.md section 4.3).
func EncodeWireMessage(tunnelID uint32, iv [16]byte, encryptedPayload []byte) ([]byte, error) {
	if len(encryptedPayload) != tunnelPayloadSize {
		return nil, fmt.Errorf("tunnel: encrypted payload must be %d bytes, got %d", tunnelPayloadSize, len(encryptedPayload))
	}
	out := make([]byte, 0, 4+TunnelMessageWireSize)
	var tid [4]byte
	binary.BigEndian.PutUint32(tid[:], tunnelID)
	out = append(out, tid[:]...)
	out = append(out, iv[:]...)
	out = append(out, encryptedPayload...)
	return out, nil
}

// DecodeWireMessage splits a received frame back into tunnel_id, IV and
// the still-encrypted 1008-byte payload.
func DecodeWireMessage(frame []byte) (tunnelID uint32, iv [16]byte, encryptedPayload []byte, err error) {
	if len(frame) != 4+TunnelMessageWireSize {
		return 0, iv, nil, fmt.Errorf("tunnel: wire frame must be %d bytes, got %d", 4+TunnelMessageWireSize, len(frame))
	}
	tunnelID = binary.BigEndian.Uint32(frame[:4])
	copy(iv[:], frame[4:20])
	encryptedPayload = frame[20:]
	return tunnelID, iv, encryptedPayload, nil
}

func randomIV() [16]byte {
	var iv [16]byte
	_, _ = rand.Read(iv[:])
	return iv
}

// SendFromGateway is the operation an owned outbound tunnel's gateway
// (the tunnel owner itself, hop 0) performs for each outgoing queue of
// message blocks: fragment, checksum, and layer-encrypt for every
// downstream hop in one pass, returning the wire frames ready for
// Transports.SendMessage to Hops[0].RouterHash (or, for a zero-hop
// tunnel, the single already-plaintext frame to deliver locally /
// directly) (spec.md sections 4.3 and 4.5's zero-hop note).
func SendFromGateway(t *Tunnel, blocks []TunnelMessageBlock) ([][]byte, error) {
	sections := GatewaySerialize(blocks)
	frames := make([][]byte, 0, len(sections))
	for _, section := range sections {
		iv := randomIV()
		payload := BuildTunnelDataPayload(iv, section)

		if len(t.Hops) == 0 {
			// Zero-hop tunnel: no encryption, no hop to address; the
			// caller dispatches the single resulting I2NP message
			// directly per its delivery instructions.
			frame, err := EncodeWireMessage(t.TunnelIDUs, iv, payload)
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
			continue
		}

		outIV, outPayload, err := GatewayEncrypt(t.Hops, iv, payload)
		if err != nil {
			return nil, err
		}
		frame, err := EncodeWireMessage(t.Hops[0].ReceiveTunnelID, outIV, outPayload)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// ForwardAsParticipant is what a transit hop does on receiving a frame
// for a tunnel it's carrying as RoleParticipant or RoleInboundGateway
// being passed further along: peel this hop's layer, rewrite the
// tunnel_id to NextTunnelID, and hand the re-framed message back to the
// caller for transmission to tt.NextRouterHash (spec.md section 4.3).
func ForwardAsParticipant(tt *TransitTunnel, frame []byte) (nextRouterHash netdb.Hash, outFrame []byte, err error) {
	_, iv, encPayload, err := DecodeWireMessage(frame)
	if err != nil {
		return nextRouterHash, nil, err
	}
	outIV, plain, err := ParticipantDecrypt(tt.LayerKey, tt.IVKey, iv, encPayload)
	if err != nil {
		return nextRouterHash, nil, err
	}
	outFrame, err = EncodeWireMessage(tt.NextTunnelID, outIV, plain)
	if err != nil {
		return nextRouterHash, nil, err
	}
	return tt.NextRouterHash, outFrame, nil
}

// ReceiveAsEndpoint is what the owner of an inbound tunnel does on
// receiving the final hop's frame: peel this hop's own layer (see
// types.go's Tunnel doc on hop ordering), verify the checksum, and hand
// the fragment section to r for reassembly and dispatch (spec.md
// section 4.3).
func ReceiveAsEndpoint(t *Tunnel, r *Reassembler, frame []byte, now time.Time, deliver func(DeliveryType, netdb.Hash, uint32, []byte)) error {
	_, iv, encPayload, err := DecodeWireMessage(frame)
	if err != nil {
		return err
	}

	var plain []byte
	checkIV := iv
	if len(t.Hops) == 0 {
		plain = encPayload
	} else {
		ownHop := t.Hops[len(t.Hops)-1]
		checkIV, plain, err = ParticipantDecrypt(ownHop.LayerKey, ownHop.IVKey, iv, encPayload)
		if err != nil {
			return err
		}
	}

	section, err := ParseTunnelDataPayload(checkIV, plain)
	if err != nil {
		return err
	}
	return r.ParseFragmentSection(section, now, deliver)
}
