// Package streaming implements I2P's reliable, ordered byte-stream
// protocol layered over garlic cloves and tunnels (spec.md section 4.8):
// packet framing, the per-stream send/receive state machine, and the
// data-protocol wrapping used when a stream packet is itself wrapped as
// an I2NP Data message.
package streaming

import (
	"encoding/binary"
	"fmt"
)

// Flags used by a stream packet, numbered exactly as the original
// daemon's Streaming.h PACKET_FLAG_* constants.
const (
	FlagSynchronize        uint16 = 0x0001
	FlagClose               uint16 = 0x0002
	FlagReset               uint16 = 0x0004
	FlagSignatureIncluded   uint16 = 0x0008
	FlagSignatureRequested  uint16 = 0x0010
	FlagFromIncluded        uint16 = 0x0020
	FlagDelayRequested      uint16 = 0x0040
	FlagMaxPacketSizeIncluded uint16 = 0x0080
	FlagProfileInteractive  uint16 = 0x0100
	FlagEcho                uint16 = 0x0200
	FlagNoAck               uint16 = 0x0400
)

// STREAMING_MTU and window bounds, taken verbatim from the original
// daemon's Streaming.h.
const (
	StreamingMTU         = 1730
	MaxNumResendAttempts = 6
	WindowSize           = 6
	MinWindowSize        = 1
	MaxWindowSize        = 128
	InitialRTTMillis     = 8000
	InitialRTOMillis     = 9000
)

// Packet is a decoded streaming protocol packet (spec.md section 4.8's
// wire format).
type Packet struct {
	SendStreamID uint32
	RecvStreamID uint32
	SeqNum       uint32
	AckThrough   uint32
	NACKs        []uint32
	ResendDelay  byte
	Flags        uint16
	Options      []byte
	Payload      []byte
}

// Options, parsed out of a packet's options block according to which
// flag bits are set: optional peer identity bytes (FromIncluded),
// optional 2-byte max packet size (MaxPacketSizeIncluded), optional
// signature (SignatureIncluded), optional 2-byte requested delay
// (DelayRequested).
type Options struct {
	From           []byte
	MaxPacketSize  uint16
	Signature      []byte
	RequestedDelay uint16
}

// Encode serializes a Packet to the wire format: send_stream_id(4) ||
// recv_stream_id(4) || seq_num(4) || ack_through(4) || nack_count(1) ||
// nacks(4*n) || resend_delay(1) || flags(2) || options_size(2) ||
// options || payload.
func (p Packet) Encode() []byte {
	out := make([]byte, 0, 18+4*len(p.NACKs)+len(p.Options)+len(p.Payload))
	var u32 [4]byte

	binary.BigEndian.PutUint32(u32[:], p.SendStreamID)
	out = append(out, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], p.RecvStreamID)
	out = append(out, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], p.SeqNum)
	out = append(out, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], p.AckThrough)
	out = append(out, u32[:]...)

	out = append(out, byte(len(p.NACKs)))
	for _, n := range p.NACKs {
		binary.BigEndian.PutUint32(u32[:], n)
		out = append(out, u32[:]...)
	}

	out = append(out, p.ResendDelay)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], p.Flags)
	out = append(out, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(p.Options)))
	out = append(out, u16[:]...)
	out = append(out, p.Options...)
	out = append(out, p.Payload...)
	return out
}

// DecodePacket parses a wire-format streaming packet. It does not
// validate the NACK count against spec.md's boundary of 256: callers
// enforcing that cap (per the invariant list) do so after decoding.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) < 17 {
		return Packet{}, fmt.Errorf("streaming: packet shorter than fixed header")
	}
	var p Packet
	p.SendStreamID = binary.BigEndian.Uint32(buf[0:4])
	p.RecvStreamID = binary.BigEndian.Uint32(buf[4:8])
	p.SeqNum = binary.BigEndian.Uint32(buf[8:12])
	p.AckThrough = binary.BigEndian.Uint32(buf[12:16])

	nackCount := int(buf[16])
	off := 17
	if len(buf) < off+4*nackCount+1+2+2 {
		return Packet{}, fmt.Errorf("streaming: packet truncated in nack/flags header")
	}
	p.NACKs = make([]uint32, nackCount)
	for i := 0; i < nackCount; i++ {
		p.NACKs[i] = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}

	p.ResendDelay = buf[off]
	off++
	p.Flags = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	optLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+optLen {
		return Packet{}, fmt.Errorf("streaming: packet truncated in options block")
	}
	p.Options = append([]byte(nil), buf[off:off+optLen]...)
	off += optLen
	p.Payload = append([]byte(nil), buf[off:]...)
	return p, nil
}

// ParseOptions decodes the options block according to which flag bits
// are set, consuming exactly what each flag indicates (spec.md section
// 4.8's receive path step 1's "parse options").
func ParseOptions(flags uint16, data []byte) (Options, error) {
	var o Options
	off := 0
	if flags&FlagFromIncluded != 0 {
		if len(data) < off+32 {
			return o, fmt.Errorf("streaming: options truncated reading From identity")
		}
		o.From = append([]byte(nil), data[off:off+32]...)
		off += 32
	}
	if flags&FlagMaxPacketSizeIncluded != 0 {
		if len(data) < off+2 {
			return o, fmt.Errorf("streaming: options truncated reading max packet size")
		}
		o.MaxPacketSize = binary.BigEndian.Uint16(data[off : off+2])
		off += 2
	}
	if flags&FlagSignatureIncluded != 0 {
		if len(data) < off+64 {
			return o, fmt.Errorf("streaming: options truncated reading signature")
		}
		o.Signature = append([]byte(nil), data[off:off+64]...)
		off += 64
	}
	if flags&FlagDelayRequested != 0 {
		if len(data) < off+2 {
			return o, fmt.Errorf("streaming: options truncated reading requested delay")
		}
		o.RequestedDelay = binary.BigEndian.Uint16(data[off : off+2])
		off += 2
	}
	return o, nil
}

// EncodeOptions serializes Options in the order ParseOptions expects,
// including only the fields whose corresponding flag bit is set.
func EncodeOptions(flags uint16, o Options) []byte {
	var out []byte
	if flags&FlagFromIncluded != 0 {
		out = append(out, o.From...)
	}
	if flags&FlagMaxPacketSizeIncluded != 0 {
		var u16 [2]byte
		binary.BigEndian.PutUint16(u16[:], o.MaxPacketSize)
		out = append(out, u16[:]...)
	}
	if flags&FlagSignatureIncluded != 0 {
		out = append(out, o.Signature...)
	}
	if flags&FlagDelayRequested != 0 {
		var u16 [2]byte
		binary.BigEndian.PutUint16(u16[:], o.RequestedDelay)
		out = append(out, u16[:]...)
	}
	return out
}
