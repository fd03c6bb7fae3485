package garlic

import (
	"encoding/binary"
	"fmt"

	"i2p-router/netdb"
)

// BlockType identifies a garlic message block (spec.md section 4.6's
// payload grammar), numbered the way the original daemon's
// ECIESX25519AEADRatchetSession.h enumerates them.
type BlockType byte

const (
	BlockDateTime     BlockType = 0
	BlockSessionID    BlockType = 1
	BlockTermination  BlockType = 4
	BlockOptions      BlockType = 5
	BlockNextKey      BlockType = 7
	BlockAck          BlockType = 8
	BlockAckRequest   BlockType = 9
	BlockGarlicClove  BlockType = 11
	BlockPadding      BlockType = 254
)

// NextKey flag bits, from the original daemon's NextKeyEntry.
const (
	NextKeyPresent        = 0x01
	NextKeyReverse        = 0x02
	NextKeyRequestReverse = 0x04
)

// DeliveryType is a garlic clove's delivery instruction, numbered the way
// the original daemon's Garlic.h enumerates eGarlicDeliveryType, distinct
// from (and a superset of) the tunnel package's own DeliveryType.
type DeliveryType byte

const (
	DeliveryLocal       DeliveryType = 0
	DeliveryDestination DeliveryType = 1
	DeliveryRouter      DeliveryType = 2
	DeliveryTunnel      DeliveryType = 3
)

// Block is a single decoded block from a garlic message payload: a type
// byte, a 2-byte big-endian length, and that many bytes of body.
type Block struct {
	Type BlockType
	Body []byte
}

// Clove is a decoded GarlicClove block body: a delivery instruction plus
// the wrapped I2NP message bytes to deliver (spec.md section 4.6).
type Clove struct {
	Delivery    DeliveryType
	Destination netdb.Hash
	TunnelID    uint32
	MessageID   uint32
	Message     []byte
}

// encodeBlock frames a single block as type(1) || length(2, BE) || body.
func encodeBlock(t BlockType, body []byte) []byte {
	out := make([]byte, 3+len(body))
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(body)))
	copy(out[3:], body)
	return out
}

// ParseBlocks decodes a sequence of type||length||body blocks until the
// buffer is exhausted.
func ParseBlocks(data []byte) ([]Block, error) {
	var blocks []Block
	for len(data) > 0 {
		if len(data) < 3 {
			return nil, fmt.Errorf("garlic: truncated block header")
		}
		t := BlockType(data[0])
		n := binary.BigEndian.Uint16(data[1:3])
		if len(data) < 3+int(n) {
			return nil, fmt.Errorf("garlic: truncated block body for type %d", t)
		}
		blocks = append(blocks, Block{Type: t, Body: data[3 : 3+int(n)]})
		data = data[3+int(n):]
	}
	return blocks, nil
}

// EncodeDateTime builds a DateTime block carrying a Unix-seconds timestamp.
func EncodeDateTime(unixSeconds uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, unixSeconds)
	return encodeBlock(BlockDateTime, body)
}

// EncodeOptions builds an Options block (currently used only as padding
// alignment filler with an empty body, per the original daemon).
func EncodeOptions(opts []byte) []byte {
	return encodeBlock(BlockOptions, opts)
}

// EncodePadding builds a Padding block of n zero bytes, used to obscure
// true message length.
func EncodePadding(n int) []byte {
	return encodeBlock(BlockPadding, make([]byte, n))
}

// EncodeTermination builds a Termination block: reason(1) || valid_tags_left(1)
// || additional_data.
func EncodeTermination(reason byte, validTagsLeft byte, additional []byte) []byte {
	body := append([]byte{reason, validTagsLeft}, additional...)
	return encodeBlock(BlockTermination, body)
}

// EncodeAck builds an Ack block: a list of (session-tag-index...) message
// numbers the sender is acknowledging having received, 4 bytes each BE.
func EncodeAck(messageNumbers []uint32) []byte {
	body := make([]byte, 4*len(messageNumbers))
	for i, n := range messageNumbers {
		binary.BigEndian.PutUint32(body[i*4:], n)
	}
	return encodeBlock(BlockAck, body)
}

// EncodeAckRequest builds an empty AckRequest block asking the peer to
// Ack this message.
func EncodeAckRequest() []byte {
	return encodeBlock(BlockAckRequest, nil)
}

// NextKeyBlock is a decoded/encoded NextKey block: a DH-ratchet key plus
// the flags describing its role (spec.md section 4.6 scenario D).
type NextKeyBlock struct {
	Flags   byte
	KeyID   uint16
	PubKey  [32]byte
}

// EncodeNextKey builds a NextKey block: flags(1) || key_id(2, BE) ||
// [public_key(32) if KeyPresent].
func EncodeNextKey(b NextKeyBlock) []byte {
	body := make([]byte, 3)
	body[0] = b.Flags
	binary.BigEndian.PutUint16(body[1:3], b.KeyID)
	if b.Flags&NextKeyPresent != 0 {
		body = append(body, b.PubKey[:]...)
	}
	return encodeBlock(BlockNextKey, body)
}

// DecodeNextKey parses a NextKey block body.
func DecodeNextKey(body []byte) (NextKeyBlock, error) {
	if len(body) < 3 {
		return NextKeyBlock{}, fmt.Errorf("garlic: truncated NextKey block")
	}
	b := NextKeyBlock{Flags: body[0], KeyID: binary.BigEndian.Uint16(body[1:3])}
	if b.Flags&NextKeyPresent != 0 {
		if len(body) < 3+32 {
			return NextKeyBlock{}, fmt.Errorf("garlic: NextKey block missing key material")
		}
		copy(b.PubKey[:], body[3:35])
	}
	return b, nil
}

// EncodeClove builds a GarlicClove block body: delivery_type(1) || instructions
// || i2np_message. The instructions vary by delivery type, matching the
// original daemon's GarlicDeliveryStruct layout.
func EncodeClove(c Clove) []byte {
	var body []byte
	body = append(body, byte(c.Delivery)<<5)
	switch c.Delivery {
	case DeliveryDestination, DeliveryTunnel:
		body = append(body, c.Destination[:]...)
	}
	if c.Delivery == DeliveryTunnel {
		var tid [4]byte
		binary.BigEndian.PutUint32(tid[:], c.TunnelID)
		body = append(body, tid[:]...)
	}
	var mid [4]byte
	binary.BigEndian.PutUint32(mid[:], c.MessageID)
	body = append(body, mid[:]...)
	body = append(body, c.Message...)
	return encodeBlock(BlockGarlicClove, body)
}

// DecodeClove parses a GarlicClove block body.
func DecodeClove(body []byte) (Clove, error) {
	if len(body) < 1 {
		return Clove{}, fmt.Errorf("garlic: empty clove body")
	}
	c := Clove{Delivery: DeliveryType(body[0] >> 5)}
	off := 1
	switch c.Delivery {
	case DeliveryDestination, DeliveryTunnel:
		if len(body) < off+32 {
			return Clove{}, fmt.Errorf("garlic: truncated clove destination")
		}
		copy(c.Destination[:], body[off:off+32])
		off += 32
	}
	if c.Delivery == DeliveryTunnel {
		if len(body) < off+4 {
			return Clove{}, fmt.Errorf("garlic: truncated clove tunnel id")
		}
		c.TunnelID = binary.BigEndian.Uint32(body[off : off+4])
		off += 4
	}
	if len(body) < off+4 {
		return Clove{}, fmt.Errorf("garlic: truncated clove message id")
	}
	c.MessageID = binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	c.Message = append([]byte(nil), body[off:]...)
	return c, nil
}
