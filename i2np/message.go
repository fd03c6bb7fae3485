// Package i2np implements the uniform inter-router message envelope
// (spec.md section 4.1): a fixed header wrapping an opaque payload,
// dispatched to subsystem handlers by type.
package i2np

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of I2NP message carried by an envelope.
type Type uint8

// Canonical types used by the core (spec.md section 4.1).
const (
	TypeDatabaseStore             Type = 1
	TypeDatabaseLookup            Type = 2
	TypeDatabaseSearchReply       Type = 3
	TypeDeliveryStatus            Type = 10
	TypeGarlic                    Type = 11
	TypeTunnelData                Type = 18
	TypeTunnelGateway             Type = 19
	TypeData                      Type = 20
	TypeVariableTunnelBuild       Type = 23
	TypeVariableTunnelBuildReply  Type = 24
	TypeShortTunnelBuild          Type = 25
	TypeShortTunnelBuildReply     Type = 26
	TypeTunnelTest               Type = 28
)

func (t Type) String() string {
	switch t {
	case TypeDatabaseStore:
		return "DatabaseStore"
	case TypeDatabaseLookup:
		return "DatabaseLookup"
	case TypeDatabaseSearchReply:
		return "DatabaseSearchReply"
	case TypeDeliveryStatus:
		return "DeliveryStatus"
	case TypeGarlic:
		return "Garlic"
	case TypeTunnelData:
		return "TunnelData"
	case TypeTunnelGateway:
		return "TunnelGateway"
	case TypeData:
		return "Data"
	case TypeVariableTunnelBuild:
		return "VariableTunnelBuild"
	case TypeVariableTunnelBuildReply:
		return "VariableTunnelBuildReply"
	case TypeShortTunnelBuild:
		return "ShortTunnelBuild"
	case TypeShortTunnelBuildReply:
		return "ShortTunnelBuildReply"
	case TypeTunnelTest:
		return "TunnelTest"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// HeaderLen is the size, in bytes, of the fixed portion of an envelope
// preceding the payload: type(1) + msg_id(4) + expiration_ms(8) + payload_len(2).
const HeaderLen = 1 + 4 + 8 + 2

// TrailerLen is the size of the checksum trailer following the payload.
const TrailerLen = 1

// Message is a parsed I2NP envelope.
type Message struct {
	Type          Type
	MsgID         uint32
	ExpirationMS  uint64
	Payload       []byte
	Checksum      byte
}

var (
	// ErrTruncated is returned when a buffer is too short to contain a header.
	ErrTruncated = errors.New("i2np: truncated message")
	// ErrPayloadOverflow is returned when the declared payload length exceeds the buffer.
	ErrPayloadOverflow = errors.New("i2np: payload length exceeds buffer")
	// ErrChecksum is returned when the trailing checksum does not match the payload.
	ErrChecksum = errors.New("i2np: checksum mismatch")
	// ErrExpired is returned by Validate when a message falls outside the accepted clock-skew window.
	ErrExpired = errors.New("i2np: message expired or too far in the future")
)

// checksum returns the first byte of SHA-256(payload), per spec.md section 4.1.
func checksum(payload []byte) byte {
	sum := sha256.Sum256(payload)
	return sum[0]
}

// New builds a Message with a freshly computed checksum and an expiration
// ttl milliseconds in the future.
func New(typ Type, msgID uint32, ttl time.Duration, payload []byte) Message {
	return Message{
		Type:         typ,
		MsgID:        msgID,
		ExpirationMS: uint64(time.Now().Add(ttl).UnixMilli()),
		Payload:      payload,
		Checksum:     checksum(payload),
	}
}

// Encode serializes the message to the wire format:
// type(1) || msg_id(4) || expiration_ms(8) || payload_len(2) || payload || checksum(1).
func (m Message) Encode() []byte {
	out := make([]byte, HeaderLen+len(m.Payload)+TrailerLen)
	out[0] = byte(m.Type)
	binary.BigEndian.PutUint32(out[1:5], m.MsgID)
	binary.BigEndian.PutUint64(out[5:13], m.ExpirationMS)
	binary.BigEndian.PutUint16(out[13:15], uint16(len(m.Payload)))
	copy(out[HeaderLen:], m.Payload)
	out[len(out)-1] = checksum(m.Payload)
	return out
}

// Decode parses a wire-format envelope out of buf. It does not itself
// enforce freshness; call Validate for that.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderLen+TrailerLen {
		return Message{}, ErrTruncated
	}
	typ := Type(buf[0])
	msgID := binary.BigEndian.Uint32(buf[1:5])
	exp := binary.BigEndian.Uint64(buf[5:13])
	plen := int(binary.BigEndian.Uint16(buf[13:15]))
	if HeaderLen+plen+TrailerLen > len(buf) {
		return Message{}, ErrPayloadOverflow
	}
	payload := buf[HeaderLen : HeaderLen+plen]
	chk := buf[HeaderLen+plen]
	if chk != checksum(payload) {
		return Message{}, ErrChecksum
	}
	return Message{
		Type:         typ,
		MsgID:        msgID,
		ExpirationMS: exp,
		Payload:      append([]byte(nil), payload...),
		Checksum:     chk,
	}, nil
}

// Validate discards a message whose expiration is more than one clock-skew
// window in the past or more than three windows in the future, per
// spec.md section 4.1 and the boundary behavior in section 8.
func Validate(m Message, now time.Time, skew time.Duration) error {
	exp := time.UnixMilli(int64(m.ExpirationMS))
	if exp.Before(now.Add(-skew)) {
		return ErrExpired
	}
	if exp.After(now.Add(3 * skew)) {
		return ErrExpired
	}
	return nil
}

// Handler processes one decoded message from a given router (identified by
// the caller's own addressing; i2np itself is transport-agnostic).
type Handler func(msg Message) error

// Dispatcher routes decoded messages to per-type handlers, mirroring the
// "typed dispatch" requirement of spec.md section 4.1.
type Dispatcher struct {
	handlers map[Type]Handler
	fallback Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Type]Handler)}
}

// Register installs the handler for typ, replacing any previous one.
func (d *Dispatcher) Register(typ Type, h Handler) {
	d.handlers[typ] = h
}

// SetFallback installs a handler invoked for any type without a registered handler.
func (d *Dispatcher) SetFallback(h Handler) {
	d.fallback = h
}

// Dispatch invokes the handler registered for msg.Type, or the fallback if
// none is registered. It returns an error if neither exists.
func (d *Dispatcher) Dispatch(msg Message) error {
	if h, ok := d.handlers[msg.Type]; ok {
		return h(msg)
	}
	if d.fallback != nil {
		return d.fallback(msg)
	}
	return fmt.Errorf("i2np: no handler registered for type %s", msg.Type)
}
