package tunnel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"i2p-router/netdb"
)

// Tunnel-data messages are exactly 1024 bytes on the wire after a 4-byte
// tunnel_id prefix (spec.md section 4.3): a 16-byte IV, then a
// 1008-byte AES-CBC-encrypted block holding a 4-byte checksum, a zero
// delimiter byte, and 1003 bytes of fragment records (padded with zero
// bytes when the records don't fill it).
const (
	TunnelMessageWireSize  = 1024
	tunnelPayloadSize      = 1008
	fragmentSectionSize    = tunnelPayloadSize - 4 - 1 // checksum + delimiter
	FragmentExpiration     = 8 * time.Second
)

// DeliveryType is the delivery instruction carried by a fragment's first
// record (spec.md section 4.3). Numbering starts at 1 so that a flag
// byte of 0x00 is unambiguously zero-padding, never a legitimate
// first-fragment record.
type DeliveryType byte

const (
	DeliveryLocal DeliveryType = iota + 1
	DeliveryTunnel
	DeliveryRouter
)

// TunnelMessageBlock is one I2NP message queued for delivery through a
// tunnel, with its delivery instruction (spec.md section 4.3).
type TunnelMessageBlock struct {
	Delivery   DeliveryType
	ToHash     netdb.Hash // DeliveryTunnel, DeliveryRouter
	ToTunnelID uint32     // DeliveryTunnel
	Payload    []byte
}

const (
	flagFollowOn  = 0x80
	flagFragMask  = 0x7e
	flagLastFrag  = 0x01
	flagDeliveryMask = 0x60
	flagMoreFrags = 0x08
)

func newFragMsgID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// encodeFirstFragmentRecord writes the first fragment of a message: flag
// byte, optional tunnel/router addressing, msg_id (present whenever more
// fragments follow), a 2-byte size, then the fragment bytes.
func encodeFirstFragmentRecord(blk TunnelMessageBlock, msgID uint32, frag []byte, more bool) []byte {
	var out []byte
	flag := byte(blk.Delivery) << 5 & flagDeliveryMask
	if more {
		flag |= flagMoreFrags
	}
	out = append(out, flag)
	switch blk.Delivery {
	case DeliveryTunnel:
		var tid [4]byte
		binary.BigEndian.PutUint32(tid[:], blk.ToTunnelID)
		out = append(out, tid[:]...)
		out = append(out, blk.ToHash[:]...)
	case DeliveryRouter:
		out = append(out, blk.ToHash[:]...)
	}
	if more {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], msgID)
		out = append(out, id[:]...)
	}
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(frag)))
	out = append(out, size[:]...)
	out = append(out, frag...)
	return out
}

// encodeFollowOnFragmentRecord writes a non-first fragment of a message.
func encodeFollowOnFragmentRecord(msgID uint32, fragNum int, frag []byte, last bool) []byte {
	flag := byte(flagFollowOn) | byte(fragNum<<1)&flagFragMask
	if last {
		flag |= flagLastFrag
	}
	out := []byte{flag}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], msgID)
	out = append(out, id[:]...)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(frag)))
	out = append(out, size[:]...)
	out = append(out, frag...)
	return out
}

// GatewaySerialize packs a queue of TunnelMessageBlocks into one or more
// 1003-byte fragment sections, fragmenting any block whose encoded
// message doesn't fit the remaining space in the current section
// (spec.md section 4.3). Each returned slice is exactly
// fragmentSectionSize bytes: real fragment records, a single zero
// delimiter byte marking their end (a flag byte of 0x00 can never begin
// a real record, see DeliveryType), then non-zero random filler for the
// rest of the window.
func GatewaySerialize(blocks []TunnelMessageBlock) [][]byte {
	var sections [][]byte
	cur := make([]byte, 0, fragmentSectionSize)

	flush := func() {
		padded := make([]byte, fragmentSectionSize)
		copy(padded, cur)
		if len(cur) < fragmentSectionSize {
			filler := padded[len(cur)+1:]
			if len(filler) > 0 {
				_, _ = rand.Read(filler)
				for i, b := range filler {
					if b == 0x00 {
						filler[i] = 0x01
					}
				}
			}
		}
		sections = append(sections, padded)
		cur = cur[:0]
	}

	for _, blk := range blocks {
		remaining := blk.Payload
		msgID := newFragMsgID()
		fragNum := 0
		first := true
		for {
			headerOverhead := 1 + 2 // flag + size, minimum
			switch {
			case first && blk.Delivery == DeliveryTunnel:
				headerOverhead += 4 + 32
			case first && blk.Delivery == DeliveryRouter:
				headerOverhead += 32
			}
			if first {
				headerOverhead += 4 // msg_id, assume present; trimmed below if single-fragment
			} else {
				headerOverhead += 4
			}

			space := fragmentSectionSize - len(cur)
			if space <= headerOverhead {
				flush()
				space = fragmentSectionSize
			}
			take := space - headerOverhead
			if take > len(remaining) {
				take = len(remaining)
			}
			if take < 0 {
				take = 0
			}
			more := take < len(remaining)
			chunk := remaining[:take]
			remaining = remaining[take:]

			var rec []byte
			if first {
				rec = encodeFirstFragmentRecord(blk, msgID, chunk, more)
			} else {
				rec = encodeFollowOnFragmentRecord(msgID, fragNum, chunk, !more)
			}
			if len(cur)+len(rec) > fragmentSectionSize {
				flush()
			}
			cur = append(cur, rec...)
			first = false
			fragNum++
			if !more {
				break
			}
		}
	}
	if len(cur) > 0 {
		flush()
	}
	return sections
}

// BuildTunnelDataPayload assembles the 1008-byte block (checksum +
// delimiter + fragment section) that gets AES-CBC encrypted, given a
// fresh IV to mix into the checksum.
func BuildTunnelDataPayload(iv [16]byte, fragSection []byte) []byte {
	if len(fragSection) != fragmentSectionSize {
		panic(fmt.Sprintf("tunnel: fragment section must be %d bytes", fragmentSectionSize))
	}
	sum := sha256.Sum256(append(append([]byte{}, fragSection...), iv[:]...))
	out := make([]byte, 0, tunnelPayloadSize)
	out = append(out, sum[:4]...)
	out = append(out, 0x00)
	out = append(out, fragSection...)
	return out
}

// ParseTunnelDataPayload splits a decrypted 1008-byte payload back into
// its checksum and fragment section, verifying the checksum against iv.
func ParseTunnelDataPayload(iv [16]byte, payload []byte) (fragSection []byte, err error) {
	if len(payload) != tunnelPayloadSize {
		return nil, fmt.Errorf("tunnel: payload wrong size: %d", len(payload))
	}
	checksum := payload[:4]
	// payload[4] is the zero delimiter; not re-verified beyond checksum.
	fragSection = payload[5:]
	sum := sha256.Sum256(append(append([]byte{}, fragSection...), iv[:]...))
	if string(checksum) != string(sum[:4]) {
		return nil, fmt.Errorf("tunnel: checksum mismatch")
	}
	return fragSection, nil
}

// pendingMessage accumulates fragments of one multi-fragment I2NP
// message at an endpoint, keyed by msg_id.
type pendingMessage struct {
	delivery  DeliveryType
	toHash    netdb.Hash
	toTunnel  uint32
	fragments map[int][]byte
	lastFrag  int
	haveLast  bool
	firstSeen time.Time
}

// Reassembler holds in-flight fragmented messages at a tunnel endpoint
// (spec.md section 4.3's "reassembly by (msg_id, fragment_num)").
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint32]*pendingMessage
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint32]*pendingMessage)}
}

// ParseFragmentSection walks a 1003-byte fragment section, dispatching
// completed (possibly single-fragment) messages via deliver and tracking
// partials in the Reassembler.
func (r *Reassembler) ParseFragmentSection(section []byte, now time.Time, deliver func(DeliveryType, netdb.Hash, uint32, []byte)) error {
	pos := 0
	for pos < len(section) {
		flag := section[pos]
		if flag == 0x00 {
			break // padding reached
		}
		if flag&flagFollowOn == 0 {
			delivery := DeliveryType((flag & flagDeliveryMask) >> 5)
			more := flag&flagMoreFrags != 0
			pos++
			var toHash netdb.Hash
			var toTunnel uint32
			switch delivery {
			case DeliveryTunnel:
				if pos+36 > len(section) {
					return fmt.Errorf("tunnel: truncated tunnel-delivery header")
				}
				toTunnel = binary.BigEndian.Uint32(section[pos : pos+4])
				copy(toHash[:], section[pos+4:pos+36])
				pos += 36
			case DeliveryRouter:
				if pos+32 > len(section) {
					return fmt.Errorf("tunnel: truncated router-delivery header")
				}
				copy(toHash[:], section[pos:pos+32])
				pos += 32
			}
			var msgID uint32
			if more {
				if pos+4 > len(section) {
					return fmt.Errorf("tunnel: truncated msg_id")
				}
				msgID = binary.BigEndian.Uint32(section[pos : pos+4])
				pos += 4
			}
			if pos+2 > len(section) {
				return fmt.Errorf("tunnel: truncated size field")
			}
			size := int(binary.BigEndian.Uint16(section[pos : pos+2]))
			pos += 2
			if pos+size > len(section) {
				return fmt.Errorf("tunnel: fragment overruns section")
			}
			data := section[pos : pos+size]
			pos += size

			if !more {
				deliver(delivery, toHash, toTunnel, data)
				continue
			}
			r.mu.Lock()
			r.pending[msgID] = &pendingMessage{
				delivery:  delivery,
				toHash:    toHash,
				toTunnel:  toTunnel,
				fragments: map[int][]byte{0: data},
				firstSeen: now,
			}
			r.mu.Unlock()
			continue
		}

		// Follow-on fragment.
		fragNum := int(flag&flagFragMask) >> 1
		last := flag&flagLastFrag != 0
		pos++
		if pos+6 > len(section) {
			return fmt.Errorf("tunnel: truncated follow-on header")
		}
		msgID := binary.BigEndian.Uint32(section[pos : pos+4])
		size := int(binary.BigEndian.Uint16(section[pos+4 : pos+6]))
		pos += 6
		if pos+size > len(section) {
			return fmt.Errorf("tunnel: follow-on fragment overruns section")
		}
		data := section[pos : pos+size]
		pos += size

		r.mu.Lock()
		pm, ok := r.pending[msgID]
		if !ok {
			r.mu.Unlock()
			continue // fragment for an unknown/expired message; drop
		}
		pm.fragments[fragNum] = data
		if last {
			pm.haveLast = true
			pm.lastFrag = fragNum
		}
		complete := pm.haveLast
		if complete {
			for i := 0; i <= pm.lastFrag; i++ {
				if _, ok := pm.fragments[i]; !ok {
					complete = false
					break
				}
			}
		}
		if complete {
			delete(r.pending, msgID)
		}
		r.mu.Unlock()

		if complete {
			full := make([]byte, 0, 1024)
			for i := 0; i <= pm.lastFrag; i++ {
				full = append(full, pm.fragments[i]...)
			}
			deliver(pm.delivery, pm.toHash, pm.toTunnel, full)
		}
	}
	return nil
}

// SweepExpired drops any partial reassembly older than FragmentExpiration,
// returning the count dropped (spec.md section 4.3).
func (r *Reassembler) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, pm := range r.pending {
		if now.Sub(pm.firstSeen) >= FragmentExpiration {
			delete(r.pending, id)
			removed++
		}
	}
	return removed
}
