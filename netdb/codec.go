package netdb

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by decoders when the input is too short.
var ErrShortBuffer = errors.New("netdb: buffer too short")

func putBytes(out []byte, b []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
	return append(out, b...)
}

func takeBytes(buf []byte) (val []byte, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, ErrShortBuffer
	}
	return append([]byte(nil), buf[:n]...), buf[n:], nil
}

func putString(out []byte, s string) []byte { return putBytes(out, []byte(s)) }

func takeString(buf []byte) (string, []byte, error) {
	b, rest, err := takeBytes(buf)
	return string(b), rest, err
}

// EncodeRouterInfo serializes ri to a self-contained byte form, used as the
// payload of a DatabaseStore (type 0) I2NP message and for on-disk
// persistence through the Storage abstraction.
func EncodeRouterInfo(ri RouterInfo) []byte {
	var out []byte
	out = putBytes(out, ri.Identity.SigningPublicKey)
	out = putBytes(out, ri.Identity.EncryptionPublicKey[:])
	out = putBytes(out, ri.Identity.Cert)
	out = binary.BigEndian.AppendUint64(out, uint64(ri.TimestampMS))
	out = binary.BigEndian.AppendUint16(out, uint16(len(ri.Addresses)))
	for _, a := range ri.Addresses {
		out = putString(out, a.Style)
		out = putString(out, a.Host)
		out = binary.BigEndian.AppendUint16(out, a.Port)
	}
	out = append(out, ri.Capabilities.BandwidthClass)
	var flags byte
	if ri.Capabilities.Floodfill {
		flags |= 1
	}
	if ri.Capabilities.Reachable {
		flags |= 2
	}
	out = append(out, flags, byte(ri.Capabilities.Congestion))
	out = putBytes(out, ri.FamilySig)
	out = putBytes(out, ri.Signature)
	return out
}

// DecodeRouterInfo parses the output of EncodeRouterInfo.
func DecodeRouterInfo(buf []byte) (RouterInfo, error) {
	var ri RouterInfo
	var err error
	var b []byte

	b, buf, err = takeBytes(buf)
	if err != nil {
		return ri, err
	}
	ri.Identity.SigningPublicKey = b

	b, buf, err = takeBytes(buf)
	if err != nil {
		return ri, err
	}
	if len(b) != 32 {
		return ri, ErrShortBuffer
	}
	copy(ri.Identity.EncryptionPublicKey[:], b)

	ri.Identity.Cert, buf, err = takeBytes(buf)
	if err != nil {
		return ri, err
	}

	if len(buf) < 8+2 {
		return ri, ErrShortBuffer
	}
	ri.TimestampMS = int64(binary.BigEndian.Uint64(buf))
	buf = buf[8:]
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]

	for i := 0; i < n; i++ {
		var a TransportAddress
		a.Style, buf, err = takeString(buf)
		if err != nil {
			return ri, err
		}
		a.Host, buf, err = takeString(buf)
		if err != nil {
			return ri, err
		}
		if len(buf) < 2 {
			return ri, ErrShortBuffer
		}
		a.Port = binary.BigEndian.Uint16(buf)
		buf = buf[2:]
		ri.Addresses = append(ri.Addresses, a)
	}

	if len(buf) < 3 {
		return ri, ErrShortBuffer
	}
	ri.Capabilities.BandwidthClass = buf[0]
	flags := buf[1]
	ri.Capabilities.Floodfill = flags&1 != 0
	ri.Capabilities.Reachable = flags&2 != 0
	ri.Capabilities.Congestion = CongestionLevel(buf[2])
	buf = buf[3:]

	ri.FamilySig, buf, err = takeBytes(buf)
	if err != nil {
		return ri, err
	}
	ri.Signature, _, err = takeBytes(buf)
	if err != nil {
		return ri, err
	}
	return ri, nil
}

// EncodeLeaseSet serializes ls to a self-contained byte form.
func EncodeLeaseSet(ls LeaseSet) []byte {
	var out []byte
	out = append(out, byte(ls.Type))
	out = putBytes(out, ls.DestinationIdent.SigningPublicKey)
	out = putBytes(out, ls.DestinationIdent.EncryptionPublicKey[:])
	out = putBytes(out, ls.DestinationIdent.Cert)
	out = putBytes(out, ls.EncryptionPublic[:])
	out = binary.BigEndian.AppendUint16(out, uint16(len(ls.Leases)))
	for _, l := range ls.Leases {
		out = append(out, l.TunnelGateway[:]...)
		out = binary.BigEndian.AppendUint32(out, l.TunnelID)
		out = binary.BigEndian.AppendUint64(out, uint64(l.EndTimeMS))
	}
	out = binary.BigEndian.AppendUint64(out, uint64(ls.PublishedTS))
	out = binary.BigEndian.AppendUint16(out, ls.Flags)
	out = putBytes(out, ls.Signature)
	return out
}

// DecodeLeaseSet parses the output of EncodeLeaseSet.
func DecodeLeaseSet(buf []byte) (LeaseSet, error) {
	var ls LeaseSet
	var err error
	var b []byte

	if len(buf) < 1 {
		return ls, ErrShortBuffer
	}
	ls.Type = StoreType(buf[0])
	buf = buf[1:]

	b, buf, err = takeBytes(buf)
	if err != nil {
		return ls, err
	}
	ls.DestinationIdent.SigningPublicKey = b

	b, buf, err = takeBytes(buf)
	if err != nil {
		return ls, err
	}
	if len(b) != 32 {
		return ls, ErrShortBuffer
	}
	copy(ls.DestinationIdent.EncryptionPublicKey[:], b)

	ls.DestinationIdent.Cert, buf, err = takeBytes(buf)
	if err != nil {
		return ls, err
	}

	b, buf, err = takeBytes(buf)
	if err != nil {
		return ls, err
	}
	if len(b) != 32 {
		return ls, ErrShortBuffer
	}
	copy(ls.EncryptionPublic[:], b)

	if len(buf) < 2 {
		return ls, ErrShortBuffer
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	for i := 0; i < n; i++ {
		if len(buf) < 32+4+8 {
			return ls, ErrShortBuffer
		}
		var l Lease
		copy(l.TunnelGateway[:], buf[:32])
		buf = buf[32:]
		l.TunnelID = binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		l.EndTimeMS = int64(binary.BigEndian.Uint64(buf))
		buf = buf[8:]
		ls.Leases = append(ls.Leases, l)
	}

	if len(buf) < 8+2 {
		return ls, ErrShortBuffer
	}
	ls.PublishedTS = int64(binary.BigEndian.Uint64(buf))
	buf = buf[8:]
	ls.Flags = binary.BigEndian.Uint16(buf)
	buf = buf[2:]

	ls.Signature, _, err = takeBytes(buf)
	if err != nil {
		return ls, err
	}
	return ls, nil
}
