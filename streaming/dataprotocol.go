package streaming

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
)

// deflateThreshold is the minimum payload size before data-protocol
// wrapping bothers compressing it (spec.md section 4.8: "deflate-
// compressed when >= 66 bytes").
const deflateThreshold = 66

// dataProtocolNumber is the fixed protocol byte in the data-protocol
// trailer, identifying streaming as the payload's protocol.
const dataProtocolNumber = 6

// WrapDataProtocol builds the payload of an I2NP Data message carrying a
// streaming packet: an optionally deflate-compressed body, a 4-byte
// length prefix, and a 5-byte trailer of src_port(2) || dst_port(2) ||
// protocol(1).
func WrapDataProtocol(payload []byte, srcPort, dstPort uint16) ([]byte, error) {
	body := payload
	if len(payload) >= deflateThreshold {
		compressed, err := deflateCompress(payload)
		if err != nil {
			return nil, fmt.Errorf("streaming: deflate compress: %w", err)
		}
		body = compressed
	}

	out := make([]byte, 0, 4+len(body)+9)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(body)))
	out = append(out, lenBytes[:]...)
	out = append(out, body...)

	var trailer [5]byte
	binary.BigEndian.PutUint16(trailer[0:2], srcPort)
	binary.BigEndian.PutUint16(trailer[2:4], dstPort)
	trailer[4] = dataProtocolNumber
	out = append(out, trailer[:]...)
	return out, nil
}

// UnwrapDataProtocol reverses WrapDataProtocol: it reads the 4-byte
// length prefix, inflates the body if it parses as a deflate stream (and
// otherwise returns it as raw bytes), and returns the payload along with
// the trailer's ports.
func UnwrapDataProtocol(data []byte) (payload []byte, srcPort, dstPort uint16, err error) {
	if len(data) < 4+5 {
		return nil, 0, 0, fmt.Errorf("streaming: data protocol message too short")
	}
	size := binary.BigEndian.Uint32(data[:4])
	if len(data) < 4+int(size)+5 {
		return nil, 0, 0, fmt.Errorf("streaming: data protocol message shorter than declared size")
	}
	body := data[4 : 4+size]
	trailer := data[4+size : 4+size+5]
	srcPort = binary.BigEndian.Uint16(trailer[0:2])
	dstPort = binary.BigEndian.Uint16(trailer[2:4])

	payload, decErr := deflateDecompress(body)
	if decErr != nil {
		// Not every payload is compressed; fall back to treating the
		// body as raw bytes when it doesn't parse as a deflate stream.
		payload = append([]byte(nil), body...)
	}
	return payload, srcPort, dstPort, nil
}

func deflateCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deflateDecompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
