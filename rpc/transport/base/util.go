package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
)

// maxFrameSize bounds a single frame. Frames above the limit indicate a
// broken or malicious peer, the connection is dropped.
const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes a frame to the connection with the format:
// - 4 bytes: payload length (uint32, big endian)
// - N bytes: payload
func writeFrame(conn net.Conn, data []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(data)))

	b := net.Buffers{header}
	// an empty payload gets no write of its own, readFrame issues no read
	// for it
	if len(data) > 0 {
		b = append(b, data)
	}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from the connection using the provided buffer.
// If the buffer is too small, it allocates a new temporary buffer for the
// payload.
func readFrame(conn net.Conn, buf []byte) ([]byte, error) {
	if buf == nil || len(buf) < 4 {
		buf = make([]byte, 4)
	}

	// Read header
	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return nil, err
	}
	contentLength := binary.BigEndian.Uint32(buf[:4])

	if contentLength > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", contentLength, maxFrameSize)
	}
	if contentLength == 0 {
		return []byte{}, nil
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return nil, err
	}
	return buf[:contentLength], nil
}

// StripScheme removes a "scheme://" prefix from an endpoint, returning the
// scheme and the bare address. Endpoints without a scheme return an empty
// scheme.
func StripScheme(endpoint string) (scheme, address string) {
	if idx := strings.Index(endpoint, "://"); idx >= 0 {
		return endpoint[:idx], endpoint[idx+3:]
	}
	return "", endpoint
}
