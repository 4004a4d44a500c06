// Package wire implements 12-byte big-endian length-prefixed framing:
// { header_len: u32, data_len: u32, data_type: u32 } followed by data_len
// bytes of payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed, on-wire size of Header in bytes.
const HeaderSize = 12

// MaxPayload bounds a single frame's payload to guard against a corrupt or
// hostile length prefix driving an unbounded allocation.
const MaxPayload = 64 << 20 // 64 MiB

var ErrPayloadTooLarge = errors.New("wire: frame payload exceeds MaxPayload")

// Header is the fixed 12-byte frame preamble.
type Header struct {
	HeaderLen uint32
	DataLen   uint32
	DataType  uint32
}

// WriteFrame writes one framed message: a Header followed by payload.
func WriteFrame(w io.Writer, dataType uint32, payload []byte) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], HeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[8:12], dataType)

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one framed message, returning its data_type and payload.
// A clean io.EOF on the header boundary is returned unwrapped so callers
// can distinguish "peer closed between frames" from a mid-frame error.
func ReadFrame(r io.Reader) (dataType uint32, payload []byte, err error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("wire: read header: %w", err)
	}

	h := Header{
		HeaderLen: binary.BigEndian.Uint32(buf[0:4]),
		DataLen:   binary.BigEndian.Uint32(buf[4:8]),
		DataType:  binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.HeaderLen != HeaderSize {
		return 0, nil, fmt.Errorf("wire: unexpected header_len %d", h.HeaderLen)
	}
	if h.DataLen > MaxPayload {
		return 0, nil, ErrPayloadTooLarge
	}

	payload = make([]byte, h.DataLen)
	if h.DataLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return h.DataType, payload, nil
}
