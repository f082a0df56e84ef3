package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serializes a Frame.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode deserializes exactly one Frame from data.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if int(n) != len(data)-HeaderSize {
		return nil, fmt.Errorf("frame length mismatch: header says %d, have %d", n, len(data)-HeaderSize)
	}
	f := &Frame{Type: data[0]}
	if n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, data[HeaderSize:])
	}
	return f, nil
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("frame payload too large: %d bytes (max %d)", len(f.Payload), MaxPayloadSize)
	}
	_, err := w.Write(Encode(f))
	return err
}

// ReadFrame reads one Frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:5])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("frame payload too large: %d bytes (max %d)", n, MaxPayloadSize)
	}
	f := &Frame{Type: hdr[0]}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("failed to read frame payload: %w", err)
		}
	}
	return f, nil
}
