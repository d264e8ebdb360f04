package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing used by Meshtastic serial and TCP links.
const (
	frameStart1     = 0x94
	frameStart2     = 0xc3
	MaxFramePayload = 512
	headerLen       = 4
)

// WriteFrame writes payload with the 4 byte stream header.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d", len(payload), MaxFramePayload)
	}
	buf := make([]byte, headerLen+len(payload))
	buf[0] = frameStart1
	buf[1] = frameStart2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// wakeSequence nudges a sleeping device before the first frame.
func wakeSequence() []byte {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = frameStart2
	}
	return buf
}

// FrameReader extracts framed payloads from a byte stream. Bytes outside a
// frame are device console output and are skipped.
type FrameReader struct {
	r *bufio.Reader
	// Skipped counts bytes discarded while hunting for a frame header.
	Skipped int
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*MaxFramePayload)}
}

// ReadFrame blocks until a complete frame is available.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			f.Skipped++
			continue
		}
		next, err := f.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != frameStart2 {
			f.Skipped++
			continue
		}
		if _, err := f.r.Discard(1); err != nil {
			return nil, err
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		size := int(binary.BigEndian.Uint16(lenBuf[:]))
		if size > MaxFramePayload {
			// Corrupt header; resync on the next start byte.
			f.Skipped += headerLen
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
