package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame in either direction.
const MaxFrameBytes = 32 << 20

// ErrFrameTooLarge is returned for a length prefix above MaxFrameBytes.
var ErrFrameTooLarge = errors.New("ipc frame too large")

// ReadFrame reads a length-prefixed payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// WriteFrame writes payload to w with a 4-byte little-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	return writeFrame(w, payload)
}

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
