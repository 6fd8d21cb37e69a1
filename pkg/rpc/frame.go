package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineBytes bounds a single inbound line.
const DefaultMaxLineBytes = 16 << 20

// ErrLineTooLong is returned for a line exceeding the reader's limit. The
// rest of the line is consumed so the next ReadLine starts cleanly.
var ErrLineTooLong = errors.New("line too long")

// LineReader reads newline-delimited frames.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. A max of zero or less selects DefaultMaxLineBytes.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, min(64<<10, max)), max: max}
}

// ReadLine returns the next line without its terminator. A final line
// without a trailing newline is returned before io.EOF.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > lr.max+1 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(buf) > 0 {
				return bytes.TrimRight(buf, "\r\n"), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// WriteLine writes an encoded line and flushes w when it buffers.
func WriteLine(w io.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
