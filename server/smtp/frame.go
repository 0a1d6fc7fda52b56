package smtp

import (
	"bytes"
	"io"
)

const (
	// DefaultMaxLineLength is the default limit on line content, excluding CRLF.
	DefaultMaxLineLength = 1000

	minReadSize = 512
)

// FrameReader splits a byte stream into lines. Bytes beyond the current
// line stay buffered for the next call, so lines that span reads and reads
// that carry several lines are both handled.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	start   int // first unconsumed byte in buf
	maxLine int
	err     error // sticky error from r
}

// NewFrameReader returns a FrameReader that rejects lines longer than
// maxLine bytes. maxLine <= 0 selects DefaultMaxLineLength.
func NewFrameReader(r io.Reader, maxLine int) *FrameReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &FrameReader{
		r:       r,
		buf:     make([]byte, 0, 4096),
		maxLine: maxLine,
	}
}

// ReadLine returns the next line without its CRLF or LF terminator.
//
// It returns io.EOF when the stream ends on a line boundary and an
// io.ErrUnexpectedEOF KindIO error when it ends inside a line. A line
// exceeding the limit yields a KindFraming error wrapping ErrLineTooLong;
// the reader must not be used afterwards.
func (f *FrameReader) ReadLine() (string, error) {
	for {
		pending := f.buf[f.start:]
		if i := bytes.IndexByte(pending, '\n'); i >= 0 {
			line := pending[:i]
			f.start += i + 1
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) > f.maxLine {
				return "", &Error{Kind: KindFraming, Op: "read line", Err: ErrLineTooLong}
			}
			return string(line), nil
		}

		// Allow for a trailing CR still waiting for its LF.
		if len(pending) > f.maxLine+1 {
			return "", &Error{Kind: KindFraming, Op: "read line", Err: ErrLineTooLong}
		}

		if f.err != nil {
			if f.err == io.EOF {
				if len(pending) == 0 {
					return "", io.EOF
				}
				return "", ioError("read", io.ErrUnexpectedEOF)
			}
			return "", ioError("read", f.err)
		}

		f.fill()
	}
}

// Buffered returns the number of bytes read from the stream but not yet
// returned as lines.
func (f *FrameReader) Buffered() int {
	return len(f.buf) - f.start
}

func (f *FrameReader) fill() {
	if f.start > 0 {
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
	if cap(f.buf)-len(f.buf) < minReadSize {
		grown := make([]byte, len(f.buf), 2*cap(f.buf)+minReadSize)
		copy(grown, f.buf)
		f.buf = grown
	}

	n, err := f.r.Read(f.buf[len(f.buf):cap(f.buf)])
	f.buf = f.buf[:len(f.buf)+n]
	if err != nil {
		f.err = err
	}
}
