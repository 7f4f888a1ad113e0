// Package window implements the byte-window reader: a sliding view over
// the input stream that guarantees CHECKBUF bytes of look-ahead to format
// handlers and supports re-reading a span: from the look-ahead buffer when
// the span starts at the current position, and otherwise by seeking the
// underlying stream.
//
// The buffering strategy is a bufio.Reader sized to the largest look-ahead
// a handler can ask for, with bufio.Reader.Peek doing the refilling.
package window

import (
	"bufio"
	"errors"
	"io"
)

// CheckBuf is the minimum look-ahead, in bytes, guaranteed to a handler's
// QuickCheck.
const CheckBuf = 4096

// ErrNotSeekable is returned by Reread when the span requested has already
// fallen out of the buffer and the underlying stream cannot be re-read.
var ErrNotSeekable = errors.New("window: span is no longer buffered and stream is not seekable")

// Window is a sliding, cheaply-restartable view over an io.Reader.
type Window struct {
	br     *bufio.Reader
	pos    uint64 // position of the next unread byte, absolute within the stream
	seeker io.Seeker
	raw    io.Reader
}

// New wraps rd in a Window sized to hold at least lookahead bytes (never
// less than CheckBuf; the scanner passes its configured window size).
func New(rd io.Reader, lookahead int) *Window {
	if lookahead < CheckBuf {
		lookahead = CheckBuf
	}
	seeker, _ := rd.(io.Seeker)
	return &Window{
		br:     bufio.NewReaderSize(rd, lookahead),
		seeker: seeker,
		raw:    rd,
	}
}

// Position returns the absolute position of the next unread byte.
func (w *Window) Position() uint64 {
	return w.pos
}

// Peek returns a view of at least min(n, remaining) bytes starting at the
// current position without consuming them. The returned slice is only
// valid until the next call to Peek or Advance.
func (w *Window) Peek(n int) ([]byte, error) {
	buf, err := w.br.Peek(n)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return buf, err
	}
	return buf, nil
}

// Advance consumes n bytes, making them unavailable to future Peek calls;
// Reread can return them afterwards only by seeking the underlying stream.
func (w *Window) Advance(n int) error {
	discarded, err := w.br.Discard(n)
	w.pos += uint64(discarded)
	if discarded < n && err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Reread returns length bytes starting at absolute position pos, which
// must be no later than the current position (handlers only ever re-read
// spans they have already peeked at). A span starting at the current
// position is served straight from the look-ahead buffer, so it works on
// any stream. Only when the span has fallen out of the buffer does Reread
// need the underlying stream to be seekable; if it is not, it returns
// ErrNotSeekable, which the scanner treats as "handler rejected".
func (w *Window) Reread(pos uint64, length int) ([]byte, error) {
	if pos > w.pos {
		return nil, errors.New("window: Reread of a span not yet produced")
	}
	if pos == w.pos {
		buf, _ := w.br.Peek(length)
		if len(buf) >= length {
			return append([]byte(nil), buf[:length]...), nil
		}
	}
	if w.seeker == nil {
		return nil, ErrNotSeekable
	}
	if _, err := w.seeker.Seek(int64(pos), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(w.raw, buf); err != nil {
		return nil, err
	}
	if _, err := w.seeker.Seek(int64(w.pos), io.SeekStart); err != nil {
		return nil, err
	}
	w.br.Reset(w.raw)
	return buf, nil
}

// Remaining reports whether any bytes are left to read, without blocking
// longer than a single Peek(1).
func (w *Window) Remaining() (bool, error) {
	buf, err := w.Peek(1)
	if len(buf) > 0 {
		return true, nil
	}
	if err != nil && err != io.EOF {
		return false, err
	}
	return false, nil
}
