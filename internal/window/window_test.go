package window_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/precomp-go/precomp/internal/window"
)

func TestPeekAdvance(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	w := window.New(bytes.NewReader(data), window.CheckBuf)

	peeked, err := w.Peek(10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !bytes.Equal(peeked, data[:10]) {
		t.Fatalf("Peek returned %q, want %q", peeked, data[:10])
	}
	if w.Position() != 0 {
		t.Fatalf("Position = %d before Advance, want 0", w.Position())
	}
	if err := w.Advance(4); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if w.Position() != 4 {
		t.Fatalf("Position = %d, want 4", w.Position())
	}
	peeked, err = w.Peek(6)
	if err != nil {
		t.Fatalf("Peek after advance: %v", err)
	}
	if !bytes.Equal(peeked, data[4:10]) {
		t.Fatalf("Peek after advance returned %q, want %q", peeked, data[4:10])
	}
}

func TestPeekNearEOFIsNotAnError(t *testing.T) {
	w := window.New(bytes.NewReader([]byte("ab")), window.CheckBuf)
	buf, err := w.Peek(10)
	if err != nil {
		t.Fatalf("Peek near EOF returned error: %v", err)
	}
	if !bytes.Equal(buf, []byte("ab")) {
		t.Fatalf("Peek near EOF returned %q", buf)
	}
}

func TestRereadAtCurrentPositionNeedsNoSeeker(t *testing.T) {
	// The verifier re-reads the span it just peeked at, before Advance, so
	// the bytes are still buffered and a pipe/socket source must work.
	w := window.New(plainReader{bytes.NewReader([]byte("hello world"))}, window.CheckBuf)
	if _, err := w.Peek(5); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	got, err := w.Reread(0, 5)
	if err != nil {
		t.Fatalf("Reread of a buffered span over a non-seekable reader: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Reread = %q, want %q", got, "hello")
	}
	if w.Position() != 0 {
		t.Fatalf("Reread consumed input: position = %d", w.Position())
	}
	rest, _ := w.Peek(11)
	if !bytes.Equal(rest, []byte("hello world")) {
		t.Fatalf("Peek after Reread = %q", rest)
	}
}

func TestRereadRequiresSeekerOncePastBuffer(t *testing.T) {
	w := window.New(plainReader{bytes.NewReader([]byte("hello world"))}, window.CheckBuf)
	w.Advance(6)
	if _, err := w.Reread(0, 5); err != window.ErrNotSeekable {
		t.Fatalf("Reread of a discarded span over a non-seekable reader returned %v, want ErrNotSeekable", err)
	}
}

func TestRereadSeekable(t *testing.T) {
	w := window.New(bytes.NewReader([]byte("hello world")), window.CheckBuf)
	if err := w.Advance(6); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	got, err := w.Reread(0, 5)
	if err != nil {
		t.Fatalf("Reread: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Reread = %q, want %q", got, "hello")
	}
	// the window must still be positioned where Advance left it.
	rest, _ := w.Peek(5)
	if !bytes.Equal(rest, []byte("world")) {
		t.Fatalf("Peek after Reread = %q, want %q", rest, "world")
	}
}

// plainReader hides the io.Seeker implemented by bytes.Reader so Reread
// must fall back to ErrNotSeekable.
type plainReader struct {
	r io.Reader
}

func (p plainReader) Read(buf []byte) (int, error) { return p.r.Read(buf) }
