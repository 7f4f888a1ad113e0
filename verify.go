package precomp

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"github.com/precomp-go/precomp/handler"
)

// digestSink is a streaming SHA-1 sink: a write-only io.Writer that never
// buffers anything beyond hash.Hash's own state.
type digestSink struct {
	h hash.Hash
	n int64
}

func newDigestSink() *digestSink {
	return &digestSink{h: sha1.New()}
}

func (d *digestSink) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

func (d *digestSink) Sum() [sha1.Size]byte {
	var out [sha1.Size]byte
	copy(out[:], d.h.Sum(nil))
	return out
}

// digestSpan returns the SHA-1 digest and byte count of exactly n bytes
// read from r.
func digestSpan(r io.Reader, n uint64) ([sha1.Size]byte, uint64, error) {
	sink := newDigestSink()
	copied, err := io.CopyN(sink, r, int64(n))
	if err != nil && err != io.EOF {
		return [sha1.Size]byte{}, uint64(copied), err
	}
	return sink.Sum(), uint64(copied), nil
}

// verify re-runs h's Recompress over res's
// own payload and header data, through the same penalty-byte patch writer
// recompression would use in production, and compares the result against
// the original input span byte-for-byte via streaming SHA-1.
//
// verify consumes res.Payload (seeking it back to 0 when done) and does
// not take ownership of it; the caller remains responsible for Close.
func verify(h handler.Handler, tag handler.Tag, res *handler.Result, hd handler.HeaderData, original io.Reader) error {
	if _, err := res.Payload.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("verify: rewinding payload: %w", err)
	}
	defer res.Payload.Seek(0, io.SeekStart)

	sink := newDigestSink()
	patched := newPenaltyWriter(sink, res.PenaltyBytes)
	if err := h.Recompress(res.Payload, patched, hd, tag); err != nil {
		return fmt.Errorf("verify: recompress failed: %w", err)
	}
	if err := patched.Close(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	got := sink.Sum()
	if sink.n != int64(res.OriginalSize) {
		return fmt.Errorf("verify: recompressed %d bytes, want %d", sink.n, res.OriginalSize)
	}

	want, wantN, err := digestSpan(original, res.OriginalSize)
	if err != nil {
		return fmt.Errorf("verify: digesting original span: %w", err)
	}
	if wantN != res.OriginalSize {
		return fmt.Errorf("verify: original span is %d bytes, want %d", wantN, res.OriginalSize)
	}
	if !bytes.Equal(got[:], want[:]) {
		return fmt.Errorf("verify: digest mismatch (recompressed does not match original span)")
	}
	return nil
}
