package precomp

import (
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
)

// penaltyWriter interposes on a handler's Recompress output, patching the
// bounded set of (position, replacement) bytes a handler could not
// reproduce exactly. Positions are relative to the start of
// the recompressed span and must arrive in strictly increasing order,
// which Precompress implementations are required to guarantee.
type penaltyWriter struct {
	w       io.Writer
	patches []handler.PenaltyByte
	next    int
	pos     int64
}

func newPenaltyWriter(w io.Writer, patches []handler.PenaltyByte) *penaltyWriter {
	return &penaltyWriter{w: w, patches: patches}
}

func (p *penaltyWriter) Write(buf []byte) (int, error) {
	start := p.pos
	out := buf
	var patched []byte
	for p.next < len(p.patches) {
		pb := p.patches[p.next]
		off := int64(pb.Position) - start
		if off < 0 {
			return 0, fmt.Errorf("penaltyWriter: out-of-order patch at position %d", pb.Position)
		}
		if off >= int64(len(out)) {
			break
		}
		if patched == nil {
			patched = append([]byte(nil), out...)
			out = patched
		}
		patched[off] = pb.Replacement
		p.next++
	}
	n, err := p.w.Write(out)
	p.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, io.ErrShortWrite
	}
	return len(buf), nil
}

// Close reports an error if any patch position was never reached, which
// means the handler wrote fewer bytes than its own penalty list expects.
func (p *penaltyWriter) Close() error {
	if p.next != len(p.patches) {
		return fmt.Errorf("penaltyWriter: %d penalty byte(s) past end of stream", len(p.patches)-p.next)
	}
	return nil
}
