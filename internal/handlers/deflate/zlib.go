package deflate

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// RawZlib implements the raw-zlib handler (tag 255), enabled by
// Config.IntenseMode. It is the only deflate-family handler that
// owns the full two-byte zlib header plus Adler-32 trailer itself rather
// than delegating that framing to an outer container.
type RawZlib struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
	// MaxDepth caps the recursion depth at which this handler still runs
	// (Config.IntenseDepthLimit); zero means unbounded.
	MaxDepth int
}

func (h *RawZlib) Tags() []handler.Tag { return []handler.Tag{handler.TagRawZlib} }

// RecursionAllowed is true: a raw-zlib payload is arbitrary decompressed
// data, not deflate, so the recursion driver re-entering the scanner on it
// cannot loop back into this same handler the way raw-deflate could.
func (h *RawZlib) RecursionAllowed() bool { return true }

func (h *RawZlib) DepthLimit() (int, bool) { return h.MaxDepth, h.MaxDepth > 0 }

// zlibHeaderOK validates the two-byte zlib header:
// (b0*256+b1) % 31 == 0, compression method 8, FDICT clear.
func zlibHeaderOK(b0, b1 byte) bool {
	if (int(b0)*256+int(b1))%31 != 0 {
		return false
	}
	if b0&0x0f != 8 {
		return false
	}
	if b1&0x20 != 0 {
		return false
	}
	return true
}

func (h *RawZlib) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 2 {
		return false
	}
	return zlibHeaderOK(win[0], win[1])
}

func (h *RawZlib) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if len(win) < 6 {
		return nil, nil
	}
	if !zlibHeaderOK(win[0], win[1]) {
		return nil, nil
	}
	raw, level, length, ok, err := PrecompressSpan(win[2:], maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	end := 2 + length
	if end+4 > len(win) {
		return nil, nil
	}
	wantAdler := binary.BigEndian.Uint32(win[end : end+4])
	if adler32.Checksum(raw) != wantAdler {
		return nil, nil
	}
	total := end + 4

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "raw-zlib", raw, threshold)
	if err != nil {
		return nil, err
	}
	return &handler.Result{
		OriginalSize: uint64(total),
		HeaderData:   []byte{win[0], win[1], byte(int8(level))},
		Payload:      payload,
	}, nil
}

type zlibHeaderData struct {
	cmf, flg byte
	level    int
}

func (zlibHeaderData) FormatTag() handler.Tag { return handler.TagRawZlib }

func (h *RawZlib) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return zlibHeaderData{cmf: b[0], flg: b[1], level: int(int8(b[2]))}, nil
}

func (h *RawZlib) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	zd, ok := hd.(zlibHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for raw-zlib")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{zd.cmf, zd.flg}); err != nil {
		return err
	}
	if err := Recompress(w, raw, zd.level); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], adler32.Checksum(raw))
	_, err = w.Write(trailer[:])
	return err
}
