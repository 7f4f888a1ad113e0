package deflate

import (
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// BruteDeflate implements the brute-forced raw-deflate handler (tag 254),
// enabled by Config.BruteMode. Unlike every other deflate-family
// handler it owns no container framing at all: it is only ever offered a
// position the scanner has not already claimed, and must cheaply reject
// the overwhelming majority of them via QuickCheck before attempting a
// full decode.
type BruteDeflate struct {
	MaxRawSize int
	MinRawSize int // decoded output below this is treated as a false positive; default 1024
	Scratch    *scratch.Manager
	Threshold  int
	// MaxDepth caps the recursion depth at which this handler still runs
	// (Config.BruteDepthLimit); zero means unbounded.
	MaxDepth int
}

func (h *BruteDeflate) Tags() []handler.Tag { return []handler.Tag{handler.TagBruteDeflate} }

// RecursionAllowed is false: raw-deflate's own decompressed output is
// arbitrary data that can easily look like another raw-deflate stream by
// chance, which would recurse indefinitely.
func (h *BruteDeflate) RecursionAllowed() bool { return false }

func (h *BruteDeflate) DepthLimit() (int, bool) { return h.MaxDepth, h.MaxDepth > 0 }

// histogramOK is the four-window byte-histogram heuristic: reject if any
// of the four 64-byte windows at the front of the candidate is too peaky
// to plausibly be entropy-coded deflate output, i.e. any single byte
// value accounts for more than half of a window.
func histogramOK(win []byte) bool {
	const winSize = 64
	for base := 0; base+winSize <= len(win) && base < 4*winSize; base += winSize {
		var counts [256]int
		chunk := win[base : base+winSize]
		for _, b := range chunk {
			counts[b]++
		}
		for _, c := range counts {
			if c*2 > winSize {
				return false
			}
		}
	}
	return true
}

func (h *BruteDeflate) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 256 {
		return false
	}
	return histogramOK(win)
}

func (h *BruteDeflate) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	minRaw := h.MinRawSize
	if minRaw == 0 {
		minRaw = 1024
	}
	win, _ := w.Peek(maxRaw)
	if len(win) == 0 {
		return nil, nil
	}
	raw, level, length, ok, err := PrecompressSpan(win, maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) < minRaw {
		return nil, nil
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "brute-deflate", raw, threshold)
	if err != nil {
		return nil, err
	}
	return &handler.Result{
		OriginalSize: uint64(length),
		HeaderData:   []byte{byte(int8(level))},
		Payload:      payload,
	}, nil
}

type bruteHeaderData struct{ level int }

func (bruteHeaderData) FormatTag() handler.Tag { return handler.TagBruteDeflate }

func (h *BruteDeflate) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return bruteHeaderData{level: int(int8(b[0]))}, nil
}

func (h *BruteDeflate) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	bd, ok := hd.(bruteHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for brute-deflate")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	return Recompress(w, raw, bd.level)
}
