// Package bzip2 implements the bzip2 stream handler (tag 9). Both
// directions go through github.com/dsnet/compress/bzip2: its Reader
// exposes InputOffset, the exact number of source bytes a decode
// consumed, which is what the scanner needs to know a claimed span's
// length without a separate container-level length field.
//
// bzip2's Huffman table selection is not bit-for-bit reproducible from one
// encoder to another in general, so this handler brute-forces the block
// size (1..9) looking for an exact re-encoding and, failing that, falls
// back to a bounded penalty-byte patch list rather than
// declining outright.
package bzip2

import (
	"bytes"
	"fmt"
	"io"

	dbzip2 "github.com/dsnet/compress/bzip2"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// BZip2 implements handler.Handler for tag 9.
type BZip2 struct {
	MaxRawSize         int
	Scratch            *scratch.Manager
	Threshold          int
	MaxPenaltyBytes    int
	MaxPenaltyFraction float64
}

func (h *BZip2) Tags() []handler.Tag { return []handler.Tag{handler.TagBZip2} }

func (h *BZip2) RecursionAllowed() bool { return true }

func (h *BZip2) DepthLimit() (int, bool) { return 0, false }

func (h *BZip2) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 4 {
		return false
	}
	if win[0] != 'B' || win[1] != 'Z' || win[2] != 'h' {
		return false
	}
	return win[3] >= '1' && win[3] <= '9'
}

// decodeAll decodes the bzip2 stream at the front of win, returning the
// decompressed bytes plus the exact number of input bytes consumed
// (dbzip2.Reader.InputOffset), since bzip2's compressed length is implicit
// and only recoverable by fully decoding.
func decodeAll(win []byte, maxRaw int) (raw []byte, consumed int, err error) {
	zr, err := dbzip2.NewReader(bytes.NewReader(win), nil)
	if err != nil {
		return nil, 0, err
	}
	lr := io.LimitReader(zr, int64(maxRaw)+1)
	raw, err = io.ReadAll(lr)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) > maxRaw {
		return nil, 0, fmt.Errorf("bzip2: decompressed size exceeds configured bound")
	}
	consumed = int(zr.InputOffset)
	if consumed <= 0 || consumed > len(win) {
		return nil, 0, fmt.Errorf("bzip2: could not determine stream length")
	}
	return raw, consumed, nil
}

func encodeAt(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := dbzip2.NewWriter(&buf, &dbzip2.WriterConfig{Level: level})
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// diffPatches compares want against got (equal length, checked by caller)
// and returns the bounded penalty-byte list needed to turn got into want,
// or ok=false if the serialized list (5 bytes per entry) would exceed
// maxBytes or maxFraction of the span.
func diffPatches(want, got []byte, maxBytes int, maxFraction float64) ([]handler.PenaltyByte, bool) {
	limitBytes := maxBytes
	if f := int(float64(len(want)) * maxFraction); f < limitBytes {
		limitBytes = f
	}
	limit := limitBytes / 5
	var patches []handler.PenaltyByte
	for i := range want {
		if want[i] != got[i] {
			if len(patches) >= limit {
				return nil, false
			}
			patches = append(patches, handler.PenaltyByte{Position: uint32(i), Replacement: want[i]})
		}
	}
	return patches, true
}

func (h *BZip2) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 512 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	raw, consumed, err := decodeAll(win, maxRaw)
	if err != nil {
		return nil, nil // not a recognizable (complete, in-window) bzip2 stream
	}

	var best []byte
	bestLevel := -1
	for level := 9; level >= 1; level-- {
		enc, err := encodeAt(raw, level)
		if err != nil {
			continue
		}
		if bestLevel == -1 || len(enc) == len(win[:consumed]) {
			best, bestLevel = enc, level
		}
		if bytes.Equal(enc, win[:consumed]) {
			best, bestLevel = enc, level
			break
		}
	}
	if bestLevel == -1 {
		return nil, nil
	}

	var penalties []handler.PenaltyByte
	if !bytes.Equal(best, win[:consumed]) {
		if len(best) != consumed {
			return nil, nil // length mismatch can't be patched with positional bytes
		}
		maxBytes := h.MaxPenaltyBytes
		if maxBytes == 0 {
			maxBytes = 16384
		}
		maxFraction := h.MaxPenaltyFraction
		if maxFraction == 0 {
			maxFraction = 1.0 / 6.0
		}
		var ok bool
		penalties, ok = diffPatches(win[:consumed], best, maxBytes, maxFraction)
		if !ok {
			return nil, nil
		}
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "bzip2", raw, threshold)
	if err != nil {
		return nil, err
	}
	return &handler.Result{
		OriginalSize: uint64(consumed),
		HeaderData:   []byte{byte(bestLevel)},
		PenaltyBytes: penalties,
		Payload:      payload,
	}, nil
}

type headerData struct {
	level int
}

func (headerData) FormatTag() handler.Tag { return handler.TagBZip2 }

func (h *BZip2) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return headerData{level: int(b[0])}, nil
}

func (h *BZip2) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	hdv, ok := hd.(headerData)
	if !ok {
		return fmt.Errorf("bzip2: wrong header data type")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	zw, err := dbzip2.NewWriter(w, &dbzip2.WriterConfig{Level: hdv.level})
	if err != nil {
		return err
	}
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	return zw.Close()
}
