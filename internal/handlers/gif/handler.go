// Package gif implements the GIF image-block handler (tag 5). It drives
// stdlib compress/lzw in decode/encode lockstep: decode the image's LZW
// sub-blocks to raw color indices, then re-encode and diff against the
// original bytes, recording any residual divergence as a small
// penalty-byte list rather than requiring an exact match.
package gif

import (
	"bytes"
	"compress/lzw"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// GIF implements handler.Handler for tag 5. It claims one image block
// (image descriptor + optional local color table + LZW sub-blocks) at a
// time; the surrounding GIF header, logical screen descriptor, global
// color table, extension blocks, and trailer are left for the scanner to
// emit as uncompressed bytes.
type GIF struct {
	MaxRawSize         int
	Scratch            *scratch.Manager
	Threshold          int
	MaxPenaltyBytes    int
	MaxPenaltyFraction float64
}

func (h *GIF) Tags() []handler.Tag { return []handler.Tag{handler.TagGIF} }

func (h *GIF) RecursionAllowed() bool { return false }

func (h *GIF) DepthLimit() (int, bool) { return 0, false }

const imageDescriptorMagic = 0x2C

func (h *GIF) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 11 {
		return false
	}
	return win[0] == imageDescriptorMagic
}

// readSubBlocks concatenates every data sub-block following an LZW
// minimum-code-size byte, stopping at the zero-length terminator block.
// It returns the raw sub-block payload, the per-block sizes actually
// used (so the reverse path can re-chunk identically), and the total
// byte span consumed including size prefixes and the terminator.
func readSubBlocks(win []byte, p int) (data []byte, blockSizes []int, span int, ok bool) {
	start := p
	for {
		if p >= len(win) {
			return nil, nil, 0, false
		}
		n := int(win[p])
		p++
		if n == 0 {
			return data, blockSizes, p - start, true
		}
		if p+n > len(win) {
			return nil, nil, 0, false
		}
		data = append(data, win[p:p+n]...)
		blockSizes = append(blockSizes, n)
		p += n
		if len(blockSizes) > 1<<20 {
			return nil, nil, 0, false
		}
	}
}

func writeSubBlocks(w io.Writer, data []byte, blockSizes []int) error {
	off := 0
	for _, n := range blockSizes {
		if off+n > len(data) {
			n = len(data) - off
		}
		if _, err := w.Write([]byte{byte(n)}); err != nil {
			return err
		}
		if _, err := w.Write(data[off : off+n]); err != nil {
			return err
		}
		off += n
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return nil
}

// diffPatches bounds the serialized list (5 bytes per entry) by maxBytes
// and maxFraction of the span, the same rule the bzip2 handler applies.
func diffPatches(want, got []byte, maxBytes int, maxFraction float64) ([]handler.PenaltyByte, bool) {
	limitBytes := maxBytes
	if f := int(float64(len(want)) * maxFraction); f < limitBytes {
		limitBytes = f
	}
	limit := limitBytes / 5
	if len(want) != len(got) {
		return nil, false
	}
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

func (h *GIF) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 64 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	// Image descriptor: separator(1) left(2) top(2) width(2) height(2)
	// packed(1).
	packed := win[9]
	p := 10
	hasLocalTable := packed&0x80 != 0
	localTableSize := 0
	if hasLocalTable {
		localTableSize = 3 * (1 << ((packed & 0x07) + 1))
		if p+localTableSize > len(win) {
			return nil, nil
		}
		p += localTableSize
	}
	if p >= len(win) {
		return nil, nil
	}
	minCodeSize := int(win[p])
	if minCodeSize < 2 || minCodeSize > 8 {
		return nil, nil
	}
	p++

	encoded, blockSizes, span, ok := readSubBlocks(win, p)
	if !ok || len(encoded) == 0 {
		return nil, nil
	}

	r := lzw.NewReader(bytes.NewReader(encoded), lzw.LSB, minCodeSize)
	raw, err := io.ReadAll(io.LimitReader(r, int64(maxRaw)+1))
	r.Close()
	if err != nil || len(raw) > maxRaw {
		return nil, nil
	}

	var reencoded bytes.Buffer
	zw := lzw.NewWriter(&reencoded, lzw.LSB, minCodeSize)
	if _, err := zw.Write(raw); err != nil {
		return nil, nil
	}
	if err := zw.Close(); err != nil {
		return nil, nil
	}

	var penalties []handler.PenaltyByte
	if !bytes.Equal(reencoded.Bytes(), encoded) {
		maxBytes := h.MaxPenaltyBytes
		if maxBytes == 0 {
			maxBytes = 16384
		}
		maxFraction := h.MaxPenaltyFraction
		if maxFraction == 0 {
			maxFraction = 1.0 / 6.0
		}
		var dok bool
		penalties, dok = diffPatches(encoded, reencoded.Bytes(), maxBytes, maxFraction)
		if !dok {
			return nil, nil
		}
		// diffPatches positions index the concatenated LZW payload; the
		// penalty writer patches the recompressed segment stream, where
		// each sub-block is preceded by its size byte. Remap.
		base := uint32(10 + localTableSize + 1)
		for i := range penalties {
			off := int(penalties[i].Position)
			block := 0
			sum := 0
			for block < len(blockSizes) && off >= sum+blockSizes[block] {
				sum += blockSizes[block]
				block++
			}
			penalties[i].Position = base + uint32(block+1) + uint32(off)
		}
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "gif", raw, threshold)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, 0, 16+len(blockSizes))
	hdr = append(hdr, win[1:10]...) // left,top,width,height,packed
	if hasLocalTable {
		hdr = append(hdr, win[10:10+localTableSize]...)
	}
	hdr = append(hdr, byte(minCodeSize))
	hdr = append(hdr, byte(len(blockSizes)>>8), byte(len(blockSizes)))
	for _, n := range blockSizes {
		hdr = append(hdr, byte(n))
	}
	return &handler.Result{
		OriginalSize: uint64(10 + localTableSize + 1 + span),
		HeaderData:   append([]byte{byte(localTableSize)}, hdr...),
		PenaltyBytes: penalties,
		Payload:      payload,
	}, nil
}

type headerData struct {
	localTableSize int
	fixed          []byte // left,top,width,height,packed[,local table]
	minCodeSize    int
	blockSizes     []int
}

func (headerData) FormatTag() handler.Tag { return handler.TagGIF }

func (h *GIF) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var lt [1]byte
	if _, err := io.ReadFull(r, lt[:]); err != nil {
		return nil, err
	}
	localTableSize := int(lt[0])
	fixed := make([]byte, 9+localTableSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, err
	}
	var mc [1]byte
	if _, err := io.ReadFull(r, mc[:]); err != nil {
		return nil, err
	}
	var nb [2]byte
	if _, err := io.ReadFull(r, nb[:]); err != nil {
		return nil, err
	}
	n := int(nb[0])<<8 | int(nb[1])
	blockSizes := make([]int, n)
	for i := range blockSizes {
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		blockSizes[i] = int(b[0])
	}
	return headerData{
		localTableSize: localTableSize,
		fixed:          fixed,
		minCodeSize:    int(mc[0]),
		blockSizes:     blockSizes,
	}, nil
}

func (h *GIF) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	gd, ok := hd.(headerData)
	if !ok {
		return fmt.Errorf("gif: wrong header data type")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{imageDescriptorMagic}); err != nil {
		return err
	}
	if _, err := w.Write(gd.fixed); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(gd.minCodeSize)}); err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := lzw.NewWriter(&buf, lzw.LSB, gd.minCodeSize)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return writeSubBlocks(w, buf.Bytes(), gd.blockSizes)
}
