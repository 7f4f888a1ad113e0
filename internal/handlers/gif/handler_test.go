package gif

import (
	"bytes"
	"compress/lzw"
	"testing"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/window"
)

// buildImageBlock assembles an image descriptor + LZW sub-blocks for the
// given color-index data, chunked at the given sub-block size.
func buildImageBlock(t *testing.T, raw []byte, minCodeSize, blockSize int) []byte {
	t.Helper()
	var lzwBuf bytes.Buffer
	zw := lzw.NewWriter(&lzwBuf, lzw.LSB, minCodeSize)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("lzw write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("lzw close: %v", err)
	}
	encoded := lzwBuf.Bytes()

	var src bytes.Buffer
	src.WriteByte(0x2C)
	src.Write([]byte{0, 0, 0, 0, 8, 0, 8, 0}) // left, top, width, height
	src.WriteByte(0)                          // packed: no local color table
	src.WriteByte(byte(minCodeSize))
	for len(encoded) > 0 {
		n := blockSize
		if n > len(encoded) {
			n = len(encoded)
		}
		src.WriteByte(byte(n))
		src.Write(encoded[:n])
		encoded = encoded[n:]
	}
	src.WriteByte(0)
	return src.Bytes()
}

func TestSubBlockRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{1, 2, 3}, 200)
	var framed bytes.Buffer
	rest := payload
	sizes := []int{255, 255, 90}
	for _, n := range sizes {
		framed.WriteByte(byte(n))
		framed.Write(rest[:n])
		rest = rest[n:]
	}
	framed.WriteByte(0)

	data, blockSizes, span, ok := readSubBlocks(framed.Bytes(), 0)
	if !ok {
		t.Fatal("readSubBlocks failed")
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("concatenated sub-block payload differs")
	}
	if span != framed.Len() {
		t.Fatalf("span = %d, want %d", span, framed.Len())
	}
	var out bytes.Buffer
	if err := writeSubBlocks(&out, data, blockSizes); err != nil {
		t.Fatalf("writeSubBlocks: %v", err)
	}
	if !bytes.Equal(out.Bytes(), framed.Bytes()) {
		t.Fatal("re-framed sub-blocks differ from the original framing")
	}
}

func TestImageBlockRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0, 1, 2, 3, 2, 1}, 64)
	src := buildImageBlock(t, raw, 3, 255)

	h := &GIF{}
	w := window.New(bytes.NewReader(src), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a valid image block")
	}
	defer res.Payload.Close()
	if res.OriginalSize != uint64(len(src)) {
		t.Fatalf("OriginalSize = %d, want %d", res.OriginalSize, len(src))
	}

	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, handler.TagGIF)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(raw), &out, hd, handler.TagGIF); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	got := out.Bytes()
	for _, p := range res.PenaltyBytes {
		got[p.Position] = p.Replacement
	}
	if !bytes.Equal(got, src) {
		t.Fatal("recompressed image block (with penalties applied) differs from the original")
	}
}

func TestNonStandardBlockSizesArePreserved(t *testing.T) {
	raw := bytes.Repeat([]byte{0, 1, 2, 3}, 128)
	// 254-byte sub-blocks, the alternate block size some encoders emit
	src := buildImageBlock(t, raw, 3, 254)

	h := &GIF{}
	w := window.New(bytes.NewReader(src), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a 254-byte-block image")
	}
	defer res.Payload.Close()
	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, handler.TagGIF)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(raw), &out, hd, handler.TagGIF); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	got := out.Bytes()
	for _, p := range res.PenaltyBytes {
		got[p.Position] = p.Replacement
	}
	if !bytes.Equal(got, src) {
		t.Fatal("254-byte block framing not reproduced")
	}
}

func TestQuickCheckRejectsNonDescriptor(t *testing.T) {
	h := &GIF{}
	if h.QuickCheck([]byte("GIF89a and then some"), 0) {
		t.Fatal("QuickCheck accepted a GIF file header (handler claims image blocks, not files)")
	}
	if h.QuickCheck([]byte{0x2C, 0, 0}, 0) {
		t.Fatal("QuickCheck accepted a window too short for a descriptor")
	}
}
