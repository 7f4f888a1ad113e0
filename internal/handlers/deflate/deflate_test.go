package deflate

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"hash/crc32"
	"io"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/precomp-go/precomp/internal/window"
)

func deflateAt(t *testing.T, raw []byte, level int) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := fw.Write(raw); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	return buf.Bytes()
}

func TestFindLevelRecoversEncodingLevel(t *testing.T) {
	raw := bytes.Repeat([]byte("level recovery test data "), 40)
	for _, level := range []int{flate.BestSpeed, flate.DefaultCompression, flate.BestCompression} {
		enc := deflateAt(t, raw, level)
		// trailing garbage after the stream must not confuse the match
		win := append(append([]byte(nil), enc...), "trailing"...)
		m, ok := FindLevel(win, raw)
		if !ok {
			t.Fatalf("FindLevel failed for level %d", level)
		}
		if m.Length != len(enc) {
			t.Fatalf("level %d: matched length %d, want %d", level, m.Length, len(enc))
		}
		if !bytes.Equal(m.Reencode, enc) {
			t.Fatalf("level %d: re-encoding differs from original", level)
		}
	}
}

func TestDecodeOneRespectsBound(t *testing.T) {
	raw := bytes.Repeat([]byte{0}, 4096)
	enc := deflateAt(t, raw, flate.DefaultCompression)
	if _, err := DecodeOne(enc, 100); err == nil {
		t.Fatal("expected error when decompressed size exceeds bound")
	}
	got, err := DecodeOne(enc, len(raw))
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("DecodeOne output differs from input")
	}
}

func TestZlibHeaderOK(t *testing.T) {
	cases := []struct {
		b0, b1 byte
		want   bool
	}{
		{0x78, 0x9c, true},  // deflate, 32k window, default check bits
		{0x78, 0x01, true},  // fastest
		{0x78, 0xda, true},  // best
		{0x78, 0x9d, false}, // bad check bits
		{0x79, 0x9c, false}, // not method 8 with valid check
		{0x78, 0xbc, false}, // FDICT set (0x9c | 0x20)
	}
	for _, c := range cases {
		if got := zlibHeaderOK(c.b0, c.b1); got != c.want {
			t.Errorf("zlibHeaderOK(%#02x, %#02x) = %v, want %v", c.b0, c.b1, got, c.want)
		}
	}
}

func TestHistogramRejectsPeakyWindows(t *testing.T) {
	peaky := bytes.Repeat([]byte{0x41}, 512)
	if histogramOK(peaky) {
		t.Fatal("histogramOK accepted a constant-byte window")
	}
	raw := bytes.Repeat([]byte("entropy-ish data for the histogram check "), 40)
	enc := deflateAt(t, raw, flate.BestCompression)
	if len(enc) >= 256 && !histogramOK(enc) {
		t.Fatal("histogramOK rejected real deflate output")
	}
}

func TestGZipHandlerRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("gzip member content "), 30)
	var src bytes.Buffer
	src.Write([]byte{0x1f, 0x8b, 8, 0, 0, 0, 0, 0, 0, 0xff})
	src.Write(deflateAt(t, raw, flate.DefaultCompression))
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(raw)))
	src.Write(trailer[:])

	h := &GZip{}
	w := window.New(bytes.NewReader(src.Bytes()), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a valid gzip member")
	}
	defer res.Payload.Close()
	if res.OriginalSize != uint64(src.Len()) {
		t.Fatalf("OriginalSize = %d, want %d", res.OriginalSize, src.Len())
	}
	payload, err := io.ReadAll(res.Payload)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if !bytes.Equal(payload, raw) {
		t.Fatal("payload is not the decompressed member body")
	}

	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, h.Tags()[0])
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(payload), &out, hd, h.Tags()[0]); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), src.Bytes()) {
		t.Fatal("recompressed gzip member differs from the original")
	}
}

func TestGZipHeaderWithNameRoundTrips(t *testing.T) {
	raw := []byte("payload with a recorded file name")
	var src bytes.Buffer
	src.Write([]byte{0x1f, 0x8b, 8, 1 << 3, 0x78, 0x56, 0x34, 0x12, 2, 0x03})
	src.WriteString("orig.txt")
	src.WriteByte(0)
	src.Write(deflateAt(t, raw, flate.BestCompression))
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(raw)))
	src.Write(trailer[:])

	h := &GZip{}
	w := window.New(bytes.NewReader(src.Bytes()), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a gzip member with FNAME set")
	}
	defer res.Payload.Close()
	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, h.Tags()[0])
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(raw), &out, hd, h.Tags()[0]); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), src.Bytes()) {
		t.Fatal("recompressed member with FNAME differs from the original")
	}
}

func TestRawZlibHandlerRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("intense mode zlib body "), 40)
	var src bytes.Buffer
	src.Write([]byte{0x78, 0x9c})
	src.Write(deflateAt(t, raw, flate.DefaultCompression))
	var adler [4]byte
	binary.BigEndian.PutUint32(adler[:], adler32.Checksum(raw))
	src.Write(adler[:])

	h := &RawZlib{}
	w := window.New(bytes.NewReader(src.Bytes()), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a valid zlib stream")
	}
	defer res.Payload.Close()
	if res.OriginalSize != uint64(src.Len()) {
		t.Fatalf("OriginalSize = %d, want %d", res.OriginalSize, src.Len())
	}
	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, h.Tags()[0])
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(raw), &out, hd, h.Tags()[0]); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), src.Bytes()) {
		t.Fatal("recompressed zlib stream differs from the original")
	}
}

func TestRawZlibRejectsTruncatedTrailer(t *testing.T) {
	raw := bytes.Repeat([]byte("truncated "), 20)
	var src bytes.Buffer
	src.Write([]byte{0x78, 0x9c})
	src.Write(deflateAt(t, raw, flate.DefaultCompression))
	// no Adler-32 trailer at all
	h := &RawZlib{}
	w := window.New(bytes.NewReader(src.Bytes()), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res != nil {
		res.Payload.Close()
		t.Fatal("handler claimed a zlib stream with no trailer")
	}
}

func TestZipHandlerPreservesVersionNeeded(t *testing.T) {
	raw := bytes.Repeat([]byte("zip entry body "), 20)
	comp := deflateAt(t, raw, flate.DefaultCompression)
	name := []byte("entry.bin")

	var src bytes.Buffer
	var u32 [4]byte
	var u16 [2]byte
	binary.LittleEndian.PutUint32(u32[:], zipLocalFileHeaderMagic)
	src.Write(u32[:])
	binary.LittleEndian.PutUint16(u16[:], 45) // deliberately not the common 20
	src.Write(u16[:])
	src.Write([]byte{0, 0}) // flags
	src.Write([]byte{8, 0}) // method
	src.Write([]byte{0x21, 0x43})
	src.Write([]byte{0x65, 0x87})
	binary.LittleEndian.PutUint32(u32[:], crc32.ChecksumIEEE(raw))
	src.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(comp)))
	src.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(raw)))
	src.Write(u32[:])
	binary.LittleEndian.PutUint16(u16[:], uint16(len(name)))
	src.Write(u16[:])
	src.Write([]byte{0, 0}) // extra length
	src.Write(name)
	src.Write(comp)

	h := &Zip{}
	w := window.New(bytes.NewReader(src.Bytes()), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a valid zip local entry")
	}
	defer res.Payload.Close()
	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, h.Tags()[0])
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(raw), &out, hd, h.Tags()[0]); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), src.Bytes()) {
		t.Fatal("recompressed zip entry differs from the original (version-needed lost?)")
	}
}

func TestBruteDeflateRequiresMinimumOutput(t *testing.T) {
	raw := []byte("short") // decodes to < 1024 bytes
	enc := deflateAt(t, raw, flate.DefaultCompression)
	padded := append(append([]byte(nil), enc...), bytes.Repeat([]byte{0x5a}, 300)...)

	h := &BruteDeflate{}
	w := window.New(bytes.NewReader(padded), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res != nil {
		res.Payload.Close()
		t.Fatal("brute handler claimed a stream below the 1024-byte output floor")
	}
}

func TestBruteDeflateRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("brute-forced raw deflate data "), 60)
	enc := deflateAt(t, raw, flate.DefaultCompression)

	h := &BruteDeflate{}
	w := window.New(bytes.NewReader(enc), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("brute handler declined a raw deflate stream")
	}
	defer res.Payload.Close()
	if res.OriginalSize != uint64(len(enc)) {
		t.Fatalf("OriginalSize = %d, want %d", res.OriginalSize, len(enc))
	}
	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, h.Tags()[0])
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(raw), &out, hd, h.Tags()[0]); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), enc) {
		t.Fatal("recompressed raw deflate stream differs from the original")
	}
}

func TestDepthLimitWiring(t *testing.T) {
	if _, ok := (&RawZlib{}).DepthLimit(); ok {
		t.Fatal("zero MaxDepth must mean no per-handler limit")
	}
	if d, ok := (&RawZlib{MaxDepth: 3}).DepthLimit(); !ok || d != 3 {
		t.Fatalf("DepthLimit = %d, %v; want 3, true", d, ok)
	}
	if d, ok := (&BruteDeflate{MaxDepth: 1}).DepthLimit(); !ok || d != 1 {
		t.Fatalf("DepthLimit = %d, %v; want 1, true", d, ok)
	}
}
