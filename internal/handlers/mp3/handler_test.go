package mp3

import (
	"bytes"
	"io"
	"testing"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/window"
)

// frame128kMono is a 417-byte MPEG-1 Layer III frame header: 128 kbit/s,
// 44.1 kHz, no padding, mono, no CRC.
var frame128kMono = [4]byte{0xFF, 0xFB, 0x90, 0xC0}

func buildFrames(n int, hdr [4]byte, withCRC bool) []byte {
	fh, ok := parseFrameHeader(hdr[:])
	if !ok {
		panic("test frame header does not parse")
	}
	var src bytes.Buffer
	for i := 0; i < n; i++ {
		frame := make([]byte, fh.length)
		copy(frame, hdr[:])
		for j := 4; j < len(frame); j++ {
			frame[j] = byte(i + j) // deterministic non-zero body
		}
		if withCRC {
			side := frame[6 : 6+sideInfoLen(fh.channel)]
			crc := crc16(append(append([]byte{}, frame[2:4]...), side...))
			frame[4] = byte(crc >> 8)
			frame[5] = byte(crc)
		}
		src.Write(frame)
	}
	return src.Bytes()
}

func TestParseFrameHeader(t *testing.T) {
	fh, ok := parseFrameHeader(frame128kMono[:])
	if !ok {
		t.Fatal("valid header rejected")
	}
	if fh.length != 417 {
		t.Fatalf("frame length = %d, want 417", fh.length)
	}
	if fh.protection {
		t.Fatal("protection bit set (0xFB) must mean no CRC")
	}

	cases := [][4]byte{
		{0xFF, 0xF3, 0x90, 0xC0}, // MPEG-2
		{0xFF, 0xFD, 0x90, 0xC0}, // Layer II
		{0xFF, 0xFB, 0x00, 0xC0}, // free-format bitrate
		{0xFF, 0xFB, 0xF0, 0xC0}, // bad bitrate index
		{0xFF, 0xFB, 0x9C, 0xC0}, // reserved sample rate
		{0xFE, 0xFB, 0x90, 0xC0}, // broken sync
	}
	for _, c := range cases {
		if _, ok := parseFrameHeader(c[:]); ok {
			t.Errorf("header % x parsed, want reject", c[:])
		}
	}
}

func TestQuickCheckNeedsFiveFrames(t *testing.T) {
	h := &MP3{}
	if !h.QuickCheck(buildFrames(5, frame128kMono, false), 0) {
		t.Fatal("QuickCheck rejected 5 consecutive frames")
	}
	if h.QuickCheck(buildFrames(4, frame128kMono, false), 0) {
		t.Fatal("QuickCheck accepted only 4 frames")
	}
}

func TestCRCProtectedFrames(t *testing.T) {
	hdr := frame128kMono
	hdr[1] = 0xFA // clear protection bit: CRC-16 present
	src := buildFrames(6, hdr, true)

	h := &MP3{}
	w := window.New(bytes.NewReader(src), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined CRC-protected frames with valid CRCs")
	}
	res.Payload.Close()

	// corrupt one CRC: the run must stop there
	bad := append([]byte(nil), src...)
	bad[417+4] ^= 0xFF
	w = window.New(bytes.NewReader(bad), window.CheckBuf)
	res, err = h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res != nil {
		res.Payload.Close()
		t.Fatal("handler claimed a run containing a frame with a bad CRC")
	}
}

func TestPrecompressClaimsWholeRun(t *testing.T) {
	src := buildFrames(8, frame128kMono, false)
	trailed := append(append([]byte(nil), src...), "not an mp3 frame"...)

	h := &MP3{}
	w := window.New(bytes.NewReader(trailed), window.CheckBuf)
	res, err := h.Precompress(w, 0)
	if err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	if res == nil {
		t.Fatal("handler declined a valid frame run")
	}
	defer res.Payload.Close()
	if res.OriginalSize != uint64(len(src)) {
		t.Fatalf("OriginalSize = %d, want %d", res.OriginalSize, len(src))
	}

	hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, handler.TagMP3)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	payload, err := io.ReadAll(res.Payload)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	var out bytes.Buffer
	if err := h.Recompress(bytes.NewReader(payload), &out, hd, handler.TagMP3); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), src) {
		t.Fatal("recompressed frame run differs from the original")
	}
}
