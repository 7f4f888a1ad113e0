package precomp

import (
	"bytes"
	"context"
	b64 "encoding/base64"
	"io"
	"math/rand"
	"testing"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
)

func precompress(t *testing.T, cfg Config, src []byte) ([]byte, *handler.Registry) {
	t.Helper()
	mgr, err := scratch.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("scratch.NewManager: %v", err)
	}
	reg := NewRegistry(cfg, mgr)
	var pcf bytes.Buffer
	if _, err := Precompress(context.Background(), cfg, reg, bytes.NewReader(src), "test", &pcf, nil); err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	return pcf.Bytes(), reg
}

func TestInspectReportsRecursionForNestedStream(t *testing.T) {
	raw := bytes.Repeat([]byte("C"), 200)
	gz := buildGZipMember(t, raw, -1)

	var src bytes.Buffer
	src.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	encoded := b64.StdEncoding.EncodeToString(gz)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		src.WriteString(encoded[:n])
		src.WriteString("\r\n")
		encoded = encoded[n:]
	}

	pcf, reg := precompress(t, DefaultConfig(), src.Bytes())
	segs, err := Inspect(reg, bytes.NewReader(pcf))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	var found bool
	for _, s := range segs {
		if s.Uncompressed {
			continue
		}
		if s.Tag != handler.TagBase64 {
			t.Fatalf("unexpected top-level segment tag %s", s.Tag)
		}
		if !s.RecursionUsed {
			t.Fatal("base64 segment wrapping a gzip member must report recursion")
		}
		if s.PrecompressedSize != uint64(len(gz)) {
			t.Fatalf("PrecompressedSize = %d, want the decoded payload length %d", s.PrecompressedSize, len(gz))
		}
		found = true
	}
	if !found {
		t.Fatal("no precompressed segment in output")
	}
}

func TestInspectPartitionsTheInput(t *testing.T) {
	raw := bytes.Repeat([]byte("D"), 150)
	gz := buildGZipMember(t, raw, -1)
	var src bytes.Buffer
	src.WriteString("prefix")
	src.Write(gz)
	src.WriteString("suffix")

	pcf, reg := precompress(t, DefaultConfig(), src.Bytes())
	segs, err := Inspect(reg, bytes.NewReader(pcf))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	var total uint64
	for _, s := range segs {
		total += s.OriginalSize
	}
	// segment sizes must partition the input with no gaps or overlaps
	if total != uint64(src.Len()) {
		t.Fatalf("segments cover %d bytes, input is %d", total, src.Len())
	}
}

func TestDeterministicOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	noise := make([]byte, 4096)
	rng.Read(noise)
	raw := bytes.Repeat([]byte("E"), 300)
	gz := buildGZipMember(t, raw, -1)
	src := append(append(append([]byte(nil), noise...), gz...), noise...)

	first, _ := precompress(t, DefaultConfig(), src)
	second, _ := precompress(t, DefaultConfig(), src)
	if !bytes.Equal(first, second) {
		t.Fatal("two runs over identical input and configuration differ")
	}
}

func TestIgnorePositionsSuppressDetection(t *testing.T) {
	raw := bytes.Repeat([]byte("F"), 200)
	gz := buildGZipMember(t, raw, -1)
	prefix := []byte("xx")
	src := append(append([]byte(nil), prefix...), gz...)

	cfg := NewConfig(WithIgnorePositions(uint64(len(prefix))))
	pcf, reg := precompress(t, cfg, src)
	segs, err := Inspect(reg, bytes.NewReader(pcf))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	for _, s := range segs {
		if !s.Uncompressed {
			t.Fatalf("segment claimed at an ignored position (tag %s)", s.Tag)
		}
	}
}

func TestFormatDisableSuppressesHandler(t *testing.T) {
	raw := bytes.Repeat([]byte("G"), 200)
	gz := buildGZipMember(t, raw, -1)

	cfg := NewConfig(WithFormats(AllFormats &^ FormatGZip))
	pcf, reg := precompress(t, cfg, gz)
	segs, err := Inspect(reg, bytes.NewReader(pcf))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	for _, s := range segs {
		if !s.Uncompressed && s.Tag == handler.TagGZip {
			t.Fatal("gzip handler ran with FormatGZip disabled")
		}
	}
}

// streamOnly hides bytes.Reader's Seek so the input looks like a pipe.
type streamOnly struct{ r io.Reader }

func (s streamOnly) Read(p []byte) (int, error) { return s.r.Read(p) }

func TestNonSeekableInputStillClaims(t *testing.T) {
	raw := bytes.Repeat([]byte("H"), 200)
	gz := buildGZipMember(t, raw, -1)
	src := append(append([]byte("before "), gz...), " after"...)

	mgr, err := scratch.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("scratch.NewManager: %v", err)
	}
	cfg := DefaultConfig() // verification on: the verifier must not need Seek
	reg := NewRegistry(cfg, mgr)

	ctx := context.Background()
	var pcf bytes.Buffer
	if _, err := Precompress(ctx, cfg, reg, streamOnly{bytes.NewReader(src)}, "pipe", &pcf, nil); err != nil {
		t.Fatalf("Precompress: %v", err)
	}
	segs, err := Inspect(reg, bytes.NewReader(pcf.Bytes()))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	var claimed int
	for _, s := range segs {
		if !s.Uncompressed {
			if s.Tag != handler.TagGZip {
				t.Fatalf("unexpected segment tag %s", s.Tag)
			}
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("claimed %d segments from a non-seekable stream, want 1", claimed)
	}
	var out bytes.Buffer
	if err := Recompress(ctx, reg, bytes.NewReader(pcf.Bytes()), &out); err != nil {
		t.Fatalf("Recompress: %v", err)
	}
	if !bytes.Equal(out.Bytes(), src) {
		t.Fatal("round trip over a non-seekable stream differs from the input")
	}
}

func TestCancelledContextStopsScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mgr, err := scratch.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("scratch.NewManager: %v", err)
	}
	cfg := DefaultConfig()
	reg := NewRegistry(cfg, mgr)
	var pcf bytes.Buffer
	if _, err := Precompress(ctx, cfg, reg, bytes.NewReader(make([]byte, 1000)), "x", &pcf, nil); err == nil {
		t.Fatal("Precompress must stop when the context is already cancelled")
	}
}

func TestIntenseModeGatesRawZlib(t *testing.T) {
	raw := bytes.Repeat([]byte("zlib stream body for intense mode "), 60)
	z := buildZlibStream(t, raw, -1)
	rng := rand.New(rand.NewSource(11))
	noise := make([]byte, 512)
	rng.Read(noise)
	src := append(append(append([]byte(nil), noise...), z...), noise...)

	// intense off: everything stays uncompressed
	pcf, reg := precompress(t, DefaultConfig(), src)
	segs, err := Inspect(reg, bytes.NewReader(pcf))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	for _, s := range segs {
		if !s.Uncompressed {
			t.Fatalf("segment claimed with intense mode off (tag %s)", s.Tag)
		}
	}

	// intense on: one raw-zlib segment bracketed by uncompressed runs
	pcf, reg = precompress(t, NewConfig(WithIntenseMode(0)), src)
	segs, err = Inspect(reg, bytes.NewReader(pcf))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	var claimed []SegmentInfo
	for _, s := range segs {
		if !s.Uncompressed {
			claimed = append(claimed, s)
		}
	}
	if len(claimed) != 1 || claimed[0].Tag != handler.TagRawZlib {
		t.Fatalf("claimed segments = %+v, want exactly one raw-zlib", claimed)
	}
	if claimed[0].OriginalSize != uint64(len(z)) {
		t.Fatalf("raw-zlib OriginalSize = %d, want %d", claimed[0].OriginalSize, len(z))
	}
}
