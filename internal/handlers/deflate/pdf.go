package deflate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/vlint"
	"github.com/precomp-go/precomp/internal/window"
)

// PDF implements the PDF FlateDecode handler (tag 0). PDF's `/Length`
// dictionary entries are notoriously unreliable (indirect references,
// encryption, generator bugs), so this handler does what the rest of the
// deflate engine does everywhere else: it trusts the two-byte zlib header
// it finds and lets FindLevel's exact byte match determine the payload's
// true length, rather than trusting the PDF object metadata.
//
// BMPMode would record whether the decoded payload is a raw 8-bit or
// 24-bit image of a given width/height so the reverse path can
// strip/re-insert BMP-style row padding; detecting that reliably requires
// walking the enclosing PDF image XObject dictionary, which this handler
// does not attempt. The field is accepted for configuration compatibility
// and currently has no effect.
type PDF struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
	BMPMode    bool
}

func (h *PDF) Tags() []handler.Tag { return []handler.Tag{handler.TagPDFFlate} }

func (h *PDF) RecursionAllowed() bool { return true }

func (h *PDF) DepthLimit() (int, bool) { return 0, false }

var pdfStreamMarker = []byte("stream")

// QuickCheck matches the common "/FlateDecode ... stream\r\n<zlib header>"
// idiom within a bounded preamble, without doing a full PDF object parse.
func (h *PDF) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 8 {
		return false
	}
	preambleLen := 256
	if len(win) < preambleLen {
		preambleLen = len(win)
	}
	if !bytes.Contains(win[:preambleLen], []byte("FlateDecode")) {
		return false
	}
	idx := bytes.Index(win, pdfStreamMarker)
	if idx < 0 || idx > 256 {
		return false
	}
	p := idx + len(pdfStreamMarker)
	if p < len(win) && win[p] == '\r' {
		p++
	}
	if p < len(win) && win[p] == '\n' {
		p++
	}
	if p+2 > len(win) {
		return false
	}
	return zlibHeaderOK(win[p], win[p+1])
}

func (h *PDF) streamBodyOffset(win []byte) int {
	idx := bytes.Index(win, pdfStreamMarker)
	if idx < 0 {
		return -1
	}
	p := idx + len(pdfStreamMarker)
	if p < len(win) && win[p] == '\r' {
		p++
	}
	if p < len(win) && win[p] == '\n' {
		p++
	}
	return p
}

func (h *PDF) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	offset := h.streamBodyOffset(win)
	if offset < 0 || offset+2 > len(win) {
		return nil, nil
	}
	raw, level, length, ok, err := PrecompressSpan(win[offset+2:], maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	total := offset + 2 + length + 4 // + Adler-32 trailer
	if total > len(win) {
		return nil, nil
	}
	wantAdler := binary.BigEndian.Uint32(win[offset+2+length : total])
	if adlerOf(raw) != wantAdler {
		return nil, nil
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "pdf", raw, threshold)
	if err != nil {
		return nil, err
	}
	// The claimed span starts at pos, not at the zlib header: offset bytes
	// of object preamble ("N G obj\n<< ... /FlateDecode ... >>\nstream\r\n")
	// precede it and must be carried verbatim since nothing else in the
	// segment reproduces them.
	preamble := append([]byte(nil), win[:offset]...)
	headerData := vlint.Append(nil, uint64(len(preamble)))
	headerData = append(headerData, preamble...)
	headerData = append(headerData, win[offset], win[offset+1], byte(int8(level)))
	return &handler.Result{
		OriginalSize: uint64(total),
		HeaderData:   headerData,
		Payload:      payload,
	}, nil
}

type pdfHeaderData struct {
	preamble []byte
	cmf, flg byte
	level    int
}

func (pdfHeaderData) FormatTag() handler.Tag { return handler.TagPDFFlate }

func (h *PDF) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	br := asByteReader(r)
	n, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	preamble := make([]byte, n)
	if _, err := io.ReadFull(br, preamble); err != nil {
		return nil, err
	}
	var b [3]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return nil, err
	}
	return pdfHeaderData{preamble: preamble, cmf: b[0], flg: b[1], level: int(int8(b[2]))}, nil
}

func (h *PDF) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	pd, ok := hd.(pdfHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for pdf")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(pd.preamble); err != nil {
		return err
	}
	if _, err := w.Write([]byte{pd.cmf, pd.flg}); err != nil {
		return err
	}
	if err := Recompress(w, raw, pd.level); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], adlerOf(raw))
	_, err = w.Write(trailer[:])
	return err
}
