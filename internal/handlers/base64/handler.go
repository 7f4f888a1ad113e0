// Package base64 implements the MIME base64 handler (tag 8): a
// "Content-Transfer-Encoding: base64" header followed by CRLF-delimited
// base64 lines is decoded back to raw bytes, with the line-length schema
// recorded compactly so the reverse path can re-wrap identically.
package base64

import (
	"bytes"
	b64 "encoding/base64"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/vlint"
	"github.com/precomp-go/precomp/internal/window"
)

var cteHeader = []byte("Content-Transfer-Encoding: base64")

// Base64 implements handler.Handler for tag 8.
type Base64 struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
}

func (h *Base64) Tags() []handler.Tag { return []handler.Tag{handler.TagBase64} }

func (h *Base64) RecursionAllowed() bool { return true }

func (h *Base64) DepthLimit() (int, bool) { return 0, false }

func (h *Base64) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < len(cteHeader)+4 {
		return false
	}
	return bytes.Equal(win[:len(cteHeader)], cteHeader)
}

// findLineEnd returns the offset of the next "\r\n" at or after p, or -1.
func findLineEnd(win []byte, p int) int {
	idx := bytes.Index(win[p:], []byte("\r\n"))
	if idx < 0 {
		return -1
	}
	return p + idx
}

const base64LineAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="

func isBase64Line(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if bytes.IndexByte([]byte(base64LineAlphabet), c) < 0 {
			return false
		}
	}
	return true
}

// scanLines collects every CRLF-delimited base64 line starting at p,
// stopping at the first line that isn't valid base64 content or at a
// blank line. It returns the concatenated base64 text, the per-line
// lengths, and the total byte span consumed (including line terminators).
func scanLines(win []byte, p int) (text []byte, lineLens []int, span int, ok bool) {
	start := p
	for {
		end := findLineEnd(win, p)
		if end < 0 {
			break
		}
		line := win[p:end]
		if !isBase64Line(line) {
			break
		}
		text = append(text, line...)
		lineLens = append(lineLens, len(line))
		p = end + 2
		if len(line) < 76 {
			// A short line other than the very last one is not a valid
			// MIME line-wrap; treat it as the terminating line.
			break
		}
	}
	if len(lineLens) == 0 {
		return nil, nil, 0, false
	}
	return text, lineLens, p - start, true
}

// Line-length schemas: all lines equal length, all-but-last equal, or an
// explicit per-line table.
const (
	schemaAllEqual = iota
	schemaAllButLastEqual
	schemaExplicit
)

func encodeSchema(lens []int) (kind int, common int, table []int) {
	if len(lens) == 1 {
		return schemaAllEqual, lens[0], nil
	}
	allEqual := true
	for _, l := range lens {
		if l != lens[0] {
			allEqual = false
			break
		}
	}
	if allEqual {
		return schemaAllEqual, lens[0], nil
	}
	allButLastEqual := true
	for _, l := range lens[:len(lens)-1] {
		if l != lens[0] {
			allButLastEqual = false
			break
		}
	}
	if allButLastEqual {
		return schemaAllButLastEqual, lens[0], []int{lens[len(lens)-1]}
	}
	return schemaExplicit, 0, lens
}

func (h *Base64) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 64 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	headerEnd := findLineEnd(win, 0)
	if headerEnd != len(cteHeader) {
		// A longer header line (parameters after "base64") cannot be
		// reproduced from the canonical header alone; leave it unclaimed.
		return nil, nil
	}
	p := headerEnd + 2
	if p+2 <= len(win) && win[p] == '\r' && win[p+1] == '\n' {
		p += 2 // the common blank separator line before the encoded body
	}
	text, lineLens, bodySpan, ok := scanLines(win, p)
	if !ok {
		return nil, nil
	}
	raw, err := b64.StdEncoding.DecodeString(string(text))
	if err != nil {
		raw, err = b64.StdEncoding.WithPadding(b64.NoPadding).DecodeString(string(text))
		if err != nil {
			return nil, nil
		}
	}
	if len(raw) > maxRaw {
		return nil, nil
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "base64", raw, threshold)
	if err != nil {
		return nil, err
	}

	kind, common, table := encodeSchema(lineLens)
	buf := []byte{byte(kind)}
	buf = vlint.Append(buf, uint64(headerEnd))
	buf = vlint.Append(buf, uint64(p-headerEnd))
	switch kind {
	case schemaAllEqual:
		buf = vlint.Append(buf, uint64(len(lineLens)))
		buf = vlint.Append(buf, uint64(common))
	case schemaAllButLastEqual:
		buf = vlint.Append(buf, uint64(len(lineLens)))
		buf = vlint.Append(buf, uint64(common))
		buf = vlint.Append(buf, uint64(table[0]))
	case schemaExplicit:
		buf = vlint.Append(buf, uint64(len(table)))
		for _, l := range table {
			buf = vlint.Append(buf, uint64(l))
		}
	}
	return &handler.Result{
		OriginalSize: uint64(p + bodySpan),
		HeaderData:   buf,
		Payload:      payload,
	}, nil
}

type headerData struct {
	headerLen int
	sepLen    int
	kind      int
	lineLens  []int
}

func (headerData) FormatTag() handler.Tag { return handler.TagBase64 }

func (h *Base64) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	br := asByteReader(r)
	var kb [1]byte
	if _, err := io.ReadFull(br, kb[:]); err != nil {
		return nil, err
	}
	headerLen, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	sepLen, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	hd := headerData{headerLen: int(headerLen), sepLen: int(sepLen), kind: int(kb[0])}
	switch hd.kind {
	case schemaAllEqual:
		n, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		common, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		hd.lineLens = make([]int, n)
		for i := range hd.lineLens {
			hd.lineLens[i] = int(common)
		}
	case schemaAllButLastEqual:
		n, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		common, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		last, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		hd.lineLens = make([]int, n)
		for i := range hd.lineLens {
			hd.lineLens[i] = int(common)
		}
		if n > 0 {
			hd.lineLens[n-1] = int(last)
		}
	case schemaExplicit:
		n, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		hd.lineLens = make([]int, n)
		for i := range hd.lineLens {
			l, err := vlint.Read(br)
			if err != nil {
				return nil, err
			}
			hd.lineLens[i] = int(l)
		}
	default:
		return nil, fmt.Errorf("base64: unknown line-length schema %d", hd.kind)
	}
	return hd, nil
}

func (h *Base64) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	bd, ok := hd.(headerData)
	if !ok {
		return fmt.Errorf("base64: wrong header data type")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	text := b64.StdEncoding.EncodeToString(raw)

	if _, err := w.Write(cteHeader); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	if bd.sepLen == 4 {
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	off := 0
	for _, l := range bd.lineLens {
		end := off + l
		if end > len(text) {
			end = len(text)
		}
		if _, err := w.Write([]byte(text[off:end])); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		off = end
	}
	return nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

func asByteReader(r io.Reader) byteReader {
	if br, ok := r.(byteReader); ok {
		return br
	}
	return &wrapByteReader{r: r}
}

type wrapByteReader struct{ r io.Reader }

func (w *wrapByteReader) Read(p []byte) (int, error) { return w.r.Read(p) }
func (w *wrapByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(w.r, b[:])
	return b[0], err
}
