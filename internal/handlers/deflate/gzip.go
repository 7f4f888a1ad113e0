package deflate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// GZip implements the RFC 1952 gzip member handler (tag 2).
type GZip struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
}

func (h *GZip) Tags() []handler.Tag { return []handler.Tag{handler.TagGZip} }

func (h *GZip) RecursionAllowed() bool { return true }

func (h *GZip) DepthLimit() (int, bool) { return 0, false }

func (h *GZip) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 10 {
		return false
	}
	return win[0] == 0x1f && win[1] == 0x8b && win[2] == 8
}

// gzipHeader is the parsed subset of an RFC 1952 member header needed to
// reproduce it exactly.
type gzipHeader struct {
	flg           byte
	mtime         uint32
	xfl, os       byte
	extra         []byte
	name, comment []byte
	headerLen     int
}

func parseGZipHeader(win []byte) (gzipHeader, bool) {
	if len(win) < 10 {
		return gzipHeader{}, false
	}
	h := gzipHeader{
		flg:   win[3],
		mtime: binary.LittleEndian.Uint32(win[4:8]),
		xfl:   win[8],
		os:    win[9],
	}
	p := 10
	const (
		fextra   = 1 << 2
		fname    = 1 << 3
		fcomment = 1 << 4
		fhcrc    = 1 << 1
	)
	if h.flg&fextra != 0 {
		if p+2 > len(win) {
			return gzipHeader{}, false
		}
		xlen := int(binary.LittleEndian.Uint16(win[p : p+2]))
		p += 2
		if p+xlen > len(win) {
			return gzipHeader{}, false
		}
		h.extra = append([]byte(nil), win[p:p+xlen]...)
		p += xlen
	}
	if h.flg&fname != 0 {
		i := bytes.IndexByte(win[p:], 0)
		if i < 0 {
			return gzipHeader{}, false
		}
		h.name = append([]byte(nil), win[p:p+i]...)
		p += i + 1
	}
	if h.flg&fcomment != 0 {
		i := bytes.IndexByte(win[p:], 0)
		if i < 0 {
			return gzipHeader{}, false
		}
		h.comment = append([]byte(nil), win[p:p+i]...)
		p += i + 1
	}
	if h.flg&fhcrc != 0 {
		p += 2
	}
	h.headerLen = p
	return h, true
}

func (h gzipHeader) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(h.flg)
	var mt [4]byte
	binary.LittleEndian.PutUint32(mt[:], h.mtime)
	buf.Write(mt[:])
	buf.WriteByte(h.xfl)
	buf.WriteByte(h.os)
	if h.flg&(1<<2) != 0 {
		var xl [2]byte
		binary.LittleEndian.PutUint16(xl[:], uint16(len(h.extra)))
		buf.Write(xl[:])
		buf.Write(h.extra)
	}
	if h.flg&(1<<3) != 0 {
		buf.Write(h.name)
		buf.WriteByte(0)
	}
	if h.flg&(1<<4) != 0 {
		buf.Write(h.comment)
		buf.WriteByte(0)
	}
	if h.flg&(1<<1) != 0 {
		crc := crc32.ChecksumIEEE(buf.Bytes())
		var c [2]byte
		binary.LittleEndian.PutUint16(c[:], uint16(crc))
		buf.Write(c[:])
	}
	return buf.Bytes()
}

func (h *GZip) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	gh, ok := parseGZipHeader(win)
	if !ok {
		return nil, nil
	}
	body := win[gh.headerLen:]
	raw, level, length, ok, err := PrecompressSpan(body, maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	trailerStart := gh.headerLen + length
	if trailerStart+8 > len(win) {
		return nil, nil
	}
	wantCRC := binary.LittleEndian.Uint32(win[trailerStart : trailerStart+4])
	wantISize := binary.LittleEndian.Uint32(win[trailerStart+4 : trailerStart+8])
	if crc32.ChecksumIEEE(raw) != wantCRC || uint32(len(raw)) != wantISize {
		return nil, nil
	}
	total := trailerStart + 8

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "gzip", raw, threshold)
	if err != nil {
		return nil, err
	}

	hd := gh.encode()
	headerData := make([]byte, 0, len(hd)+1)
	headerData = append(headerData, byte(int8(level)))
	headerData = append(headerData, hd...)

	return &handler.Result{
		OriginalSize: uint64(total),
		HeaderData:   headerData,
		Payload:      payload,
	}, nil
}

type gzipHeaderData struct {
	level int
	hdr   gzipHeader
}

func (gzipHeaderData) FormatTag() handler.Tag { return handler.TagGZip }

func (h *GZip) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	br := &byteCountingReader{r: r}
	var lvl [1]byte
	if _, err := io.ReadFull(br, lvl[:]); err != nil {
		return nil, err
	}
	var fixed [6]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return nil, err
	}
	gh := gzipHeader{
		flg:   fixed[0],
		mtime: binary.LittleEndian.Uint32(fixed[1:5]),
		xfl:   fixed[5],
	}
	var osb [1]byte
	if _, err := io.ReadFull(br, osb[:]); err != nil {
		return nil, err
	}
	gh.os = osb[0]
	if gh.flg&(1<<2) != 0 {
		var xl [2]byte
		if _, err := io.ReadFull(br, xl[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint16(xl[:])
		gh.extra = make([]byte, n)
		if _, err := io.ReadFull(br, gh.extra); err != nil {
			return nil, err
		}
	}
	if gh.flg&(1<<3) != 0 {
		name, err := readCString(br)
		if err != nil {
			return nil, err
		}
		gh.name = name
	}
	if gh.flg&(1<<4) != 0 {
		comment, err := readCString(br)
		if err != nil {
			return nil, err
		}
		gh.comment = comment
	}
	if gh.flg&(1<<1) != 0 {
		var c [2]byte
		if _, err := io.ReadFull(br, c[:]); err != nil {
			return nil, err
		}
	}
	return gzipHeaderData{level: int(int8(lvl[0])), hdr: gh}, nil
}

func readCString(r io.Reader) ([]byte, error) {
	var out []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if b[0] == 0 {
			return out, nil
		}
		out = append(out, b[0])
	}
}

type byteCountingReader struct {
	r io.Reader
	n int64
}

func (b *byteCountingReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	return n, err
}

func (h *GZip) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	gd, ok := hd.(gzipHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for gzip")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{0x1f, 0x8b, 8}); err != nil {
		return err
	}
	if _, err := w.Write(gd.hdr.encode()); err != nil {
		return err
	}
	if err := Recompress(w, raw, gd.level); err != nil {
		return err
	}
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(raw)))
	_, err = w.Write(trailer[:])
	return err
}
