// Package jpeg implements the JPEG whole-stream handler (tag 6). A full
// Brunsli or packJPG re-entropy-coder has no Go implementation, so this
// handler does the scoped transform those tools also do as a cheap first
// step: it strips the 0x00 byte-stuffing JPEG's entropy coder inserts
// after every literal 0xFF byte in scan data. That stuffing carries no
// information (it exists only so a decoder can tell a literal 0xFF from a
// marker) and breaks up the byte patterns a general-purpose compressor
// would otherwise find, so removing it and recording exactly where to put
// it back is a fully reversible expansion in the same spirit as the
// deflate family's exact-byte-match design.
//
// The Motion-JPEG missing-Huffman-table splice and the
// Brunsli/Brotli-metadata/packJPG path selection remain on the Config
// surface (UseMJPEG, UseBrunsli, UseBrotli, UsePackJPGFallback) but are
// not implemented; like PDF's BMPMode they are accepted and currently
// have no effect.
package jpeg

import (
	"bytes"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/vlint"
	"github.com/precomp-go/precomp/internal/window"
)

// JPEG implements handler.Handler for tag 6.
type JPEG struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
	ProgOnly   bool
}

func (h *JPEG) Tags() []handler.Tag { return []handler.Tag{handler.TagJPEG} }

func (h *JPEG) RecursionAllowed() bool { return false }

func (h *JPEG) DepthLimit() (int, bool) { return 0, false }

func (h *JPEG) QuickCheck(win []byte, pos uint64) bool {
	return len(win) >= 4 && win[0] == 0xFF && win[1] == 0xD8
}

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerSOF2 = 0xC2
)

func isStandaloneMarker(m byte) bool {
	// RST0-RST7, SOI, EOI and TEM (0x01) carry no length field.
	return (m >= 0xD0 && m <= 0xD9) || m == 0x01
}

// entropyRegion records one scan's worth of unstuffed bytes plus the
// payload offsets (relative to the region's own start) at which a 0x00
// stuffing byte must be reinserted to reproduce the original bytes.
type entropyRegion struct {
	data        []byte
	stuffOffset []int
}

// scan walks win from the end of SOI, splitting it into a "skeleton" of
// every marker-segment byte (copied verbatim, including SOS headers) and
// the unstuffed entropy data following each SOS. insertPoints[i] is the
// skeleton offset at which entropyRegions[i]'s data belongs.
func scan(win []byte, maxRaw int) (skeleton []byte, insertPoints []int, regions []entropyRegion, isProgressive bool, total int, ok bool) {
	p := 2
	skeleton = append(skeleton, win[0:2]...)
	rawBudget := 0
	for {
		if p+1 >= len(win) || win[p] != 0xFF {
			return nil, nil, nil, false, 0, false
		}
		marker := win[p+1]
		if marker == markerEOI {
			skeleton = append(skeleton, win[p], win[p+1])
			return skeleton, insertPoints, regions, isProgressive, p + 2, true
		}
		if isStandaloneMarker(marker) {
			skeleton = append(skeleton, win[p], win[p+1])
			p += 2
			continue
		}
		if p+4 > len(win) {
			return nil, nil, nil, false, 0, false
		}
		segLen := int(win[p+2])<<8 | int(win[p+3])
		if segLen < 2 || p+2+segLen > len(win) {
			return nil, nil, nil, false, 0, false
		}
		skeleton = append(skeleton, win[p:p+2+segLen]...)
		if marker == markerSOF2 {
			isProgressive = true
		}
		isSOS := marker == markerSOS
		p += 2 + segLen
		if !isSOS {
			continue
		}

		// Entropy-coded data follows the SOS header until the next real
		// marker; restart markers (0xFFD0-0xFFD7) are data, not boundaries.
		var region entropyRegion
		for {
			if p >= len(win) {
				return nil, nil, nil, false, 0, false
			}
			if win[p] != 0xFF {
				region.data = append(region.data, win[p])
				p++
				rawBudget++
				if rawBudget > maxRaw {
					return nil, nil, nil, false, 0, false
				}
				continue
			}
			if p+1 >= len(win) {
				return nil, nil, nil, false, 0, false
			}
			next := win[p+1]
			switch {
			case next == 0x00:
				region.stuffOffset = append(region.stuffOffset, len(region.data))
				region.data = append(region.data, 0xFF)
				p += 2
			case next >= 0xD0 && next <= 0xD7:
				region.data = append(region.data, 0xFF, next)
				p += 2
			default:
				goto regionDone
			}
		}
	regionDone:
		insertPoints = append(insertPoints, len(skeleton))
		regions = append(regions, region)
	}
}

func (h *JPEG) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 64 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	skeleton, insertPoints, regions, isProgressive, total, ok := scan(win, maxRaw)
	if !ok || len(regions) == 0 {
		return nil, nil
	}
	if h.ProgOnly && !isProgressive {
		return nil, nil
	}

	var raw bytes.Buffer
	idatLens := make([]uint32, len(regions))
	for i, r := range regions {
		raw.Write(r.data)
		idatLens[i] = uint32(len(r.data))
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "jpeg", raw.Bytes(), threshold)
	if err != nil {
		return nil, err
	}

	buf := vlint.Append(nil, uint64(len(regions)))
	for i, ip := range insertPoints {
		buf = vlint.Append(buf, uint64(ip))
		buf = vlint.Append(buf, uint64(idatLens[i]))
		buf = vlint.Append(buf, uint64(len(regions[i].stuffOffset)))
		prev := 0
		for _, off := range regions[i].stuffOffset {
			buf = vlint.Append(buf, uint64(off-prev))
			prev = off
		}
	}
	buf = vlint.Append(buf, uint64(len(skeleton)))
	buf = append(buf, skeleton...)

	return &handler.Result{
		OriginalSize: uint64(total),
		HeaderData:   buf,
		Payload:      payload,
	}, nil
}

type headerData struct {
	insertPoints []int
	idatLens     []uint32
	stuffOffsets [][]int
	skeleton     []byte
}

func (headerData) FormatTag() handler.Tag { return handler.TagJPEG }

func (h *JPEG) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	br := asByteReader(r)
	n, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	hd := headerData{
		insertPoints: make([]int, n),
		idatLens:     make([]uint32, n),
		stuffOffsets: make([][]int, n),
	}
	for i := range hd.insertPoints {
		ip, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		l, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		cnt, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		offs := make([]int, cnt)
		prev := 0
		for j := range offs {
			d, err := vlint.Read(br)
			if err != nil {
				return nil, err
			}
			prev += int(d)
			offs[j] = prev
		}
		hd.insertPoints[i] = int(ip)
		hd.idatLens[i] = uint32(l)
		hd.stuffOffsets[i] = offs
	}
	skLen, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	hd.skeleton = make([]byte, skLen)
	if _, err := io.ReadFull(br, hd.skeleton); err != nil {
		return nil, err
	}
	return hd, nil
}

func (h *JPEG) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	jd, ok := hd.(headerData)
	if !ok {
		return fmt.Errorf("jpeg: wrong header data type")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	off := 0
	prev := 0
	for i, ip := range jd.insertPoints {
		if _, err := w.Write(jd.skeleton[prev:ip]); err != nil {
			return err
		}
		l := int(jd.idatLens[i])
		region := raw[off : off+l]
		if err := restuff(w, region, jd.stuffOffsets[i]); err != nil {
			return err
		}
		off += l
		prev = ip
	}
	_, err = w.Write(jd.skeleton[prev:])
	return err
}

// restuff writes region to w, inserting a 0x00 byte immediately after
// every position in stuffOffset.
func restuff(w io.Writer, region []byte, stuffOffset []int) error {
	start := 0
	for _, off := range stuffOffset {
		if _, err := w.Write(region[start : off+1]); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x00}); err != nil {
			return err
		}
		start = off + 1
	}
	_, err := w.Write(region[start:])
	return err
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
