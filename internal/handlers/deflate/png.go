package deflate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"hash/crc32"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/vlint"
	"github.com/precomp-go/precomp/internal/window"
)

var pngSignature = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// PNG implements the PNG IDAT handler, producing tag 3 (single IDAT) or
// tag 4 (multi-IDAT) depending on how many IDAT chunks the image actually
// uses. Every non-IDAT chunk
// (IHDR, PLTE, ancillary chunks, IEND, ...) is kept verbatim in a
// "skeleton" byte blob; only the concatenated IDAT payloads are replaced
// by the decompressed image data, spliced back in at recompress time at
// the recorded insertion points.
type PNG struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
}

func (h *PNG) Tags() []handler.Tag {
	return []handler.Tag{handler.TagPNGSingle, handler.TagPNGMulti}
}

func (h *PNG) RecursionAllowed() bool { return true }

func (h *PNG) DepthLimit() (int, bool) { return 0, false }

func (h *PNG) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 8 {
		return false
	}
	return bytes.Equal(win[:8], pngSignature[:])
}

type pngChunk struct {
	typ  [4]byte
	data []byte
}

// scanChunks parses every PNG chunk from the signature through IEND,
// returning them plus the total byte length consumed.
func scanChunks(win []byte) ([]pngChunk, int, bool) {
	p := 8
	var chunks []pngChunk
	for {
		if p+8 > len(win) {
			return nil, 0, false
		}
		length := int(binary.BigEndian.Uint32(win[p : p+4]))
		var typ [4]byte
		copy(typ[:], win[p+4:p+8])
		dataStart := p + 8
		if length < 0 || dataStart+length+4 > len(win) {
			return nil, 0, false
		}
		data := win[dataStart : dataStart+length]
		crc := binary.BigEndian.Uint32(win[dataStart+length : dataStart+length+4])
		if crc32.ChecksumIEEE(append(append([]byte{}, typ[:]...), data...)) != crc {
			return nil, 0, false
		}
		chunks = append(chunks, pngChunk{typ: typ, data: append([]byte(nil), data...)})
		p = dataStart + length + 4
		if string(typ[:]) == "IEND" {
			return chunks, p, true
		}
		if len(chunks) > 100000 {
			return nil, 0, false
		}
	}
}

// buildSkeleton serializes chunks verbatim, except that IDAT chunk data is
// omitted; insertPoints[i] is the skeleton offset at which the i-th IDAT
// chunk's data belongs, and idatLens[i] is its length.
func buildSkeleton(chunks []pngChunk) (skeleton []byte, insertPoints []int, idatLens []uint32) {
	for _, c := range chunks {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c.data)))
		skeleton = append(skeleton, lenBuf[:]...)
		skeleton = append(skeleton, c.typ[:]...)
		if string(c.typ[:]) == "IDAT" {
			insertPoints = append(insertPoints, len(skeleton))
			idatLens = append(idatLens, uint32(len(c.data)))
		} else {
			skeleton = append(skeleton, c.data...)
		}
		crc := crc32.ChecksumIEEE(append(append([]byte{}, c.typ[:]...), c.data...))
		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], crc)
		skeleton = append(skeleton, crcBuf[:]...)
	}
	return
}

func (h *PNG) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	chunks, total, ok := scanChunks(win)
	if !ok {
		return nil, nil
	}
	var idatLens []uint32
	var zlibStream []byte
	for _, c := range chunks {
		if string(c.typ[:]) == "IDAT" {
			idatLens = append(idatLens, uint32(len(c.data)))
			zlibStream = append(zlibStream, c.data...)
		}
	}
	if len(idatLens) == 0 || len(zlibStream) < 6 {
		return nil, nil
	}
	if !zlibHeaderOK(zlibStream[0], zlibStream[1]) {
		return nil, nil
	}
	raw, level, length, ok, err := PrecompressSpan(zlibStream[2:], maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok || 2+length+4 != len(zlibStream) {
		return nil, nil
	}
	wantAdler := binary.BigEndian.Uint32(zlibStream[2+length : 2+length+4])
	if adler32.Checksum(raw) != wantAdler {
		return nil, nil
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "png", raw, threshold)
	if err != nil {
		return nil, err
	}

	skeleton, insertPoints, _ := buildSkeleton(chunks)
	headerData := encodePNGHeader(zlibStream[:2], level, insertPoints, idatLens, skeleton)
	tag := handler.TagPNGMulti
	if len(idatLens) == 1 {
		tag = handler.TagPNGSingle
	}
	return &handler.Result{
		OriginalSize: uint64(total),
		Tag:          tag,
		HeaderData:   headerData,
		Payload:      payload,
	}, nil
}

func encodePNGHeader(zhdr []byte, level int, insertPoints []int, idatLens []uint32, skeleton []byte) []byte {
	buf := append([]byte(nil), zhdr[0], zhdr[1], byte(int8(level)))
	buf = vlint.Append(buf, uint64(len(idatLens)))
	for i, p := range insertPoints {
		buf = vlint.Append(buf, uint64(p))
		buf = vlint.Append(buf, uint64(idatLens[i]))
	}
	buf = vlint.Append(buf, uint64(len(skeleton)))
	buf = append(buf, skeleton...)
	return buf
}

type pngHeaderData struct {
	cmf, flg     byte
	level        int
	insertPoints []int
	idatLens     []uint32
	skeleton     []byte
}

func (p pngHeaderData) FormatTag() handler.Tag {
	if len(p.idatLens) == 1 {
		return handler.TagPNGSingle
	}
	return handler.TagPNGMulti
}

func (h *PNG) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var fixed [3]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	br := asByteReader(r)
	n, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	insertPoints := make([]int, n)
	idatLens := make([]uint32, n)
	for i := range insertPoints {
		p, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		l, err := vlint.Read(br)
		if err != nil {
			return nil, err
		}
		insertPoints[i] = int(p)
		idatLens[i] = uint32(l)
	}
	skLen, err := vlint.Read(br)
	if err != nil {
		return nil, err
	}
	skeleton := make([]byte, skLen)
	if _, err := io.ReadFull(br, skeleton); err != nil {
		return nil, err
	}
	return pngHeaderData{
		cmf: fixed[0], flg: fixed[1], level: int(int8(fixed[2])),
		insertPoints: insertPoints, idatLens: idatLens, skeleton: skeleton,
	}, nil
}

func (h *PNG) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	pd, ok := hd.(pngHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for png")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	var zlibStream bufferedBytes
	zlibStream.Write([]byte{pd.cmf, pd.flg})
	if err := Recompress(&zlibStream, raw, pd.level); err != nil {
		return err
	}
	var adler [4]byte
	binary.BigEndian.PutUint32(adler[:], adler32.Checksum(raw))
	zlibStream.Write(adler[:])
	data := zlibStream.Bytes()

	if _, err := w.Write(pngSignature[:]); err != nil {
		return err
	}
	off := 0
	prev := 0
	for i, ip := range pd.insertPoints {
		if _, err := w.Write(pd.skeleton[prev:ip]); err != nil {
			return err
		}
		l := int(pd.idatLens[i])
		if _, err := w.Write(data[off : off+l]); err != nil {
			return err
		}
		off += l
		prev = ip
	}
	_, err = w.Write(pd.skeleton[prev:])
	return err
}

// byteAndBlockReader is what vlint.Read and io.ReadFull both need.
type byteAndBlockReader interface {
	io.Reader
	io.ByteReader
}

func asByteReader(r io.Reader) byteAndBlockReader {
	if br, ok := r.(byteAndBlockReader); ok {
		return br
	}
	return &singleByteReader{r: r}
}

type singleByteReader struct{ r io.Reader }

func (s *singleByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(s.r, b[:])
	return b[0], err
}

func (s *singleByteReader) Read(p []byte) (int, error) { return s.r.Read(p) }
