package deflate

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// Zip implements the ZIP deflate-member handler (tag 1).
// It claims one local-file-header + compressed-data span at a
// time; the central directory that follows is left for the scanner to
// emit as an uncompressed run.
type Zip struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
}

func (h *Zip) Tags() []handler.Tag { return []handler.Tag{handler.TagZip} }

func (h *Zip) RecursionAllowed() bool { return true }

func (h *Zip) DepthLimit() (int, bool) { return 0, false }

const zipLocalFileHeaderMagic = 0x04034b50

func (h *Zip) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 30 {
		return false
	}
	return binary.LittleEndian.Uint32(win[0:4]) == zipLocalFileHeaderMagic
}

type zipLocal struct {
	version              uint16
	flags, method        uint16
	modTime, modDate     uint16
	crc32                uint32
	compSize, uncompSize uint32
	name, extra          []byte
	headerLen            int
}

func parseZipLocal(win []byte) (zipLocal, bool) {
	if len(win) < 30 {
		return zipLocal{}, false
	}
	z := zipLocal{
		version:     binary.LittleEndian.Uint16(win[4:6]),
		flags:       binary.LittleEndian.Uint16(win[6:8]),
		method:      binary.LittleEndian.Uint16(win[8:10]),
		modTime:     binary.LittleEndian.Uint16(win[10:12]),
		modDate:     binary.LittleEndian.Uint16(win[12:14]),
		crc32:       binary.LittleEndian.Uint32(win[14:18]),
		compSize:    binary.LittleEndian.Uint32(win[18:22]),
		uncompSize:  binary.LittleEndian.Uint32(win[22:26]),
	}
	nameLen := int(binary.LittleEndian.Uint16(win[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(win[28:30]))
	if 30+nameLen+extraLen > len(win) {
		return zipLocal{}, false
	}
	z.name = append([]byte(nil), win[30:30+nameLen]...)
	z.extra = append([]byte(nil), win[30+nameLen:30+nameLen+extraLen]...)
	z.headerLen = 30 + nameLen + extraLen
	// Method 8 (deflate) and not using a trailing data-descriptor (bit 3)
	// are the only shape this handler claims; everything else is left for
	// the scanner to pass through as opaque bytes.
	if z.method != 8 || z.flags&0x08 != 0 {
		return zipLocal{}, false
	}
	return z, true
}

func (h *Zip) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	zl, ok := parseZipLocal(win)
	if !ok {
		return nil, nil
	}
	if zl.headerLen+int(zl.compSize) > len(win) {
		return nil, nil
	}
	body := win[zl.headerLen : zl.headerLen+int(zl.compSize)]
	raw, level, length, ok, err := PrecompressSpan(body, maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok || uint32(length) != zl.compSize {
		return nil, nil
	}
	if crc32.ChecksumIEEE(raw) != zl.crc32 || uint32(len(raw)) != zl.uncompSize {
		return nil, nil
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "zip", raw, threshold)
	if err != nil {
		return nil, err
	}

	headerData := encodeZipHeader(zl, level)
	return &handler.Result{
		OriginalSize: uint64(zl.headerLen + int(zl.compSize)),
		HeaderData:   headerData,
		Payload:      payload,
	}, nil
}

func encodeZipHeader(z zipLocal, level int) []byte {
	buf := make([]byte, 0, 16+len(z.name)+len(z.extra))
	buf = append(buf, byte(int8(level)))
	var tmp [12]byte
	binary.LittleEndian.PutUint16(tmp[0:2], z.version)
	binary.LittleEndian.PutUint16(tmp[2:4], z.flags)
	binary.LittleEndian.PutUint16(tmp[4:6], z.modTime)
	binary.LittleEndian.PutUint16(tmp[6:8], z.modDate)
	binary.LittleEndian.PutUint16(tmp[8:10], uint16(len(z.name)))
	binary.LittleEndian.PutUint16(tmp[10:12], uint16(len(z.extra)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, z.name...)
	buf = append(buf, z.extra...)
	return buf
}

type zipHeaderData struct {
	level int
	z     zipLocal
}

func (zipHeaderData) FormatTag() handler.Tag { return handler.TagZip }

func (h *Zip) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var fixed [13]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	z := zipLocal{
		version: binary.LittleEndian.Uint16(fixed[1:3]),
		flags:   binary.LittleEndian.Uint16(fixed[3:5]),
		modTime: binary.LittleEndian.Uint16(fixed[5:7]),
		modDate: binary.LittleEndian.Uint16(fixed[7:9]),
		method:  8,
	}
	nameLen := binary.LittleEndian.Uint16(fixed[9:11])
	extraLen := binary.LittleEndian.Uint16(fixed[11:13])
	z.name = make([]byte, nameLen)
	if _, err := io.ReadFull(r, z.name); err != nil {
		return nil, err
	}
	z.extra = make([]byte, extraLen)
	if _, err := io.ReadFull(r, z.extra); err != nil {
		return nil, err
	}
	return zipHeaderData{level: int(int8(fixed[0])), z: z}, nil
}

func (h *Zip) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	zd, ok := hd.(zipHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for zip")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	var reenc bufferedBytes
	if err := Recompress(&reenc, raw, zd.level); err != nil {
		return err
	}
	var hdr [30]byte
	binary.LittleEndian.PutUint32(hdr[0:4], zipLocalFileHeaderMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], zd.z.version)
	binary.LittleEndian.PutUint16(hdr[6:8], zd.z.flags)
	binary.LittleEndian.PutUint16(hdr[8:10], 8) // method: deflate
	binary.LittleEndian.PutUint16(hdr[10:12], zd.z.modTime)
	binary.LittleEndian.PutUint16(hdr[12:14], zd.z.modDate)
	binary.LittleEndian.PutUint32(hdr[14:18], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(hdr[18:22], uint32(reenc.Len()))
	binary.LittleEndian.PutUint32(hdr[22:26], uint32(len(raw)))
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(zd.z.name)))
	binary.LittleEndian.PutUint16(hdr[28:30], uint16(len(zd.z.extra)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(zd.z.name); err != nil {
		return err
	}
	if _, err := w.Write(zd.z.extra); err != nil {
		return err
	}
	_, err = w.Write(reenc.Bytes())
	return err
}

// bufferedBytes is the minimal bytes.Buffer-like sink used where the
// written length must be known before the bytes can be framed.
type bufferedBytes struct{ buf []byte }

func (b *bufferedBytes) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}
func (b *bufferedBytes) Len() int      { return len(b.buf) }
func (b *bufferedBytes) Bytes() []byte { return b.buf }
