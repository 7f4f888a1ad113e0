package deflate

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// SWF implements the zlib-compressed Flash container handler (tag 7).
// Only the "CWS" signature (zlib-compressed body) is handled;
// "FWS" (uncompressed) and "ZWS" (LZMA) bodies are left for the scanner to
// pass through untouched.
type SWF struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
}

func (h *SWF) Tags() []handler.Tag { return []handler.Tag{handler.TagSWF} }

func (h *SWF) RecursionAllowed() bool { return true }

func (h *SWF) DepthLimit() (int, bool) { return 0, false }

func (h *SWF) QuickCheck(win []byte, pos uint64) bool {
	if len(win) < 10 {
		return false
	}
	return win[0] == 'C' && win[1] == 'W' && win[2] == 'S'
}

func (h *SWF) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 256 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	if len(win) < 10 || !zlibHeaderOK(win[8], win[9]) {
		return nil, nil
	}
	raw, level, length, ok, err := PrecompressSpan(win[10:], maxRaw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	total := 10 + length + 4
	if total > len(win) {
		return nil, nil
	}
	wantAdler := binary.BigEndian.Uint32(win[10+length : total])
	if adlerOf(raw) != wantAdler {
		return nil, nil
	}

	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "swf", raw, threshold)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, 0, 11)
	hdr = append(hdr, win[3:8]...) // version + fileLength(4)
	hdr = append(hdr, win[8], win[9], byte(int8(level)))
	return &handler.Result{
		OriginalSize: uint64(total),
		HeaderData:   hdr,
		Payload:      payload,
	}, nil
}

type swfHeaderData struct {
	version    byte
	fileLength uint32
	cmf, flg   byte
	level      int
}

func (swfHeaderData) FormatTag() handler.Tag { return handler.TagSWF }

func (h *SWF) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	return swfHeaderData{
		version:    b[0],
		fileLength: binary.LittleEndian.Uint32(b[1:5]),
		cmf:        b[5],
		flg:        b[6],
		level:      int(int8(b[7])),
	}, nil
}

func (h *SWF) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	sd, ok := hd.(swfHeaderData)
	if !ok {
		return fmt.Errorf("deflate: wrong header data type for swf")
	}
	raw, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	head := make([]byte, 8)
	copy(head[0:3], "CWS")
	head[3] = sd.version
	binary.LittleEndian.PutUint32(head[4:8], sd.fileLength)
	if _, err := w.Write(head); err != nil {
		return err
	}
	if _, err := w.Write([]byte{sd.cmf, sd.flg}); err != nil {
		return err
	}
	if err := Recompress(w, raw, sd.level); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], adlerOf(raw))
	_, err = w.Write(trailer[:])
	return err
}
