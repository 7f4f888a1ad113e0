// Package mp3 implements the MPEG-1 Layer III handler (tag 10). With no
// Huffman/scale-factor re-coder available as a Go library, the handler
// does the part of an MP3 repacker's job that is reproducible without
// one: a frame-validity scan requiring five consecutive frames that share
// version, layer, protection and sampling parameters, with side-info
// bounds checked and, when present, the per-frame CRC verified. The
// validated run is claimed as a single span whose payload is the frames'
// bytes verbatim; the transform carries no size benefit on its own, but
// it still groups the audio data as one reconstructable unit ahead of
// general-purpose compression.
package mp3

import (
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/window"
)

// MP3 implements handler.Handler for tag 10.
type MP3 struct {
	MaxRawSize int
	Scratch    *scratch.Manager
	Threshold  int
}

func (h *MP3) Tags() []handler.Tag { return []handler.Tag{handler.TagMP3} }

func (h *MP3) RecursionAllowed() bool { return false }

func (h *MP3) DepthLimit() (int, bool) { return 0, false }

var bitrateTableV1L3 = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1}
var sampleRateTableV1 = [4]int{44100, 48000, 32000, -1}

type frameHeader struct {
	version    int // 0=MPEG2.5, 2=MPEG2, 3=MPEG1 (raw 2-bit value)
	layer      int // raw 2-bit value; 1 == Layer III
	protection bool
	bitrateIdx int
	sampleIdx  int
	padding    bool
	channel    int
	length     int
}

func parseFrameHeader(b []byte) (frameHeader, bool) {
	if len(b) < 4 {
		return frameHeader{}, false
	}
	if b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, false
	}
	version := int(b[1]>>3) & 0x03
	layer := int(b[1]>>1) & 0x03
	protection := b[1]&0x01 == 0 // protection_bit clear means a CRC-16 follows the header
	if version != 3 || layer != 1 { // only MPEG-1 Layer III is in scope
		return frameHeader{}, false
	}
	bitrateIdx := int(b[2]>>4) & 0x0F
	sampleIdx := int(b[2]>>2) & 0x03
	padding := b[2]&0x02 != 0
	channel := int(b[3]>>6) & 0x03
	if bitrateIdx == 0 || bitrateIdx == 15 || sampleIdx == 3 {
		return frameHeader{}, false
	}
	bitrate := bitrateTableV1L3[bitrateIdx]
	samplerate := sampleRateTableV1[sampleIdx]
	length := 144 * bitrate * 1000 / samplerate
	if padding {
		length++
	}
	if length < 21 {
		return frameHeader{}, false
	}
	return frameHeader{
		version: version, layer: layer, protection: protection,
		bitrateIdx: bitrateIdx, sampleIdx: sampleIdx, padding: padding,
		channel: channel, length: length,
	}, true
}

func sameStream(a, b frameHeader) bool {
	return a.version == b.version && a.layer == b.layer &&
		a.protection == b.protection && a.sampleIdx == b.sampleIdx && a.channel == b.channel
}

// sideInfoLen is the Layer III side-info length for the given channel mode.
func sideInfoLen(channel int) int {
	if channel == 3 { // mono
		return 17
	}
	return 32
}

func (h *MP3) QuickCheck(win []byte, pos uint64) bool {
	fh, ok := parseFrameHeader(win)
	if !ok {
		return false
	}
	off := fh.length
	for i := 0; i < 4; i++ {
		if off+4 > len(win) {
			return false
		}
		next, ok := parseFrameHeader(win[off:])
		if !ok || !sameStream(fh, next) {
			return false
		}
		off += next.length
	}
	return true
}

// crc16 computes the MPEG CRC-16 (poly 0x8005, init 0xFFFF) used to
// protect a Layer III frame's header tail and side info.
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bit := (b >> uint(i)) & 1
			msb := (crc >> 15) & 1
			crc <<= 1
			if msb^uint16(bit) != 0 {
				crc ^= 0x8005
			}
		}
	}
	return crc
}

func (h *MP3) Precompress(w *window.Window, pos uint64) (*handler.Result, error) {
	maxRaw := h.MaxRawSize
	if maxRaw == 0 {
		maxRaw = 64 * 1024 * 1024
	}
	win, _ := w.Peek(maxRaw)
	if !h.QuickCheck(win, pos) {
		return nil, nil
	}
	fh, _ := parseFrameHeader(win)
	off := 0
	frameCount := 0
	for {
		if off+4 > len(win) {
			break
		}
		next, ok := parseFrameHeader(win[off:])
		if !ok || !sameStream(fh, next) {
			break
		}
		headerEnd := off + 4
		sidStart := headerEnd
		if next.protection {
			sidStart += 2
		}
		sidEnd := sidStart + sideInfoLen(next.channel)
		if sidEnd > len(win) || sidEnd > off+next.length {
			break
		}
		if next.protection {
			want := uint16(win[headerEnd])<<8 | uint16(win[headerEnd+1])
			got := crc16(append(append([]byte{}, win[off+2:headerEnd]...), win[sidStart:sidEnd]...))
			if got != want {
				break
			}
		}
		if off+next.length > len(win) {
			break
		}
		off += next.length
		frameCount++
		if off > maxRaw {
			break
		}
	}
	if frameCount < 5 {
		return nil, nil
	}

	raw := append([]byte(nil), win[:off]...)
	threshold := h.Threshold
	if threshold == 0 {
		threshold = scratch.MemThreshold
	}
	payload, err := scratch.NewPayload(h.Scratch, "mp3", raw, threshold)
	if err != nil {
		return nil, err
	}
	return &handler.Result{
		OriginalSize: uint64(off),
		Payload:      payload,
	}, nil
}

type headerData struct{}

func (headerData) FormatTag() handler.Tag { return handler.TagMP3 }

func (h *MP3) ReadHeader(r io.Reader, flags handler.Flags, tag handler.Tag) (handler.HeaderData, error) {
	return headerData{}, nil
}

func (h *MP3) Recompress(payload io.Reader, w io.Writer, hd handler.HeaderData, tag handler.Tag) error {
	if _, ok := hd.(headerData); !ok {
		return fmt.Errorf("mp3: wrong header data type")
	}
	_, err := io.Copy(w, payload)
	return err
}
