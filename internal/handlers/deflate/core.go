// Package deflate implements the shared deflate-family engine: one core
// precompress/recompress routine reused by the gzip, zip, PDF FlateDecode,
// PNG IDAT, SWF, raw-zlib and brute-forced raw-deflate handlers, each of
// which differs only in its container framing.
//
// Reconstructing an arbitrary deflate stream bit-for-bit would need a
// preflate-style recorder of exact encoder parameters, which has no Go
// implementation. The engine instead generalizes the "zlib perfect" fast
// path: decode once with klauspost/compress/flate, then brute-force every
// standard compression level with the same codec's Writer and keep the
// level whose output is byte-identical to the original span. The
// re-encoded length is what authoritatively determines the span's
// original size, so the engine never needs to know how many bytes the
// decoder itself consumed.
package deflate

import (
	"bytes"
	"hash/adler32"
	"io"

	"github.com/klauspost/compress/flate"
)

// adlerOf is the shared Adler-32 helper every zlib-framed variant
// (raw-zlib, PNG, PDF FlateDecode) uses to validate and regenerate its
// trailer.
func adlerOf(raw []byte) uint32 {
	return adler32.Checksum(raw)
}

// Levels is every klauspost/compress/flate level worth trying, in the
// order real encoders most commonly use them: default first, then the
// speed/size extremes, then everything in between.
var Levels = []int{
	flate.DefaultCompression,
	flate.BestCompression,
	flate.BestSpeed,
	1, 2, 3, 4, 5, 6, 7, 8, 9,
}

// DecodeOne decodes a single deflate (raw, no zlib/gzip framing) member
// starting at the front of window, returning the decompressed bytes. It
// never returns more than maxRaw bytes of output and reports an error if
// the stream does not terminate within that bound, guarding against
// pathological or corrupt input absorbing unbounded memory.
func DecodeOne(window []byte, maxRaw int) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(window))
	defer fr.Close()
	lr := io.LimitReader(fr, int64(maxRaw)+1)
	raw, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxRaw {
		return nil, errTooLarge
	}
	return raw, nil
}

var errTooLarge = errDecode("deflate: decompressed size exceeds configured bound")

type errDecode string

func (e errDecode) Error() string { return string(e) }

// Match is the result of successfully brute-forcing a compression level
// whose re-encoding of raw reproduces a prefix of window exactly.
type Match struct {
	Level    int
	Length   int // bytes of window consumed by the matching re-encoding
	Reencode []byte
}

// FindLevel tries every candidate level against raw, returning the first
// whose re-encoded bytes match a prefix of window exactly. Candidates are
// tried in Levels order so that the common case (default compression) is
// found fastest.
func FindLevel(window, raw []byte) (Match, bool) {
	for _, lvl := range Levels {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, lvl)
		if err != nil {
			continue
		}
		if _, err := fw.Write(raw); err != nil {
			continue
		}
		if err := fw.Close(); err != nil {
			continue
		}
		enc := buf.Bytes()
		if len(enc) <= len(window) && bytes.Equal(enc, window[:len(enc)]) {
			return Match{Level: lvl, Length: len(enc), Reencode: enc}, true
		}
	}
	return Match{}, false
}

// Recompress re-encodes raw at level and writes it to w. It is the
// symmetric inverse of the matching half of FindLevel, used directly by
// every handler's Recompress method.
func Recompress(w io.Writer, raw []byte, level int) error {
	fw, err := flate.NewWriter(w, level)
	if err != nil {
		return err
	}
	if _, err := fw.Write(raw); err != nil {
		return err
	}
	return fw.Close()
}

// PrecompressSpan locates a deflate member at the front of window, decodes
// it, and finds a level that reproduces it byte-exact. It returns the
// decompressed bytes, the level, and the number of window bytes the
// deflate member itself occupies (excluding any outer container framing
// the caller already peeled off).
func PrecompressSpan(window []byte, maxRaw int) (raw []byte, level, length int, ok bool, err error) {
	raw, err = DecodeOne(window, maxRaw)
	if err != nil {
		return nil, 0, 0, false, nil // not a (recognizable) deflate stream; handler declines
	}
	m, ok := FindLevel(window, raw)
	if !ok {
		return raw, 0, 0, false, nil
	}
	return raw, m.Level, m.Length, true, nil
}
