// Package handler defines the pluggable contract implemented by every
// format-specific precompression handler. A Handler can
// cheaply claim an input position, turn the bytes there into a
// reconstructable precompressed payload, and reverse that transform
// exactly; the scanner (package precomp) owns dispatch, verification, and
// framing and never knows the specifics of any one container format.
package handler

import (
	"io"

	"github.com/precomp-go/precomp/internal/window"
)

// Tag is the one-byte format identifier written into the PCF segment
// header.
type Tag uint8

// Stable format tags. Values must never be renumbered once shipped, since
// they are persisted in PCF streams.
const (
	TagPDFFlate     Tag = 0
	TagZip          Tag = 1
	TagGZip         Tag = 2
	TagPNGSingle    Tag = 3
	TagPNGMulti     Tag = 4
	TagGIF          Tag = 5
	TagJPEG         Tag = 6
	TagSWF          Tag = 7
	TagBase64       Tag = 8
	TagBZip2        Tag = 9
	TagMP3          Tag = 10
	TagBruteDeflate Tag = 254
	TagRawZlib      Tag = 255
)

func (t Tag) String() string {
	switch t {
	case TagPDFFlate:
		return "pdf-flate"
	case TagZip:
		return "zip"
	case TagGZip:
		return "gzip"
	case TagPNGSingle:
		return "png-single-idat"
	case TagPNGMulti:
		return "png-multi-idat"
	case TagGIF:
		return "gif"
	case TagJPEG:
		return "jpeg"
	case TagSWF:
		return "swf"
	case TagBase64:
		return "base64"
	case TagBZip2:
		return "bzip2"
	case TagMP3:
		return "mp3"
	case TagBruteDeflate:
		return "brute-deflate"
	case TagRawZlib:
		return "raw-zlib"
	default:
		return "unknown"
	}
}

// Flags is the per-segment bitfield.
type Flags uint8

const (
	FlagPresent      Flags = 1 << 0
	FlagPenaltyBytes Flags = 1 << 1
	// bits 2..6 are format-specific and are interpreted only by the
	// handler that owns the tag; Handler implementations may define their
	// own named constants in that range.
	FlagRecursionUsed Flags = 1 << 7
)

// PenaltyByte is one (position, replacement) patch applied to recompressed
// output that is otherwise correct except at a bounded set of positions.
type PenaltyByte struct {
	Position    uint32
	Replacement byte
}

// Payload is an owned handle to a precompressed payload, backed either by
// an in-memory buffer or a scratch file.
type Payload interface {
	io.ReadSeeker
	io.Closer
	// Size is the number of bytes the payload occupies.
	Size() int64
}

// Result is everything a successful Precompress call produces for one
// claimed span of input.
type Result struct {
	// OriginalSize is how many bytes of input this segment covers.
	OriginalSize uint64
	// Tag is the specific format tag this result should be framed under,
	// for a handler that owns more than one tag (the PNG handler chooses
	// between TagPNGSingle and TagPNGMulti depending on IDAT chunk count).
	// Handlers that own exactly one tag may leave this zero; the scanner
	// falls back to Tags()[0] in that case.
	Tag Tag
	// Flags carries the per-format bits this handler wants persisted;
	// FlagPresent, FlagPenaltyBytes and FlagRecursionUsed are filled in by
	// the scanner/recursion driver, not the handler.
	Flags Flags
	// HeaderData is the format-specific header: the reconstruction
	// sidecar plus whatever compact metadata (chunk boundaries, line
	// length schema, DHT-inserted flag, ...) the Recompress path needs.
	// It does not include penalty bytes, which the scanner frames
	// separately.
	HeaderData []byte
	// PenaltyBytes is the bounded patch list; strictly
	// increasing positions, all within [0, OriginalSize).
	PenaltyBytes []PenaltyByte
	// Payload is the precompressed payload. The scanner takes ownership
	// and calls Close once the segment has been framed.
	Payload Payload
}

// Handler is the contract every format-specific plug-in implements.
// Implementations must be safe to reuse across many QuickCheck /
// Precompress calls from a single scanner goroutine; the engine never
// calls a Handler's methods concurrently.
type Handler interface {
	// Tags lists the format tag(s) this handler writes on Precompress and
	// is willing to read on Recompress. Most handlers own exactly one tag;
	// the PNG handler owns two (single- and multi-IDAT).
	Tags() []Tag

	// RecursionAllowed reports whether the recursion driver
	// may re-enter the scanner on this handler's precompressed payload.
	// Handlers whose own payload would trivially re-match themselves
	// (e.g. brute raw-deflate re-detecting raw deflate) return false.
	RecursionAllowed() bool

	// DepthLimit optionally bounds the recursion depth this handler's
	// payload may be scanned to, independent of the global
	// Config.MaxRecursionDepth. ok is false when there is no per-handler
	// override.
	DepthLimit() (depth int, ok bool)

	// QuickCheck is a cheap, allocation-light test of whether this
	// handler wants to attempt position pos, given a look-ahead window of
	// window.CheckBuf bytes (fewer only near the end of input). It must not
	// mutate the window.
	QuickCheck(win []byte, pos uint64) bool

	// Precompress attempts the full transform at pos. A (nil, nil) return
	// means the handler looked closer and declined (not an error); a
	// non-nil error is fatal to the current run.
	Precompress(w *window.Window, pos uint64) (*Result, error)

	// ReadHeader parses the format-specific header data written after
	// Result.HeaderData was framed, given the raw segment flags and tag
	// that preceded it on the wire.
	ReadHeader(r io.Reader, flags Flags, tag Tag) (HeaderData, error)

	// Recompress reverses Precompress: given the precompressed payload
	// and the header data produced by ReadHeader, it writes the original
	// bytes to w. Penalty-byte patching is applied by the caller via an
	// interposed writer, not by the handler itself.
	Recompress(payload io.Reader, w io.Writer, hd HeaderData, tag Tag) error
}

// HeaderData is an opaque, handler-owned parse of the format-specific
// header bytes. Handlers type-assert their own concrete type back out of
// this interface; the scanner/container layer never inspects it.
type HeaderData interface {
	// FormatTag is the tag this header data was parsed for, used for
	// sanity checking by the container reader.
	FormatTag() Tag
}

// StreamingCodec is the optional extension point for handlers whose
// payload is produced and consumed a block at a time rather than in one
// shot, so a future handler can bound its own memory use on arbitrarily
// long streams; the scanner still only ever calls the uniform Handler
// interface above.
type StreamingCodec interface {
	// Process consumes from in (up to avail_in bytes) and produces into
	// out (up to avail_out bytes), mirroring zlib's next_in/avail_in/
	// next_out/avail_out/process(eof) shape. It returns the number of
	// bytes consumed and produced, and whether the stream is finished.
	Process(in []byte, out []byte, eof bool) (consumed, produced int, finished bool, err error)
}
