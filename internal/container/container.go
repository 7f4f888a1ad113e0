// Package container implements the PCF file format: the outer header and
// the framing of uncompressed/precompressed segments. It knows
// nothing about any particular handler's header-data contents beyond their
// length; parsing those bytes is the owning handler.Handler's job.
package container

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/vlint"
)

// Magic is the 3-byte signature every PCF stream starts with.
var Magic = [3]byte{'P', 'C', 'F'}

// Version is the container format version this package writes.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// Header is the fixed-format preamble of a PCF stream.
type Header struct {
	Major, Minor, Patch byte
	// OuterCompression must be 0; the legacy on-the-fly outer-compression
	// mode is no longer supported.
	OuterCompression byte
	InputFileName    string
}

// WriteHeader writes h to w.
func WriteHeader(w io.Writer, h Header) error {
	if h.OuterCompression != 0 {
		return fmt.Errorf("container: outer_compression must be 0, got %d", h.OuterCompression)
	}
	buf := make([]byte, 0, 3+3+len(h.InputFileName)+1)
	buf = append(buf, Magic[:]...)
	buf = append(buf, h.Major, h.Minor, h.Patch, h.OuterCompression)
	buf = append(buf, []byte(h.InputFileName)...)
	buf = append(buf, 0)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a PCF header from r. It reads nothing
// past the header's terminating NUL, so r is positioned at the first
// segment when it returns.
func ReadHeader(r io.Reader) (Header, error) {
	var magic [3]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Header{}, fmt.Errorf("container: reading magic: %w", err)
	}
	if magic != Magic {
		return Header{}, fmt.Errorf("container: bad magic %q, want %q", magic, Magic)
	}
	var versionAndOuter [4]byte
	if _, err := io.ReadFull(r, versionAndOuter[:]); err != nil {
		return Header{}, fmt.Errorf("container: reading version: %w", err)
	}
	if versionAndOuter[3] != 0 {
		return Header{}, fmt.Errorf("container: unsupported outer_compression %d", versionAndOuter[3])
	}
	var name []byte
	var c [1]byte
	for {
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return Header{}, fmt.Errorf("container: reading input_file_name: %w", err)
		}
		if c[0] == 0 {
			break
		}
		name = append(name, c[0])
	}
	return Header{
		Major:            versionAndOuter[0],
		Minor:            versionAndOuter[1],
		Patch:            versionAndOuter[2],
		OuterCompression: versionAndOuter[3],
		InputFileName:    string(name),
	}, nil
}

// WriteUncompressedRun writes an uncompressed segment covering data
// verbatim. A zero-length run is the legal top-level EOF marker.
func WriteUncompressedRun(w io.Writer, data []byte) error {
	if _, err := w.Write([]byte{0x00}); err != nil {
		return err
	}
	if err := vlint.Write(w, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteEOF writes the length==0 uncompressed run that marks end of stream.
func WriteEOF(w io.Writer) error {
	return WriteUncompressedRun(w, nil)
}

// EncodePenaltyBytes serializes a penalty-byte list as `vlint total_len`
// followed by total_len/5 (position_u32_be, replacement_u8) pairs.
func EncodePenaltyBytes(pb []handler.PenaltyByte) []byte {
	out := vlint.Append(nil, uint64(len(pb)*5))
	for _, p := range pb {
		out = append(out,
			byte(p.Position>>24), byte(p.Position>>16), byte(p.Position>>8), byte(p.Position),
			p.Replacement)
	}
	return out
}

// DecodePenaltyBytes reads a penalty-byte list written by
// EncodePenaltyBytes.
func DecodePenaltyBytes(r io.Reader) ([]handler.PenaltyByte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	total, err := vlint.Read(br)
	if err != nil {
		return nil, fmt.Errorf("container: reading penalty byte list length: %w", err)
	}
	if total%5 != 0 {
		return nil, fmt.Errorf("container: penalty byte list length %d is not a multiple of 5", total)
	}
	n := int(total / 5)
	out := make([]handler.PenaltyByte, 0, n)
	var rec [5]byte
	var prevPos int64 = -1
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(toReader(br), rec[:]); err != nil {
			return nil, fmt.Errorf("container: reading penalty byte %d: %w", i, err)
		}
		pos := uint32(rec[0])<<24 | uint32(rec[1])<<16 | uint32(rec[2])<<8 | uint32(rec[3])
		if int64(pos) <= prevPos {
			return nil, fmt.Errorf("container: penalty byte positions must be strictly increasing, got %d after %d", pos, prevPos)
		}
		prevPos = int64(pos)
		out = append(out, handler.PenaltyByte{Position: pos, Replacement: rec[4]})
	}
	return out, nil
}

func toReader(br io.ByteReader) io.Reader {
	if r, ok := br.(io.Reader); ok {
		return r
	}
	return byteReaderAsReader{br}
}

type byteReaderAsReader struct{ br io.ByteReader }

func (b byteReaderAsReader) Read(p []byte) (int, error) {
	for i := range p {
		c, err := b.br.ReadByte()
		if err != nil {
			return i, err
		}
		p[i] = c
	}
	return len(p), nil
}

// SegmentPreamble is the fixed two-byte prefix of a precompressed segment.
type SegmentPreamble struct {
	Flags handler.Flags
	Tag   handler.Tag
}

// WritePrecompressedPreamble writes the flags and format_tag bytes that
// start a precompressed segment.
func WritePrecompressedPreamble(w io.Writer, p SegmentPreamble) error {
	_, err := w.Write([]byte{byte(p.Flags), byte(p.Tag)})
	return err
}

// ReadSegmentKind reads (and consumes) the first byte of the next segment: 0x00 means an
// uncompressed run follows, anything else (with FlagPresent set) is a
// precompressed segment preamble.
func ReadSegmentKind(r *bufio.Reader) (flagsByte byte, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, nil
}

// WriteSizes writes original_size, precompressed_size and, if
// recursionSize is non-nil, recursion_size.
func WriteSizes(w io.Writer, originalSize, precompressedSize uint64, recursionSize *uint64) error {
	if err := vlint.Write(w, originalSize); err != nil {
		return err
	}
	if err := vlint.Write(w, precompressedSize); err != nil {
		return err
	}
	if recursionSize != nil {
		if err := vlint.Write(w, *recursionSize); err != nil {
			return err
		}
	}
	return nil
}

// ReadSizes is the symmetric reader; hasRecursion selects whether a third
// vlint is expected (driven by FlagRecursionUsed in the segment's flags).
func ReadSizes(br io.ByteReader, hasRecursion bool) (originalSize, precompressedSize uint64, recursionSize uint64, err error) {
	if originalSize, err = vlint.Read(br); err != nil {
		return
	}
	if precompressedSize, err = vlint.Read(br); err != nil {
		return
	}
	if hasRecursion {
		if recursionSize, err = vlint.Read(br); err != nil {
			return
		}
	}
	return
}

// NewByteScanner wraps r for use with the vlint/penalty-byte readers
// above, which all want io.ByteReader.
func NewByteScanner(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// DrainToBuffer reads exactly n bytes from r into a fresh buffer; used for
// small in-memory header reads where a handler's ReadHeader wants a
// bytes.Reader instead of the live stream.
func DrainToBuffer(r io.Reader, n int) (*bytes.Reader, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}
