package precomp

import (
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/container"
	"github.com/precomp-go/precomp/internal/vlint"
)

// SegmentInfo describes one segment of a PCF stream for Inspect, without
// expanding any precompressed payload back to its original bytes.
type SegmentInfo struct {
	Uncompressed      bool
	Tag               handler.Tag
	OriginalSize      uint64
	PrecompressedSize uint64
	HasPenaltyBytes   bool
	RecursionUsed     bool
}

// Inspect walks a PCF stream's segment table, reading exactly as much of
// each handler's header data as ReadHeader consumes but never calling
// Recompress, so a caller can print or audit a stream's structure without
// paying the cost of a full reverse transform. The segment framing is
// self-delimiting, so no payload ever needs expanding to find the next
// segment.
func Inspect(reg *handler.Registry, r io.Reader) ([]SegmentInfo, error) {
	if _, err := container.ReadHeader(r); err != nil {
		return nil, fmt.Errorf("inspect: reading header: %w", err)
	}
	br := container.NewByteScanner(r)
	var out []SegmentInfo
	for {
		kind, err := container.ReadSegmentKind(br)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("inspect: stream ended without EOF marker")
			}
			return nil, fmt.Errorf("inspect: reading segment kind: %w", err)
		}
		if kind == 0 {
			length, err := vlint.Read(br)
			if err != nil {
				return nil, fmt.Errorf("inspect: reading run length: %w", err)
			}
			if length == 0 {
				return out, nil
			}
			if _, err := io.CopyN(io.Discard, br, int64(length)); err != nil {
				return nil, fmt.Errorf("inspect: skipping uncompressed run: %w", err)
			}
			out = append(out, SegmentInfo{Uncompressed: true, OriginalSize: length})
			continue
		}

		flags := handler.Flags(kind)
		tagByte, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("inspect: reading tag: %w", err)
		}
		tag := handler.Tag(tagByte)
		h, ok := reg.ForTag(tag)
		if !ok {
			return nil, fmt.Errorf("inspect: no handler registered for tag %s", tag)
		}
		if _, err := h.ReadHeader(br, flags, tag); err != nil {
			return nil, fmt.Errorf("inspect: reading header for tag %s: %w", tag, err)
		}
		if flags&handler.FlagPenaltyBytes != 0 {
			if _, err := container.DecodePenaltyBytes(br); err != nil {
				return nil, fmt.Errorf("inspect: reading penalty bytes: %w", err)
			}
		}
		recursionUsed := flags&handler.FlagRecursionUsed != 0
		originalSize, precompressedSize, recursionSize, err := container.ReadSizes(br, recursionUsed)
		if err != nil {
			return nil, fmt.Errorf("inspect: reading sizes: %w", err)
		}
		wireLen := precompressedSize
		if recursionUsed {
			wireLen = recursionSize
		}
		if _, err := io.CopyN(io.Discard, br, int64(wireLen)); err != nil {
			return nil, fmt.Errorf("inspect: skipping payload: %w", err)
		}
		out = append(out, SegmentInfo{
			Tag:               tag,
			OriginalSize:      originalSize,
			PrecompressedSize: precompressedSize,
			HasPenaltyBytes:   flags&handler.FlagPenaltyBytes != 0,
			RecursionUsed:     flags&handler.FlagRecursionUsed != 0,
		})
	}
}
