package precomp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/container"
)

// writeSegment frames and writes one successful Precompress result to
// dst: preamble, the handler's own header bytes, an optional
// penalty-byte list, sizes, and finally the payload (either the handler's
// raw precompressed bytes, or a nested PCF stream if the recursion driver
// claimed anything inside it; in the latter case precompressed_size still
// records the raw payload length and the extra recursion_size vlint frames
// the nested stream actually written).
func writeSegment(sc *ScannerContext, dst io.Writer, tag handler.Tag, res *handler.Result, recursed []byte, recursionUsed bool) error {
	flags := handler.FlagPresent
	if len(res.PenaltyBytes) > 0 {
		flags |= handler.FlagPenaltyBytes
	}
	if recursionUsed {
		flags |= handler.FlagRecursionUsed
	}
	if err := container.WritePrecompressedPreamble(dst, container.SegmentPreamble{Flags: flags, Tag: tag}); err != nil {
		return fmt.Errorf("segment: writing preamble: %w", err)
	}
	if _, err := dst.Write(res.HeaderData); err != nil {
		return fmt.Errorf("segment: writing header data: %w", err)
	}
	if len(res.PenaltyBytes) > 0 {
		if _, err := dst.Write(container.EncodePenaltyBytes(res.PenaltyBytes)); err != nil {
			return fmt.Errorf("segment: writing penalty bytes: %w", err)
		}
	}

	payloadBytes := recursed
	var recursionSize *uint64
	if recursionUsed {
		sz := uint64(len(recursed))
		recursionSize = &sz
	} else {
		if _, err := res.Payload.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("segment: rewinding payload: %w", err)
		}
		buf, err := io.ReadAll(res.Payload)
		if err != nil {
			return fmt.Errorf("segment: reading payload: %w", err)
		}
		payloadBytes = buf
	}

	if err := container.WriteSizes(dst, res.OriginalSize, uint64(res.Payload.Size()), recursionSize); err != nil {
		return fmt.Errorf("segment: writing sizes: %w", err)
	}
	if _, err := dst.Write(payloadBytes); err != nil {
		return fmt.Errorf("segment: writing payload: %w", err)
	}

	sc.Stats.recordSegment(tag, res.OriginalSize, uint64(len(payloadBytes)))
	if len(res.PenaltyBytes) > 0 {
		sc.Stats.PenaltyByteSegments++
	}
	return nil
}

// readSegmentPayload reads the raw bytes of a non-recursive segment's
// payload, or the nested PCF stream bytes of a recursive one, returning
// them as a bytes.Reader ready for handler.Recompress / recursive
// expansion.
func readSegmentPayload(br io.Reader, precompressedSize uint64) (*bytes.Reader, error) {
	buf := make([]byte, precompressedSize)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("segment: reading payload: %w", err)
	}
	return bytes.NewReader(buf), nil
}
