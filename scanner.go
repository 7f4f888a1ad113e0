package precomp

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/container"
	"github.com/precomp-go/precomp/internal/window"
)

// scanBody implements the scan loop: at every position,
// offer each enabled, non-ignored handler a QuickCheck and, on success, a
// full Precompress attempt; verify the result when Config.VerifyPrecompressed
// is set; recurse into the payload when the handler allows it; and frame
// whatever was claimed via writeSegment. Bytes no handler claims accumulate
// into an uncompressed run, flushed whenever a segment is framed, the
// configured block length is reached, or the stream ends.
//
// scanBody does not write the PCF container header or the terminating EOF
// marker; callers (Precompress for the top-level stream, maybeRecurse for
// a nested one) own that framing.
//
// Cancellation is observed at the start of each iteration:
// in-flight handler/codec calls are never interrupted.
func scanBody(ctx context.Context, sc *ScannerContext, src io.Reader, dst io.Writer) (claimed int, err error) {
	lookahead := sc.Config.WindowSize
	if lookahead == 0 {
		lookahead = 64 * 1024 * 1024
	}
	w := window.New(src, lookahead)

	var pending []byte
	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := container.WriteUncompressedRun(dst, pending); err != nil {
			return err
		}
		sc.Stats.UncompressedBytes += uint64(len(pending))
		sendProgress(sc.Progress, Progress{
			Position:     w.Position() - uint64(len(pending)),
			OriginalSize: uint64(len(pending)),
			Uncompressed: true,
		})
		pending = pending[:0]
		return nil
	}

	blockLen := sc.Config.UncompressedBlockLength
	if blockLen == 0 {
		blockLen = 100 * 1024 * 1024
	}

	for {
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		default:
		}
		pos := w.Position()
		ok, rerr := w.Remaining()
		if rerr != nil {
			return claimed, fmt.Errorf("scanner: %w", rerr)
		}
		if !ok {
			break
		}

		sc.pruneIgnoreSets(pos)

		if sc.ignoreAll.contains(pos) {
			if err := advanceOneUncompressed(w, &pending, &sc.Stats.BytesScanned); err != nil {
				return claimed, err
			}
			continue
		}

		res, h, tag, herr := tryHandlers(sc, w, pos)
		if herr != nil {
			return claimed, herr
		}
		if res == nil {
			if err := advanceOneUncompressed(w, &pending, &sc.Stats.BytesScanned); err != nil {
				return claimed, err
			}
			if uint64(len(pending)) >= blockLen {
				if err := flushPending(); err != nil {
					return claimed, err
				}
			}
			continue
		}

		if err := flushPending(); err != nil {
			return claimed, err
		}

		recursed, recursionUsed, rerr := maybeRecurse(ctx, sc, h, res)
		if rerr != nil {
			res.Payload.Close()
			return claimed, rerr
		}
		if err := writeSegment(sc, dst, tag, res, recursed, recursionUsed); err != nil {
			res.Payload.Close()
			return claimed, err
		}
		res.Payload.Close()

		if err := w.Advance(int(res.OriginalSize)); err != nil {
			return claimed, fmt.Errorf("scanner: advancing past claimed span: %w", err)
		}
		sc.Stats.BytesScanned += res.OriginalSize
		claimed++
		sendProgress(sc.Progress, Progress{Position: pos, OriginalSize: res.OriginalSize, Tag: tag})
	}

	if err := flushPending(); err != nil {
		return claimed, err
	}
	return claimed, nil
}

// advanceOneUncompressed moves the window forward by one byte, appending
// it to pending.
func advanceOneUncompressed(w *window.Window, pending *[]byte, scanned *uint64) error {
	buf, err := w.Peek(1)
	if err != nil {
		return fmt.Errorf("scanner: peeking: %w", err)
	}
	if len(buf) == 0 {
		return io.ErrUnexpectedEOF
	}
	*pending = append(*pending, buf[0])
	if err := w.Advance(1); err != nil {
		return err
	}
	*scanned++
	return nil
}

// tryHandlers offers pos to every enabled, non-ignored handler in
// registration order, running QuickCheck then Precompress then (if
// enabled) verification. The first handler whose result survives
// verification wins; handlers that decline or fail verification are
// recorded in stats and skipped.
func tryHandlers(sc *ScannerContext, w *window.Window, pos uint64) (*handler.Result, handler.Handler, handler.Tag, error) {
	peek, _ := w.Peek(window.CheckBuf)
	for _, h := range sc.Registry.Ordered() {
		if !sc.Config.handlerEnabled(h) {
			continue
		}
		if dl, ok := h.DepthLimit(); ok && sc.Depth > dl {
			continue
		}
		tags := h.Tags()
		skip := false
		for _, t := range tags {
			if sc.ignoreSetFor(t).contains(pos) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if !h.QuickCheck(peek, pos) {
			continue
		}
		res, err := h.Precompress(w, pos)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("scanner: handler precompress at %d: %w", pos, err)
		}
		if res == nil {
			sc.Stats.HandlerRejections++
			continue
		}
		if res.OriginalSize < sc.Config.MinIdentSize {
			res.Payload.Close()
			sc.Stats.HandlerRejections++
			continue
		}
		tag := resultTag(h, res)
		hd, err := h.ReadHeader(bytes.NewReader(res.HeaderData), res.Flags, tag)
		if err != nil {
			res.Payload.Close()
			sc.Stats.HandlerRejections++
			sc.ignoreSetFor(tag).insert(pos)
			continue
		}
		if sc.Config.VerifyPrecompressed {
			original, err := w.Reread(pos, int(res.OriginalSize))
			if err != nil {
				res.Payload.Close()
				sc.Stats.HandlerRejections++
				sc.ignoreSetFor(tag).insert(pos)
				continue
			}
			if err := verify(h, tag, res, hd, bytes.NewReader(original)); err != nil {
				sc.Stats.VerificationFailures++
				res.Payload.Close()
				sc.ignoreSetFor(tag).insert(pos)
				continue
			}
		}
		return res, h, tag, nil
	}
	return nil, nil, 0, nil
}

// resultTag picks the format tag a multi-tag handler (currently only the
// PNG handler, choosing between single- and multi-IDAT) actually
// produced; single-tag handlers just return their one tag.
func resultTag(h handler.Handler, res *handler.Result) handler.Tag {
	tags := h.Tags()
	if len(tags) == 1 {
		return tags[0]
	}
	return res.Tag
}
