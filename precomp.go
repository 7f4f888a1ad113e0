// Package precomp implements the Precomp reversible byte-stream
// transform: it rewrites a stream so that embedded
// compressed regions (deflate containers, bzip2, JPEG, MP3, GIF,
// base64-encoded MIME parts) are expanded back into a form a
// general-purpose compressor can shrink further, producing a PCF
// container that Recompress can turn back into the exact original bytes.
package precomp

import (
	"context"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/container"
	"github.com/precomp-go/precomp/internal/handlers/base64"
	"github.com/precomp-go/precomp/internal/handlers/bzip2"
	"github.com/precomp-go/precomp/internal/handlers/deflate"
	"github.com/precomp-go/precomp/internal/handlers/gif"
	"github.com/precomp-go/precomp/internal/handlers/jpeg"
	"github.com/precomp-go/precomp/internal/handlers/mp3"
	"github.com/precomp-go/precomp/internal/scratch"
	"github.com/precomp-go/precomp/internal/vlint"
)

// NewRegistry builds the handler.Registry in fixed priority order:
// structured containers before raw/brute formats, brute-force and intense
// (raw zlib) last since they are the most expensive and least specific.
func NewRegistry(cfg Config, mgr *scratch.Manager) *handler.Registry {
	reg := handler.NewRegistry()
	reg.Register(&deflate.PDF{Scratch: mgr, BMPMode: cfg.PDFBMPMode})
	reg.Register(&deflate.Zip{Scratch: mgr})
	reg.Register(&deflate.GZip{Scratch: mgr})
	reg.Register(&deflate.PNG{Scratch: mgr})
	reg.Register(&deflate.SWF{Scratch: mgr})
	reg.Register(&gif.GIF{
		Scratch:            mgr,
		MaxPenaltyBytes:    cfg.MaxPenaltyBytes,
		MaxPenaltyFraction: cfg.MaxPenaltyFraction,
	})
	reg.Register(&jpeg.JPEG{Scratch: mgr, ProgOnly: cfg.ProgOnly})
	reg.Register(&mp3.MP3{Scratch: mgr})
	reg.Register(&base64.Base64{Scratch: mgr})
	reg.Register(&bzip2.BZip2{
		Scratch:            mgr,
		MaxPenaltyBytes:    cfg.MaxPenaltyBytes,
		MaxPenaltyFraction: cfg.MaxPenaltyFraction,
	})
	reg.Register(&deflate.BruteDeflate{Scratch: mgr, MaxDepth: cfg.BruteDepthLimit})
	reg.Register(&deflate.RawZlib{Scratch: mgr, MaxDepth: cfg.IntenseDepthLimit})
	return reg
}

// Precompress runs the full scan-verify pipeline over src, writing a PCF stream
// to dst. fileName is recorded in the container header; it is
// purely informational and does not affect decoding. Cancelling ctx stops
// the scan at the next iteration boundary; in-flight codec calls are not
// interrupted but scratch files are cleaned up before returning.
func Precompress(ctx context.Context, cfg Config, reg *handler.Registry, src io.Reader, fileName string, dst io.Writer, progress ProgressFunc) (*Statistics, error) {
	sc, err := NewScannerContext(cfg, reg, progress)
	if err != nil {
		return nil, fmt.Errorf("precomp: %w", err)
	}
	defer sc.Scratch.RemoveAll()

	if err := container.WriteHeader(dst, container.Header{
		Major: container.VersionMajor, Minor: container.VersionMinor, Patch: container.VersionPatch,
		InputFileName: fileName,
	}); err != nil {
		return nil, fmt.Errorf("precomp: writing header: %w", err)
	}
	if _, err := scanBody(ctx, sc, src, dst); err != nil {
		return sc.Stats, fmt.Errorf("precomp: %w", err)
	}
	if err := container.WriteEOF(dst); err != nil {
		return sc.Stats, fmt.Errorf("precomp: writing EOF: %w", err)
	}
	return sc.Stats, nil
}

// Recompress reverses a PCF stream written by Precompress, writing the
// exact original bytes to dst.
func Recompress(ctx context.Context, reg *handler.Registry, src io.Reader, dst io.Writer) error {
	if _, err := container.ReadHeader(src); err != nil {
		return fmt.Errorf("recompress: reading header: %w", err)
	}
	return recompressBody(ctx, reg, src, dst)
}

func recompressBody(ctx context.Context, reg *handler.Registry, src io.Reader, dst io.Writer) error {
	br := container.NewByteScanner(src)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		kind, err := container.ReadSegmentKind(br)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("recompress: stream ended without EOF marker")
			}
			return fmt.Errorf("recompress: reading segment kind: %w", err)
		}
		if kind == 0 {
			length, err := vlint.Read(br)
			if err != nil {
				return fmt.Errorf("recompress: reading run length: %w", err)
			}
			if length == 0 {
				return nil // terminating EOF marker
			}
			buf := make([]byte, length)
			if _, err := io.ReadFull(br, buf); err != nil {
				return fmt.Errorf("recompress: reading uncompressed run: %w", err)
			}
			if _, err := dst.Write(buf); err != nil {
				return err
			}
			continue
		}

		flags := handler.Flags(kind)
		tagByte, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("recompress: reading tag: %w", err)
		}
		tag := handler.Tag(tagByte)
		h, ok := reg.ForTag(tag)
		if !ok {
			return fmt.Errorf("recompress: no handler registered for tag %s", tag)
		}
		hd, err := h.ReadHeader(br, flags, tag)
		if err != nil {
			return fmt.Errorf("recompress: reading header for tag %s: %w", tag, err)
		}
		var penalties []handler.PenaltyByte
		if flags&handler.FlagPenaltyBytes != 0 {
			penalties, err = container.DecodePenaltyBytes(br)
			if err != nil {
				return fmt.Errorf("recompress: reading penalty bytes: %w", err)
			}
		}
		recursionUsed := flags&handler.FlagRecursionUsed != 0
		_, precompressedSize, recursionSize, err := container.ReadSizes(br, recursionUsed)
		if err != nil {
			return fmt.Errorf("recompress: reading sizes: %w", err)
		}
		// The bytes on the wire are the nested PCF stream when recursion was
		// used; precompressed_size then records the expanded payload length.
		wireLen := precompressedSize
		if recursionUsed {
			wireLen = recursionSize
		}
		payloadBuf, err := readSegmentPayload(br, wireLen)
		if err != nil {
			return err
		}
		var payloadReader io.Reader = payloadBuf
		var pr *io.PipeReader
		var nested chan error
		if recursionUsed {
			// The nested PCF stream is expanded through a pipe by a
			// dedicated worker, so the outer handler's reverse codec reads
			// the inner recompress's output as it is produced. The worker is
			// joined below; its error supersedes the read-side error the
			// codec will have seen as a broken pipe.
			var pw *io.PipeWriter
			pr, pw = io.Pipe()
			nested = make(chan error, 1)
			go func() {
				err := Recompress(ctx, reg, payloadBuf, pw)
				pw.CloseWithError(err)
				nested <- err
			}()
			payloadReader = pr
		}
		patched := newPenaltyWriter(dst, penalties)
		herr := h.Recompress(payloadReader, patched, hd, tag)
		if nested != nil {
			// unblock the worker if the codec stopped reading early
			pr.CloseWithError(herr)
			if werr := <-nested; werr != nil {
				return fmt.Errorf("recompress: expanding nested stream for tag %s: %w", tag, werr)
			}
		}
		if herr != nil {
			return fmt.Errorf("recompress: handler recompress for tag %s: %w", tag, herr)
		}
		if err := patched.Close(); err != nil {
			return fmt.Errorf("recompress: %w", err)
		}
	}
}
