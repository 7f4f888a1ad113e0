package precomp

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/container"
)

// maybeRecurse implements the recursion driver: if h allows
// it and the depth budget isn't exhausted, res.Payload is re-scanned as
// its own byte stream. If that nested scan claims at least one segment,
// its output is wrapped in a nested PCF stream and returned with used
// set; otherwise recursion is reported unused and the caller falls back
// to writing res.Payload's raw bytes directly, avoiding pointless framing
// overhead for payloads nothing further could be done with.
func maybeRecurse(ctx context.Context, sc *ScannerContext, h handler.Handler, res *handler.Result) (recursed []byte, used bool, err error) {
	if !h.RecursionAllowed() {
		return nil, false, nil
	}
	depthLimit := sc.Config.MaxRecursionDepth
	if dl, ok := h.DepthLimit(); ok {
		depthLimit = dl
	}
	if sc.Depth+1 > depthLimit {
		sc.Stats.RecursionLimitHit = true
		return nil, false, nil
	}

	if _, err := res.Payload.Seek(0, io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("recursion: rewinding payload: %w", err)
	}

	child := sc.child()
	var buf bytes.Buffer
	if err := container.WriteHeader(&buf, container.Header{Major: container.VersionMajor, Minor: container.VersionMinor, Patch: container.VersionPatch}); err != nil {
		return nil, false, fmt.Errorf("recursion: writing nested header: %w", err)
	}
	claimed, err := scanBody(ctx, child, res.Payload, &buf)
	if err != nil {
		return nil, false, fmt.Errorf("recursion: nested scan: %w", err)
	}
	if _, err := res.Payload.Seek(0, io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("recursion: rewinding payload after scan: %w", err)
	}
	if claimed == 0 {
		return nil, false, nil
	}
	if err := container.WriteEOF(&buf); err != nil {
		return nil, false, fmt.Errorf("recursion: writing nested EOF: %w", err)
	}
	sc.Stats.recordRecursionDepth(child.Depth)
	return buf.Bytes(), true, nil
}
