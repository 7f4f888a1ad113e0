package precomp

import "github.com/precomp-go/precomp/handler"

// Progress is reported to the caller as each segment is written: one
// report per segment, in strict output order.
type Progress struct {
	Position     uint64
	OriginalSize uint64
	Tag          handler.Tag
	Uncompressed bool
}

// ProgressFunc is the non-blocking progress callback. Implementations must
// not block; a typical implementation does a non-blocking channel send and
// drops the update if the channel is full.
type ProgressFunc func(Progress)

func sendProgress(fn ProgressFunc, p Progress) {
	if fn == nil {
		return
	}
	fn(p)
}
