package precomp

import "github.com/precomp-go/precomp/handler"

// Statistics accumulates the per-run counters reported at the end of a
// precompress invocation: bytes scanned, per-format segment counts and
// savings, recursion depth, and rejection/verification tallies. A fresh
// Statistics is owned by exactly one ScannerContext for the duration of one
// Precompress call; nested recursive scans update the same Statistics so a
// caller gets one aggregate report regardless of recursion depth.
type Statistics struct {
	BytesScanned         uint64
	UncompressedBytes    uint64
	SegmentsByTag        map[handler.Tag]uint64
	BytesSavedByTag      map[handler.Tag]int64
	PenaltyByteSegments  uint64
	VerificationFailures uint64
	HandlerRejections    uint64
	MaxRecursionDepth    int
	RecursionLimitHit    bool
}

// NewStatistics returns a zeroed Statistics ready to accumulate.
func NewStatistics() *Statistics {
	return &Statistics{
		SegmentsByTag:   make(map[handler.Tag]uint64),
		BytesSavedByTag: make(map[handler.Tag]int64),
	}
}

func (s *Statistics) recordSegment(tag handler.Tag, originalSize, precompressedSize uint64) {
	s.SegmentsByTag[tag]++
	s.BytesSavedByTag[tag] += int64(originalSize) - int64(precompressedSize)
}

func (s *Statistics) recordRecursionDepth(depth int) {
	if depth > s.MaxRecursionDepth {
		s.MaxRecursionDepth = depth
	}
}
