package precomp

import (
	"os"
	"sort"

	"github.com/precomp-go/precomp/handler"
	"github.com/precomp-go/precomp/internal/scratch"
)

// ScannerContext hangs all of the engine's otherwise-global state off one
// value threaded through the call graph:
// statistics, per-format ignore-sets, the handler registry, the scratch
// manager, and the current recursion depth. The recursion driver pushes a
// child ScannerContext for each nested scan and pops it on return; nothing
// here is thread-local.
type ScannerContext struct {
	Config   Config
	Registry *handler.Registry
	Stats    *Statistics
	Progress ProgressFunc
	Scratch  *scratch.Manager
	Depth    int

	ignoreSets map[handler.Tag]*ignoreSet
	ignoreAll  *ignoreSet // Config.IgnorePositions, shared across all handlers
}

// NewScannerContext builds the root (depth 0) context for one Precompress
// invocation.
func NewScannerContext(cfg Config, reg *handler.Registry, progress ProgressFunc) (*ScannerContext, error) {
	dir := cfg.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	mgr, err := scratch.NewManager(dir)
	if err != nil {
		return nil, err
	}
	sc := &ScannerContext{
		Config:     cfg,
		Registry:   reg,
		Stats:      NewStatistics(),
		Progress:   progress,
		Scratch:    mgr,
		ignoreSets: make(map[handler.Tag]*ignoreSet),
		ignoreAll:  newIgnoreSet(cfg.IgnorePositions),
	}
	return sc, nil
}

// child derives a ScannerContext for a recursive scan of a handler's
// payload: same configuration, registry, stats and scratch
// manager, depth incremented by one, and fresh per-format ignore-sets
// since positions are now relative to the nested payload.
func (sc *ScannerContext) child() *ScannerContext {
	return &ScannerContext{
		Config:     sc.Config,
		Registry:   sc.Registry,
		Stats:      sc.Stats,
		Progress:   nil, // the recursion driver does not surface nested progress independently
		Scratch:    sc.Scratch,
		Depth:      sc.Depth + 1,
		ignoreSets: make(map[handler.Tag]*ignoreSet),
		ignoreAll:  newIgnoreSet(nil),
	}
}

// ignoreSetFor returns (creating if necessary) the ignore-set for tag.
func (sc *ScannerContext) ignoreSetFor(tag handler.Tag) *ignoreSet {
	s, ok := sc.ignoreSets[tag]
	if !ok {
		s = newIgnoreSet(nil)
		sc.ignoreSets[tag] = s
	}
	return s
}

// pruneIgnoreSets discards every per-format ignore-set entry strictly
// before pos, bounding their memory use as the scan advances.
func (sc *ScannerContext) pruneIgnoreSets(pos uint64) {
	for _, s := range sc.ignoreSets {
		s.prune(pos)
	}
}

// ignoreSet is a sorted set of positions a handler should never be
// re-queried for, pruned as the scan position advances past them.
type ignoreSet struct {
	positions []uint64
}

func newIgnoreSet(initial []uint64) *ignoreSet {
	s := &ignoreSet{positions: append([]uint64(nil), initial...)}
	sort.Slice(s.positions, func(i, j int) bool { return s.positions[i] < s.positions[j] })
	return s
}

func (s *ignoreSet) contains(pos uint64) bool {
	i := sort.Search(len(s.positions), func(i int) bool { return s.positions[i] >= pos })
	return i < len(s.positions) && s.positions[i] == pos
}

// insert records pos, keeping the set sorted.
func (s *ignoreSet) insert(pos uint64) {
	i := sort.Search(len(s.positions), func(i int) bool { return s.positions[i] >= pos })
	if i < len(s.positions) && s.positions[i] == pos {
		return
	}
	s.positions = append(s.positions, 0)
	copy(s.positions[i+1:], s.positions[i:])
	s.positions[i] = pos
}

// prune discards every recorded position strictly before pos, bounding
// memory use as the scan advances.
func (s *ignoreSet) prune(pos uint64) {
	i := sort.Search(len(s.positions), func(i int) bool { return s.positions[i] >= pos })
	s.positions = s.positions[i:]
}

// next returns the smallest recorded position >= from, and whether one
// exists.
func (s *ignoreSet) next(from uint64) (uint64, bool) {
	i := sort.Search(len(s.positions), func(i int) bool { return s.positions[i] >= from })
	if i < len(s.positions) {
		return s.positions[i], true
	}
	return 0, false
}
