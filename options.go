package precomp

import "github.com/precomp-go/precomp/handler"

// FormatSet is a bitmask of per-format enable flags. The scanner consults
// it before a handler is even offered QuickCheck.
type FormatSet uint32

const (
	FormatPDF FormatSet = 1 << iota
	FormatZip
	FormatGZip
	FormatPNG
	FormatGIF
	FormatJPEG
	FormatMP3
	FormatSWF
	FormatBase64
	FormatBZip2
)

// AllFormats enables every whole-stream format handler. Brute/intense mode
// are controlled separately since they carry their own recursion-depth
// caps (Config.BruteDepthLimit / IntenseDepthLimit).
const AllFormats = FormatPDF | FormatZip | FormatGZip | FormatPNG | FormatGIF |
	FormatJPEG | FormatMP3 | FormatSWF | FormatBase64 | FormatBZip2

// Config aggregates every engine tunable. It is immutable once a
// ScannerContext is constructed from it; to change the configuration,
// build a new Config and a new ScannerContext.
type Config struct {
	// VerifyPrecompressed enables the segment verifier. Default on.
	VerifyPrecompressed bool

	// UncompressedBlockLength is the max bytes in a single uncompressed
	// segment before a forced flush. Default 100 MiB.
	UncompressedBlockLength uint64

	// IgnorePositions lists input positions at which no handler may
	// attempt precompression.
	IgnorePositions []uint64

	// MaxRecursionDepth bounds how many times the recursion driver will
	// re-enter the scanner on a handler's own payload. Default 10.
	MaxRecursionDepth int

	// Formats selects which whole-stream handlers are enabled.
	Formats FormatSet

	// IntenseMode enables the raw-zlib handler (tag 255).
	IntenseMode bool
	// IntenseDepthLimit optionally caps recursion depth for raw-zlib
	// claims; zero means "use MaxRecursionDepth".
	IntenseDepthLimit int

	// BruteMode enables the brute-forced raw-deflate handler (tag 254).
	BruteMode bool
	// BruteDepthLimit optionally caps recursion depth for brute-deflate
	// claims; zero means "use MaxRecursionDepth".
	BruteDepthLimit int

	// ProgOnly restricts the JPEG handler to progressive JPEGs.
	ProgOnly bool
	// PDFBMPMode is passed to the PDF handler, which stores it; decoded
	// PDF image streams are not wrapped or padded in either setting.
	PDFBMPMode bool
	// UseMJPEG is accepted and has no effect: no handler reads it, and
	// no Motion-JPEG DHT splice/strip is performed.
	UseMJPEG bool
	// UseBrunsli, UseBrotli and UsePackJPGFallback are accepted and have
	// no effect: the JPEG handler has a single byte-destuffing path and
	// reads none of them.
	UseBrunsli         bool
	UseBrotli          bool
	UsePackJPGFallback bool

	// MinIdentSize is the minimum original_size a partial-match handler
	// will accept. Default 4.
	MinIdentSize uint64

	// PreflateMetaBlockSize is accepted and has no effect: the deflate
	// engine has no meta-block setting to tune. Default 2 MiB.
	PreflateMetaBlockSize int
	// PreflateVerify is accepted and has no effect: the deflate handlers
	// always re-encode and byte-compare (FindLevel) whatever its value.
	PreflateVerify bool

	// ScratchDir is the directory of the scratch manager that
	// NewScannerContext creates. Empty means os.TempDir(). Handler
	// payloads spill through the scratch.Manager passed to NewRegistry,
	// not through this directory.
	ScratchDir string

	// WindowSize bounds how many bytes of look-ahead the window buffers at
	// once, which in turn bounds the largest span any handler can claim in
	// a single Precompress call. Default 64 MiB.
	WindowSize int

	// MaxPenaltyBytes and MaxPenaltyFraction bound the serialized
	// penalty-byte list; defaults 16384 and 1/6.
	MaxPenaltyBytes    int
	MaxPenaltyFraction float64
}

// DefaultConfig returns the engine's default configuration: verification
// on, all whole-stream formats enabled, brute/intense off.
func DefaultConfig() Config {
	return Config{
		VerifyPrecompressed:     true,
		UncompressedBlockLength: 100 * 1024 * 1024,
		MaxRecursionDepth:       10,
		Formats:                 AllFormats,
		MinIdentSize:            4,
		PreflateMetaBlockSize:   2 * 1024 * 1024,
		PreflateVerify:          true,
		MaxPenaltyBytes:         16384,
		MaxPenaltyFraction:      1.0 / 6.0,
		UseBrunsli:              true,
		UsePackJPGFallback:      true,
		WindowSize:              64 * 1024 * 1024,
	}
}

// Option represents an option to NewConfig.
type Option func(*Config)

// NewConfig returns DefaultConfig with opts applied in order.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, fn := range opts {
		fn(&cfg)
	}
	return cfg
}

// WithVerification controls whether every precompressed segment is
// recompressed and byte-compared against the input before being written.
func WithVerification(v bool) Option {
	return func(c *Config) {
		c.VerifyPrecompressed = v
	}
}

// WithUncompressedBlockLength sets the forced-flush threshold for
// uncompressed runs.
func WithUncompressedBlockLength(n uint64) Option {
	return func(c *Config) {
		c.UncompressedBlockLength = n
	}
}

// WithIgnorePositions excludes the given input positions from handler
// dispatch.
func WithIgnorePositions(positions ...uint64) Option {
	return func(c *Config) {
		c.IgnorePositions = append([]uint64(nil), positions...)
	}
}

// WithMaxRecursionDepth bounds how deep the recursion driver will re-enter
// the scanner on a handler's own payload.
func WithMaxRecursionDepth(depth int) Option {
	return func(c *Config) {
		c.MaxRecursionDepth = depth
	}
}

// WithFormats selects which whole-stream handlers are enabled.
func WithFormats(formats FormatSet) Option {
	return func(c *Config) {
		c.Formats = formats
	}
}

// WithIntenseMode enables the raw-zlib handler, optionally capped to the
// given recursion depth; depthLimit 0 means no per-handler cap.
func WithIntenseMode(depthLimit int) Option {
	return func(c *Config) {
		c.IntenseMode = true
		c.IntenseDepthLimit = depthLimit
	}
}

// WithBruteMode enables the brute-forced raw-deflate handler, optionally
// capped to the given recursion depth; depthLimit 0 means no per-handler
// cap.
func WithBruteMode(depthLimit int) Option {
	return func(c *Config) {
		c.BruteMode = true
		c.BruteDepthLimit = depthLimit
	}
}

// WithProgressiveOnly restricts the JPEG handler to progressive JPEGs.
func WithProgressiveOnly(v bool) Option {
	return func(c *Config) {
		c.ProgOnly = v
	}
}

// WithPDFBMPMode sets Config.PDFBMPMode, which the PDF handler stores
// without changing its output.
func WithPDFBMPMode(v bool) Option {
	return func(c *Config) {
		c.PDFBMPMode = v
	}
}

// WithMJPEG sets Config.UseMJPEG, which no handler reads.
func WithMJPEG(v bool) Option {
	return func(c *Config) {
		c.UseMJPEG = v
	}
}

// WithJPEGPaths sets the three JPEG path fields, which the JPEG handler
// does not read.
func WithJPEGPaths(brunsli, brotli, packJPGFallback bool) Option {
	return func(c *Config) {
		c.UseBrunsli = brunsli
		c.UseBrotli = brotli
		c.UsePackJPGFallback = packJPGFallback
	}
}

// WithMinIdentSize sets the minimum span a partial-match handler will
// accept.
func WithMinIdentSize(n uint64) Option {
	return func(c *Config) {
		c.MinIdentSize = n
	}
}

// WithPreflateMetaBlockSize sets Config.PreflateMetaBlockSize, which no
// handler reads.
func WithPreflateMetaBlockSize(n int) Option {
	return func(c *Config) {
		c.PreflateMetaBlockSize = n
	}
}

// WithPreflateVerify sets Config.PreflateVerify, which no handler reads.
func WithPreflateVerify(v bool) Option {
	return func(c *Config) {
		c.PreflateVerify = v
	}
}

// WithScratchDir sets Config.ScratchDir, the directory of the
// ScannerContext's own scratch manager.
func WithScratchDir(dir string) Option {
	return func(c *Config) {
		c.ScratchDir = dir
	}
}

// WithWindowSize bounds the look-ahead window, and with it the largest
// span a single handler claim can cover.
func WithWindowSize(n int) Option {
	return func(c *Config) {
		c.WindowSize = n
	}
}

// WithPenaltyBounds sets the byte and fraction-of-span bounds on a
// segment's serialized penalty-byte list.
func WithPenaltyBounds(maxBytes int, maxFraction float64) Option {
	return func(c *Config) {
		c.MaxPenaltyBytes = maxBytes
		c.MaxPenaltyFraction = maxFraction
	}
}

// handlerEnabled reports whether every tag a handler owns is permitted by the
// Formats bitmask, IntenseMode, or BruteMode (brute/raw-zlib live outside
// the FormatSet bitmask since they have their own depth-limit knobs).
func (c Config) handlerEnabled(h handler.Handler) bool {
	for _, t := range h.Tags() {
		switch t {
		case handler.TagBruteDeflate:
			if !c.BruteMode {
				return false
			}
		case handler.TagRawZlib:
			if !c.IntenseMode {
				return false
			}
		case handler.TagPDFFlate:
			if c.Formats&FormatPDF == 0 {
				return false
			}
		case handler.TagZip:
			if c.Formats&FormatZip == 0 {
				return false
			}
		case handler.TagGZip:
			if c.Formats&FormatGZip == 0 {
				return false
			}
		case handler.TagPNGSingle, handler.TagPNGMulti:
			if c.Formats&FormatPNG == 0 {
				return false
			}
		case handler.TagGIF:
			if c.Formats&FormatGIF == 0 {
				return false
			}
		case handler.TagJPEG:
			if c.Formats&FormatJPEG == 0 {
				return false
			}
		case handler.TagMP3:
			if c.Formats&FormatMP3 == 0 {
				return false
			}
		case handler.TagSWF:
			if c.Formats&FormatSWF == 0 {
				return false
			}
		case handler.TagBase64:
			if c.Formats&FormatBase64 == 0 {
				return false
			}
		case handler.TagBZip2:
			if c.Formats&FormatBZip2 == 0 {
				return false
			}
		}
	}
	return true
}
