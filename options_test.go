package precomp

import "testing"

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg := NewConfig(
		WithVerification(false),
		WithFormats(FormatGZip|FormatPNG),
		WithIntenseMode(3),
		WithBruteMode(2),
		WithMaxRecursionDepth(4),
		WithMinIdentSize(16),
		WithIgnorePositions(7, 9),
		WithScratchDir("scratch"),
		WithPenaltyBounds(512, 0.25),
	)
	if cfg.VerifyPrecompressed {
		t.Error("WithVerification(false) not applied")
	}
	if cfg.Formats != FormatGZip|FormatPNG {
		t.Errorf("Formats = %b", cfg.Formats)
	}
	if !cfg.IntenseMode || cfg.IntenseDepthLimit != 3 {
		t.Errorf("intense mode = %v depth %d", cfg.IntenseMode, cfg.IntenseDepthLimit)
	}
	if !cfg.BruteMode || cfg.BruteDepthLimit != 2 {
		t.Errorf("brute mode = %v depth %d", cfg.BruteMode, cfg.BruteDepthLimit)
	}
	if cfg.MaxRecursionDepth != 4 || cfg.MinIdentSize != 16 {
		t.Errorf("depth %d minIdent %d", cfg.MaxRecursionDepth, cfg.MinIdentSize)
	}
	if len(cfg.IgnorePositions) != 2 || cfg.IgnorePositions[0] != 7 {
		t.Errorf("IgnorePositions = %v", cfg.IgnorePositions)
	}
	if cfg.ScratchDir != "scratch" {
		t.Errorf("ScratchDir = %q", cfg.ScratchDir)
	}
	if cfg.MaxPenaltyBytes != 512 || cfg.MaxPenaltyFraction != 0.25 {
		t.Errorf("penalty bounds = %d, %v", cfg.MaxPenaltyBytes, cfg.MaxPenaltyFraction)
	}

	// knobs no option touched keep their defaults
	def := DefaultConfig()
	if cfg.WindowSize != def.WindowSize || cfg.UncompressedBlockLength != def.UncompressedBlockLength {
		t.Error("untouched knobs did not keep their defaults")
	}
}

func TestNewConfigNoOptionsIsDefault(t *testing.T) {
	got, def := NewConfig(), DefaultConfig()
	if got.VerifyPrecompressed != def.VerifyPrecompressed ||
		got.Formats != def.Formats ||
		got.MaxRecursionDepth != def.MaxRecursionDepth ||
		got.MinIdentSize != def.MinIdentSize ||
		got.WindowSize != def.WindowSize ||
		got.MaxPenaltyBytes != def.MaxPenaltyBytes {
		t.Errorf("NewConfig() = %+v, want DefaultConfig()", got)
	}
}
