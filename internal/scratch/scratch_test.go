package scratch_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/precomp-go/precomp/internal/scratch"
)

func TestFileNamingAndCleanup(t *testing.T) {
	dir := t.TempDir()
	mgr, err := scratch.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if len(mgr.Tag()) != 8 {
		t.Fatalf("tag %q is not 8 hex digits", mgr.Tag())
	}
	f, err := mgr.NewFile("deflate")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, mgr.Tag()+"_deflate.tmp"))
	if len(matches) != 1 {
		t.Fatalf("scratch file not created with <tag>_<purpose>.tmp naming, glob found %v", matches)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(matches[0]); !os.IsNotExist(err) {
		t.Fatalf("Close did not remove the scratch file: %v", err)
	}
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	mgr, err := scratch.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for _, purpose := range []string{"a", "b", "c"} {
		if _, err := mgr.NewFile(purpose); err != nil {
			t.Fatalf("NewFile(%s): %v", purpose, err)
		}
	}
	if err := mgr.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, mgr.Tag()+"_*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("RemoveAll left files behind: %v", matches)
	}
}

func TestNewPayloadStaysInMemoryBelowThreshold(t *testing.T) {
	p, err := scratch.NewPayload(nil, "x", []byte("small"), 1024)
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	if _, ok := p.(*scratch.Mem); !ok {
		t.Fatalf("payload is %T, want *scratch.Mem", p)
	}
	if p.Size() != 5 {
		t.Fatalf("Size = %d, want 5", p.Size())
	}
}

func TestNewPayloadSpillsAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	mgr, err := scratch.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	data := []byte(strings.Repeat("spill", 100))
	p, err := scratch.NewPayload(mgr, "big", data, 16)
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*scratch.File); !ok {
		t.Fatalf("payload is %T, want *scratch.File", p)
	}
	got, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("spilled payload reads back %d bytes, want %d", len(got), len(data))
	}
}
