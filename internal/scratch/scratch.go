// Package scratch implements the memstream/scratch-file duality behind
// handler payloads: small precompressed payloads stay in memory; large
// ones spill to a scratch file named with a random 8-hex-digit tag plus a
// purpose suffix, deleted when the owning handler.Payload is closed.
package scratch

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MemThreshold is the default payload size above which Manager spills to a
// scratch file instead of keeping the payload in memory.
const MemThreshold = 25 * 1024 * 1024 // matches the JPEG handler's default in-memory bound

// Manager allocates scratch files under Dir, all sharing one randomly
// generated per-invocation tag so a run's files can be swept together.
type Manager struct {
	Dir string
	tag string
}

// NewManager creates a Manager rooted at dir, generating a fresh 8-hex-digit
// tag. dir must already exist.
func NewManager(dir string) (*Manager, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("scratch: generating tag: %w", err)
	}
	return &Manager{Dir: dir, tag: hex.EncodeToString(raw[:])}, nil
}

// Tag returns the manager's random tag, useful for logging.
func (m *Manager) Tag() string {
	return m.tag
}

// NewFile creates a new scratch file for the given purpose (e.g. "deflate",
// "bzip2-block", "error-dump").
func (m *Manager) NewFile(purpose string) (*File, error) {
	name := filepath.Join(m.Dir, fmt.Sprintf("%s_%s.tmp", m.tag, purpose))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("scratch: creating %s: %w", name, err)
	}
	return &File{f: f, path: name}, nil
}

// RemoveAll best-effort removes every scratch file this Manager created;
// the engine calls it when a run finishes or is aborted.
func (m *Manager) RemoveAll() error {
	matches, err := filepath.Glob(filepath.Join(m.Dir, m.tag+"_*.tmp"))
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range matches {
		if err := os.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// File is a handler.Payload backed by an *os.File. Close removes the
// underlying file; there is no finalizer-based cleanup, so callers must
// Close every Payload they are handed.
type File struct {
	f    *os.File
	path string
}

func (s *File) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *File) Read(p []byte) (int, error)  { return s.f.Read(p) }

func (s *File) Seek(off int64, whence int) (int64, error) { return s.f.Seek(off, whence) }

func (s *File) Size() int64 {
	fi, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Rewind seeks back to the start, for switching from writing to reading.
func (s *File) Rewind() error {
	_, err := s.f.Seek(0, io.SeekStart)
	return err
}

func (s *File) Close() error {
	cerr := s.f.Close()
	rerr := os.Remove(s.path)
	if cerr != nil {
		return cerr
	}
	if rerr != nil && !os.IsNotExist(rerr) {
		return rerr
	}
	return nil
}

// Mem is a handler.Payload backed entirely by memory, used for payloads
// below MemThreshold.
type Mem struct {
	*bytes.Reader
	buf []byte
}

// NewMem wraps buf as a Payload. Ownership of buf passes to the Mem.
func NewMem(buf []byte) *Mem {
	return &Mem{Reader: bytes.NewReader(buf), buf: buf}
}

func (m *Mem) Size() int64 { return int64(len(m.buf)) }

// Close is a no-op: memory payloads need no cleanup.
func (m *Mem) Close() error { return nil }

// NewPayload picks Mem or File depending on len(buf) vs threshold. When it
// spills to disk it writes buf through immediately and rewinds.
func NewPayload(mgr *Manager, purpose string, buf []byte, threshold int) (interface {
	io.ReadSeeker
	io.Closer
	Size() int64
}, error) {
	if len(buf) <= threshold || mgr == nil {
		return NewMem(buf), nil
	}
	f, err := mgr.NewFile(purpose)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
