// Package transcript persists the durable, line-oriented output log for
// each session. Transcripts are the only dispatch artifact with a stable
// on-disk layout: one append-only text file per session, named by the
// session id, living independently of the in-memory job registry.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store manages transcript files under a single directory.
type Store struct {
	dir string
}

// NewStore ensures dir exists and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the transcript file path for a session id.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".log")
}

// Open creates (or truncates) the transcript for a session and returns a
// writer. Lines are flushed to disk on every append so a crash after a
// line was handed to the writer never loses it.
func (s *Store) Open(sessionID string) (*Writer, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}
	f, err := os.Create(s.Path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	return &Writer{f: f}, nil
}

// ReadOutput returns the full transcript for a session. A missing file is
// reported via exists=false, not an error.
func (s *Store) ReadOutput(sessionID string) (exists bool, lines []string, err error) {
	data, err := os.ReadFile(s.Path(sessionID))
	if os.IsNotExist(err) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("read transcript: %w", err)
	}
	return true, splitLines(string(data)), nil
}

// Tail returns up to n trailing lines of a session transcript.
func (s *Store) Tail(sessionID string, n int) ([]string, error) {
	exists, lines, err := s.ReadOutput(sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func splitLines(data string) []string {
	data = strings.TrimSuffix(data, "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

// Writer appends lines to one session transcript.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// Append writes one line and syncs it to the file. The line must not
// contain the trailing newline.
func (w *Writer) Append(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("transcript writer closed")
	}
	bw := bufio.NewWriter(w.f)
	if _, err := bw.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush transcript: %w", err)
	}
	return nil
}

// Close closes the underlying file. Safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
