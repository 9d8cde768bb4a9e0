// Package persist provides the write-behind state persister used by the
// control plane. Mutations queue a snapshot; at most one disk write runs per
// debounce window, and the file on disk is always a complete snapshot
// (temp file + fsync + atomic rename).
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDelay is the debounce window between a queued snapshot and its
// disk write. A crash loses at most this much history.
const DefaultDelay = 250 * time.Millisecond

// Persister owns one state file and a single pending-snapshot slot.
// QueueWrite never blocks the caller; I/O errors are logged and swallowed —
// the in-memory state stays authoritative.
type Persister struct {
	path  string
	delay time.Duration

	mu      sync.Mutex
	pending any
	timer   *time.Timer
	closed  bool
}

// New creates a persister for path. The parent directory is created on the
// first write.
func New(path string) *Persister {
	return &Persister{path: path, delay: DefaultDelay}
}

// NewWithDelay is New with a custom debounce window (tests use a short one).
func NewWithDelay(path string, delay time.Duration) *Persister {
	return &Persister{path: path, delay: delay}
}

// QueueWrite records snapshot as the next state to persist and arms the
// debounce timer if it is not already armed. Later calls within the window
// replace the pending snapshot; only the newest is written.
func (p *Persister) QueueWrite(snapshot any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = snapshot
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.fire)
	}
}

// fire runs on the timer goroutine: take the pending snapshot, clear the
// slot, write. A snapshot queued mid-write re-arms the timer.
func (p *Persister) fire() {
	p.mu.Lock()
	snapshot := p.pending
	p.pending = nil
	p.timer = nil
	p.mu.Unlock()

	if snapshot == nil {
		return
	}
	if err := p.write(snapshot); err != nil {
		log.Printf("persist: Warning: write %s failed: %v", p.path, err)
	}
}

// Flush writes any pending snapshot synchronously. Called on shutdown.
func (p *Persister) Flush() {
	p.mu.Lock()
	snapshot := p.pending
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.closed = true
	p.mu.Unlock()

	if snapshot == nil {
		return
	}
	if err := p.write(snapshot); err != nil {
		log.Printf("persist: Warning: final flush %s failed: %v", p.path, err)
	}
}

func (p *Persister) write(snapshot any) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return WriteFileAtomic(p.path, data)
}

// Load reads the state file into out. A missing file is not an error
// (ok=false); a corrupt file is logged and treated the same, so callers
// start empty instead of failing.
func (p *Persister) Load(out any) bool {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("persist: Warning: read %s: %v — starting empty", p.path, err)
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Printf("persist: Warning: corrupt state file %s: %v — starting empty", p.path, err)
		return false
	}
	return true
}

// WriteFileAtomic writes data to path using a tmp-fsync-rename pattern so a
// concurrent reader sees either the previous or the next complete file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".lanrage-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
