// Package snapshot persists terminal job records to disk so completed scrape
// results survive a restart. Writes are debounced: a burst of job updates
// produces one file write.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/scrape"
)

const dbFileName = "jobs-db.json"

// Source yields the current job records to persist.
type Source func() []scrape.Job

// Writer schedules and performs snapshot writes.
type Writer struct {
	root     string
	debounce time.Duration
	maxJobs  int
	source   Source
	logger   *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewWriter returns a Writer storing its database under root.
func NewWriter(root string, debounce time.Duration, maxJobs int, source Source, logger *zap.Logger) *Writer {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if maxJobs <= 0 {
		maxJobs = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		root:     root,
		debounce: debounce,
		maxJobs:  maxJobs,
		source:   source,
		logger:   logger,
	}
}

// Schedule requests a write after the debounce window. Further calls inside
// the window coalesce into the same write.
func (w *Writer) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		if err := w.Flush(); err != nil {
			w.logger.Warn("snapshot write failed", zap.Error(err))
		}
	})
}

// Flush writes the snapshot immediately.
func (w *Writer) Flush() error {
	jobs := w.source()

	terminal := make([]scrape.Summary, 0, len(jobs))
	for _, job := range jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job.Summarize(true))
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].UpdatedAt.After(terminal[j].UpdatedAt)
	})
	if len(terminal) > w.maxJobs {
		terminal = terminal[:w.maxJobs]
	}

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create snapshot root: %w", err)
	}
	data, err := json.MarshalIndent(terminal, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(w.root, dbFileName), data)
}

// Close cancels any pending write and performs a final flush.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.Flush()
}

// WriteManifest stores a per-job manifest next to the job's download folder.
// Best effort companion to the database file; the manifest makes a job's
// folder self-describing.
func (w *Writer) WriteManifest(job scrape.Job) error {
	dir := filepath.Join(w.root, scrape.SanitizeSegment(job.Model, job.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	data, err := json.MarshalIndent(job.Summarize(true), "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return atomicWrite(filepath.Join(dir, "manifest.json"), data)
}

// Load reads a previously written snapshot. A missing file is not an error;
// it returns an empty slice.
func Load(root string) ([]scrape.Summary, error) {
	data, err := os.ReadFile(filepath.Join(root, dbFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var summaries []scrape.Summary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return summaries, nil
}

// atomicWrite writes via a temp file and rename so readers never observe a
// torn snapshot.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
