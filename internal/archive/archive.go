// Package archive bundles a job's stored images into a zip. It prefers the
// external zip helper for parity with the conversion tooling and falls back
// to writing the archive in-process when the helper is unavailable.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/scrape"
)

// Config configures the external zip helper.
type Config struct {
	PythonBin string
	Script    string
	Timeout   time.Duration
}

// Builder produces zip archives for jobs.
type Builder struct {
	cfg    Config
	logger *zap.Logger

	lookPath func(string) (string, error)
	runCmd   func(ctx context.Context, bin string, args ...string) error
}

// NewBuilder returns a Builder.
func NewBuilder(cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Builder{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
		runCmd: func(ctx context.Context, bin string, args ...string) error {
			return exec.CommandContext(ctx, bin, args...).Run()
		},
	}
}

// Build returns a zip of every image record that carries data. Records
// without bytes (conversion degraded, download failed) are skipped.
func (b *Builder) Build(ctx context.Context, jobID string, records []scrape.Image) ([]byte, error) {
	withData := make([]scrape.Image, 0, len(records))
	for _, record := range records {
		if len(record.Data) > 0 {
			withData = append(withData, record)
		}
	}
	if len(withData) == 0 {
		return nil, fmt.Errorf("job %s has no stored image data to archive", jobID)
	}

	if data, err := b.buildWithScript(ctx, jobID, withData); err == nil {
		return data, nil
	} else if b.cfg.Script != "" {
		b.logger.Debug("zip helper unavailable, archiving in-process",
			zap.String("job_id", jobID), zap.Error(err))
	}
	return b.buildInProcess(withData)
}

// buildWithScript stages the images in a temp directory and asks the helper
// to zip them.
func (b *Builder) buildWithScript(ctx context.Context, jobID string, records []scrape.Image) ([]byte, error) {
	if b.cfg.Script == "" {
		return nil, fmt.Errorf("no zip helper configured")
	}
	bin := ""
	for _, candidate := range []string{b.cfg.PythonBin, "python3", "python"} {
		if candidate == "" {
			continue
		}
		if path, err := b.lookPath(candidate); err == nil {
			bin = path
			break
		}
	}
	if bin == "" {
		return nil, fmt.Errorf("no python runtime for zip helper")
	}

	stage, err := os.MkdirTemp("", "scraper-zip-"+scrape.SanitizeSegment(jobID, "job"))
	if err != nil {
		return nil, fmt.Errorf("stage archive: %w", err)
	}
	defer os.RemoveAll(stage)

	for _, record := range records {
		if err := os.WriteFile(filepath.Join(stage, entryName(record)), record.Data, 0o644); err != nil {
			return nil, fmt.Errorf("stage image %s: %w", record.ID, err)
		}
	}

	out := filepath.Join(stage, "archive.zip")
	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	if err := b.runCmd(runCtx, bin, b.cfg.Script, stage, out); err != nil {
		return nil, fmt.Errorf("zip helper: %w", err)
	}
	return os.ReadFile(out)
}

// buildInProcess writes the zip with the standard library.
func (b *Builder) buildInProcess(records []scrape.Image) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, record := range records {
		entry, err := w.Create(entryName(record))
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", record.ID, err)
		}
		if _, err := entry.Write(record.Data); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", record.ID, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

// entryName builds a stable, filesystem-safe archive entry per image.
func entryName(record scrape.Image) string {
	name := scrape.SanitizeSegment(record.ProductName, "product")
	return fmt.Sprintf("%s_%d_%d.jpg", name, record.ProductIndex, record.Index)
}
