// Package images turns discovered image URLs into stored image records,
// converting them to JPEG through an external helper when one is available.
package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/scrape"
)

// ConverterConfig configures the external conversion helper.
type ConverterConfig struct {
	PythonBin string
	Script    string
	Quality   int
	Timeout   time.Duration
}

// PythonConverter shells out to a conversion script that downloads an image
// and re-encodes it as JPEG. When the runtime or the script is unavailable
// the converter degrades to pass-through results instead of failing jobs.
type PythonConverter struct {
	cfg    ConverterConfig
	logger *zap.Logger

	lookPath func(string) (string, error)
	runCmd   func(ctx context.Context, bin string, args ...string) ([]byte, error)

	mu       sync.Mutex
	resolved string
	checked  bool
	warned   bool
}

// NewPythonConverter returns a converter using the given config.
func NewPythonConverter(cfg ConverterConfig, logger *zap.Logger) *PythonConverter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 85
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	return &PythonConverter{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
		runCmd:   runCommand,
	}
}

func runCommand(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	return stdout.Bytes(), err
}

// scriptResult is the JSON contract with the conversion helper.
type scriptResult struct {
	Success bool   `json:"success"`
	Data    string `json:"data"`
	Size    int64  `json:"size"`
	Quality int    `json:"quality"`
	Error   string `json:"error"`
}

// Convert re-encodes the image at imageURL. It never returns an error: any
// failure yields a pass-through result carrying the original URL and a
// reason, so the pipeline always produces a record per image.
func (c *PythonConverter) Convert(ctx context.Context, imageURL string) scrape.ConvertResult {
	bin := c.runtime()
	if bin == "" {
		return scrape.ConvertResult{Reason: "conversion runtime unavailable"}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stdout, err := c.runCmd(runCtx, bin, c.cfg.Script, imageURL, strconv.Itoa(c.cfg.Quality))
	if err != nil {
		c.logger.Debug("image conversion helper failed",
			zap.String("url", imageURL), zap.Error(err))
		return scrape.ConvertResult{Reason: "converter exited with error"}
	}

	var res scriptResult
	if err := json.Unmarshal(stdout, &res); err != nil {
		return scrape.ConvertResult{Reason: "converter produced invalid output"}
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "conversion failed"
		}
		return scrape.ConvertResult{Reason: reason}
	}

	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return scrape.ConvertResult{Reason: "converter returned invalid base64"}
	}

	return scrape.ConvertResult{
		Data:      data,
		Converted: true,
		Size:      res.Size,
		Quality:   res.Quality,
	}
}

// runtime resolves and caches the python binary. The first failed lookup is
// logged once; afterwards every Convert degrades silently.
func (c *PythonConverter) runtime() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checked {
		return c.resolved
	}
	c.checked = true

	candidates := []string{c.cfg.PythonBin, "python3", "python"}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if path, err := c.lookPath(candidate); err == nil {
			c.resolved = path
			return path
		}
	}
	if !c.warned {
		c.warned = true
		c.logger.Warn("no python runtime found, storing images unconverted",
			zap.Strings("candidates", candidates))
	}
	return ""
}

var _ scrape.Converter = (*PythonConverter)(nil)
