// Package browser manages headless Chrome sessions for scrape jobs. Each job
// gets its own browser process with a disposable profile, two tabs (one keeps
// the listing page, one visits product pages), and restart support for crash
// recovery and scheduled rotation.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/logging"
	"github.com/xcellparts/scraper/internal/metrics"
)

// Config controls how Chrome is launched.
type Config struct {
	Headless      bool
	ChromeBin     string
	UserAgent     string
	ProfileRoot   string
	NavTimeout    time.Duration
	RestartSettle time.Duration
}

// Manager owns one browser process and its tabs for a single job. Not safe
// for concurrent use; each job runs its manager from one goroutine.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	jobID  string

	parent context.Context

	allocCancel   context.CancelFunc
	listingCtx    context.Context
	listingCancel context.CancelFunc
	productCtx    context.Context
	productCancel context.CancelFunc

	profileDir string
	restarts   int
}

// NewManager returns a Manager that will launch sessions for the given job.
func NewManager(cfg Config, logger *zap.Logger, jobID string) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logging.ForJob(logger, jobID), jobID: jobID}
}

// Start launches Chrome with a fresh disposable profile and opens both tabs.
// ctx bounds the whole session; cancelling it kills the browser.
func (m *Manager) Start(ctx context.Context, tag string) error {
	m.parent = ctx

	dir, err := m.makeProfileDir(tag)
	if err != nil {
		return err
	}
	m.profileDir = dir

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(dir),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
	)
	if m.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if m.cfg.ChromeBin != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ChromeBin))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	m.allocCancel = allocCancel

	m.listingCtx, m.listingCancel = chromedp.NewContext(allocCtx)
	if err := m.prime(m.listingCtx); err != nil {
		m.Close()
		return fmt.Errorf("start listing tab: %w", err)
	}

	// Second tab in the same browser so the listing page survives product
	// navigation.
	m.productCtx, m.productCancel = chromedp.NewContext(m.listingCtx)
	if err := m.prime(m.productCtx); err != nil {
		m.Close()
		return fmt.Errorf("start product tab: %w", err)
	}

	m.logger.Debug("browser session started",
		zap.String("profile", dir),
		zap.String("tag", tag))
	return nil
}

// prime opens the tab, enables network events, and masks the headless user
// agent.
func (m *Manager) prime(tabCtx context.Context) error {
	runCtx := tabCtx
	if m.cfg.NavTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(tabCtx, m.cfg.NavTimeout)
		defer cancel()
	}
	actions := []chromedp.Action{network.Enable()}
	if m.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(m.cfg.UserAgent))
	}
	actions = append(actions, chromedp.Navigate("about:blank"))
	return chromedp.Run(runCtx, actions...)
}

// ListingTab returns the tab that holds the category page.
func (m *Manager) ListingTab() context.Context { return m.listingCtx }

// ProductTab returns the tab used for individual product pages.
func (m *Manager) ProductTab() context.Context { return m.productCtx }

// Restart tears the browser down and brings up a fresh one with a new
// profile. reason is "rotation" or "recovery".
func (m *Manager) Restart(reason string) error {
	m.restarts++
	m.logger.Info("restarting browser session",
		zap.String("reason", reason),
		zap.Int("restart", m.restarts))
	metrics.SessionRestarted(reason)

	m.Close()
	if m.cfg.RestartSettle > 0 {
		select {
		case <-time.After(m.cfg.RestartSettle):
		case <-m.parent.Done():
			return m.parent.Err()
		}
	}
	return m.Start(m.parent, fmt.Sprintf("%s%d", reason, m.restarts))
}

// Close shuts the browser down and removes the disposable profile. Safe to
// call more than once.
func (m *Manager) Close() {
	if m.productCancel != nil {
		m.productCancel()
		m.productCancel = nil
	}
	if m.listingCancel != nil {
		m.listingCancel()
		m.listingCancel = nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
	}
	if m.profileDir != "" {
		if err := os.RemoveAll(m.profileDir); err != nil {
			m.logger.Warn("failed to remove browser profile",
				zap.String("profile", m.profileDir), zap.Error(err))
		}
		m.profileDir = ""
	}
}

// makeProfileDir creates a unique profile directory so concurrent jobs and
// successive restarts never share browser state.
func (m *Manager) makeProfileDir(tag string) (string, error) {
	root := m.cfg.ProfileRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "scraper-profiles")
	}
	dir := filepath.Join(root, fmt.Sprintf("%s_%d_%s", m.jobID, time.Now().UnixMilli(), tag))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}
