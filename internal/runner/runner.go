// Package runner executes one admitted scrape job end to end: it owns the
// browser session for the job, walks the product listing, extracts and
// converts images, and reports progress through the registry.
package runner

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/extract"
	"github.com/xcellparts/scraper/internal/logging"
	"github.com/xcellparts/scraper/internal/metrics"
	"github.com/xcellparts/scraper/internal/scrape"
)

// Session is the browser lifecycle the runner drives. *browser.Manager
// satisfies it.
type Session interface {
	Start(ctx context.Context, tag string) error
	Restart(reason string) error
	Close()
	ListingTab() context.Context
	ProductTab() context.Context
}

// Extractor pulls structured data out of rendered pages.
type Extractor interface {
	Navigate(tab context.Context, pageURL string) error
	ListingProducts(tab context.Context, pageURL string) ([]scrape.Product, error)
	ProductImages(tab context.Context, pageURL string) ([]string, error)
	ProductName(tab context.Context) (string, error)
}

// Pipeline converts discovered image URLs into stored records.
type Pipeline interface {
	Process(ctx context.Context, jobID string, productIndex int, productName string, sources []string) []scrape.Image
}

// LogSink receives operator-visible progress lines.
type LogSink interface {
	Log(level, source, message, jobID string)
}

// Config tunes per-job behavior.
type Config struct {
	Budget          extract.Budget
	RotateEvery     int
	PausePoll       time.Duration
	EmptyRetryDelay time.Duration
	ErrorRetryDelay time.Duration
	ProductDelayMin time.Duration
	ProductDelayMax time.Duration
}

// Runner builds and executes job tasks. Safe for concurrent use; all per-job
// state lives in the task.
type Runner struct {
	cfg       Config
	sessions  func(jobID string) Session
	extractor Extractor
	pipeline  Pipeline
	registry  scrape.Registry
	logs      LogSink
	logger    *zap.Logger
}

// New wires a Runner.
func New(cfg Config, sessions func(jobID string) Session, extractor Extractor, pipeline Pipeline, registry scrape.Registry, logs LogSink, logger *zap.Logger) *Runner {
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = 8
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		sessions:  sessions,
		extractor: extractor,
		pipeline:  pipeline,
		registry:  registry,
		logs:      logs,
		logger:    logger,
	}
}

// Run scrapes the job's URL. It returns the final product list; the caller
// owns the job's status transition.
func (r *Runner) Run(ctx context.Context, job scrape.Job) ([]scrape.Product, error) {
	session := r.sessions(job.ID)
	if err := session.Start(ctx, "initial"); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	defer session.Close()

	if scrape.IsSingleProductURL(job.URL) {
		r.log("info", "treating URL as a single product page", job.ID)
		return r.runSingleProduct(ctx, session, job)
	}
	return r.runCategory(ctx, session, job)
}

// runSingleProduct scrapes one product detail page directly.
func (r *Runner) runSingleProduct(ctx context.Context, session Session, job scrape.Job) ([]scrape.Product, error) {
	r.patch(job.ID, scrape.JobPatch{TotalItems: scrape.Int(1)})

	sources, abort := r.extractWithRetries(ctx, session, job.ID, job.URL)
	if abort != nil {
		return nil, abort
	}
	if err := r.checkpoint(ctx, job.ID); err != nil {
		return nil, err
	}

	name, err := r.extractor.ProductName(session.ProductTab())
	if err != nil || name == "" {
		name = job.Model
	}

	product := scrape.Product{
		Name:         name,
		ProductURL:   job.URL,
		SourceImages: sources,
	}
	product.Images = r.pipeline.Process(ctx, job.ID, 0, product.Name, sources)
	if product.Images == nil {
		product.Images = []scrape.Image{}
	}

	products := []scrape.Product{product}
	r.patch(job.ID, scrape.JobPatch{
		ProcessedItems: scrape.Int(1),
		Images:         scrape.Int(len(product.Images)),
		Products:       products,
	})
	metrics.ProductProcessed()
	return products, nil
}

// runCategory walks a category listing product by product.
func (r *Runner) runCategory(ctx context.Context, session Session, job scrape.Job) ([]scrape.Product, error) {
	listing := session.ListingTab()
	if err := r.extractor.Navigate(listing, job.URL); err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	products, err := r.extractor.ListingProducts(listing, job.URL)
	if err != nil {
		return nil, fmt.Errorf("extract listing: %w", err)
	}
	r.log("info", fmt.Sprintf("found %d products on listing page", len(products)), job.ID)
	r.patch(job.ID, scrape.JobPatch{
		TotalItems: scrape.Int(len(products)),
		Products:   snapshotProducts(products),
	})

	totalImages := 0
	for i := range products {
		if err := r.checkpoint(ctx, job.ID); err != nil {
			return products, err
		}
		if i > 0 && i%r.cfg.RotateEvery == 0 {
			if err := session.Restart("rotation"); err != nil {
				return products, fmt.Errorf("rotate browser: %w", err)
			}
		}

		sources, abort := r.extractWithRetries(ctx, session, job.ID, products[i].ProductURL)
		if abort != nil {
			return products, abort
		}
		if len(sources) == 0 && products[i].Img != "" {
			// Keep at least the listing thumbnail when the detail page
			// yielded nothing.
			sources = []string{products[i].Img}
			r.log("warning", "falling back to listing image for "+products[i].Name, job.ID)
		}

		products[i].SourceImages = sources
		products[i].Images = r.pipeline.Process(ctx, job.ID, i, products[i].Name, sources)
		if products[i].Images == nil {
			products[i].Images = []scrape.Image{}
		}
		totalImages += len(products[i].Images)
		metrics.ProductProcessed()

		r.patch(job.ID, scrape.JobPatch{
			ProcessedItems: scrape.Int(i + 1),
			Images:         scrape.Int(totalImages),
			Products:       snapshotProducts(products),
		})

		if i < len(products)-1 {
			if err := r.sleep(ctx, r.productDelay()); err != nil {
				return products, err
			}
		}
	}
	return products, nil
}

// extractWithRetries runs the discovery loop for one product URL under the
// retry budget. The returned error is fatal for the whole job; retryable
// failures are burned down inside.
func (r *Runner) extractWithRetries(ctx context.Context, session Session, jobID, productURL string) ([]string, error) {
	tab := session.ProductTab
	attempt := extract.NewAttempt(r.cfg.Budget)
	for {
		if err := r.checkpoint(ctx, jobID); err != nil {
			return nil, err
		}

		var sources []string
		err := r.extractor.Navigate(tab(), productURL)
		if err == nil {
			sources, err = r.extractor.ProductImages(tab(), productURL)
		}

		switch outcome := attempt.Decide(len(sources), err); outcome {
		case extract.OutcomeAccept:
			return sources, nil
		case extract.OutcomeRetryEmpty:
			r.log("warning", "no images found, retrying "+productURL, jobID)
			if err := r.sleep(ctx, r.cfg.EmptyRetryDelay); err != nil {
				return nil, err
			}
		case extract.OutcomeRetryError:
			r.log("warning", fmt.Sprintf("extraction error, retrying %s: %v", productURL, err), jobID)
			if err := r.sleep(ctx, r.cfg.ErrorRetryDelay); err != nil {
				return nil, err
			}
		case extract.OutcomeRecoverSession:
			r.log("warning", "browser session lost, recovering", jobID)
			if restartErr := session.Restart("recovery"); restartErr != nil {
				return nil, fmt.Errorf("recover browser: %w", restartErr)
			}
		case extract.OutcomeGiveUp:
			r.log("error", fmt.Sprintf("giving up on %s: %v", productURL, err), jobID)
			return nil, nil
		case extract.OutcomeAbort:
			return nil, fmt.Errorf("browser session unrecoverable: %w", err)
		default:
			return nil, fmt.Errorf("unexpected extraction outcome %v", outcome)
		}
	}
}

// checkpoint is the cooperative yield point: it honors stop requests, waits
// out pauses, and observes context cancellation.
func (r *Runner) checkpoint(ctx context.Context, jobID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.registry.StopRequested(jobID) {
			return scrape.ErrStopped
		}
		job, ok := r.registry.Get(jobID)
		if !ok {
			return scrape.ErrStopped
		}
		if !job.PauseRequested {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PausePoll):
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// productDelay returns a jittered pause between product pages.
func (r *Runner) productDelay() time.Duration {
	min, max := r.cfg.ProductDelayMin, r.cfg.ProductDelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (r *Runner) patch(jobID string, patch scrape.JobPatch) {
	r.registry.Patch(jobID, patch)
}

func (r *Runner) log(level, message, jobID string) {
	if r.logs != nil {
		r.logs.Log(level, "scraper", message, jobID)
		return
	}
	logging.ForJob(r.logger, jobID).Info(message)
}

// snapshotProducts copies the slice so registry readers never alias the
// runner's working set.
func snapshotProducts(products []scrape.Product) []scrape.Product {
	out := make([]scrape.Product, len(products))
	copy(out, products)
	return out
}
