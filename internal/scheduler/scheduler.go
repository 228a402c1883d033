// Package scheduler admits scrape jobs under a fixed concurrency limit,
// queues the overflow in FIFO order, and enforces a per-job runtime ceiling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/metrics"
	"github.com/xcellparts/scraper/internal/scrape"
)

// Runner executes one admitted job and returns the extracted products. It
// must watch ctx and the registry stop flag and unwind promptly when asked.
type Runner interface {
	Run(ctx context.Context, job scrape.Job) ([]scrape.Product, error)
}

// EventSink receives operator-visible log lines. *events.Broadcaster
// satisfies it.
type EventSink interface {
	Log(level, source, message, jobID string)
}

// Config wires the scheduler.
type Config struct {
	AdmissionLimit int
	MaxRuntime     time.Duration
	Registry       scrape.Registry
	Runner         Runner
	Events         EventSink
	Logger         *zap.Logger
	IDGen          scrape.IDGenerator
	Clock          scrape.Clock

	// OnTerminal is invoked after a job reaches a terminal status, outside
	// the scheduler lock. Optional.
	OnTerminal func(scrape.Job)
}

// Result reports the outcome of a submission.
type Result struct {
	Job       scrape.Summary
	Duplicate bool
	Cached    bool
}

// Scheduler owns job status transitions. Runners report data through the
// registry but never write Status; that keeps a single writer for the state
// machine even when the watchdog and a late task race.
type Scheduler struct {
	cfg      Config
	logger   *zap.Logger
	registry scrape.Registry
	runner   Runner
	events   EventSink

	mu      sync.Mutex
	running int
	queue   []string
	closed  bool

	wg sync.WaitGroup
}

// New validates the config and returns a ready Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.AdmissionLimit <= 0 {
		return nil, errors.New("scheduler: admission limit must be > 0")
	}
	if cfg.MaxRuntime <= 0 {
		return nil, errors.New("scheduler: max runtime must be > 0")
	}
	if cfg.Registry == nil || cfg.Runner == nil {
		return nil, errors.New("scheduler: registry and runner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		registry: cfg.Registry,
		runner:   cfg.Runner,
		events:   cfg.Events,
	}, nil
}

// Submit registers a job for the URL and schedules it. Re-submitting an
// active id reports a duplicate without side effects. Re-submitting a
// completed id with the same URL replays the stored result instead of
// scraping again. Any other resubmission reuses the id and starts over.
func (s *Scheduler) Submit(id, url string) (Result, error) {
	if url == "" {
		return Result{}, errors.New("scheduler: url is required")
	}
	if id == "" {
		if s.cfg.IDGen == nil {
			return Result{}, errors.New("scheduler: id generator not configured")
		}
		generated, err := s.cfg.IDGen.NewID()
		if err != nil {
			return Result{}, fmt.Errorf("scheduler: generate job id: %w", err)
		}
		id = generated
	}

	// The registry's atomic get-or-create is the idempotency guard: of two
	// racing submissions only one creates the record, and the loser lands in
	// the existing-record branches below.
	job, created, ok := s.registry.GetOrCreate(id, url)
	if !ok {
		return Result{}, fmt.Errorf("scheduler: job id %s is reserved by a pending deletion", id)
	}
	if !created {
		switch {
		case job.Status.Active():
			s.log("info", "scheduler", "submission ignored, job already active", id)
			return Result{Job: job.Summarize(false), Duplicate: true}, nil
		case job.Status == scrape.JobStatusCompleted && job.URL == url:
			s.log("info", "scheduler", "returning stored result for completed job", id)
			return Result{Job: job.Summarize(true), Cached: true}, nil
		default:
			// Terminal record resubmitted with a fresh or changed URL:
			// reset it and run again under the same id.
			patched, ok := s.registry.Patch(id, scrape.JobPatch{
				URL:            scrape.String(url),
				Status:         scrape.Status(scrape.JobStatusQueued),
				Model:          scrape.String(scrape.InferModel(url)),
				Images:         scrape.Int(0),
				TotalItems:     scrape.Int(0),
				ProcessedItems: scrape.Int(0),
				Error:          scrape.String(""),
				Products:       []scrape.Product{},
				StopRequested:  scrape.Bool(false),
				PauseRequested: scrape.Bool(false),
			})
			if !ok {
				return Result{}, fmt.Errorf("scheduler: job %s vanished during resubmit", id)
			}
			s.registry.ClearControl(id)
			job = patched
		}
	}

	s.enqueue(job.ID)
	return Result{Job: job.Summarize(false)}, nil
}

// enqueue starts the job immediately when a slot is free, otherwise appends
// it to the FIFO wait queue.
func (s *Scheduler) enqueue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.running < s.cfg.AdmissionLimit {
		s.running++
		metrics.SetJobsRunning(s.running)
		s.wg.Add(1)
		go s.run(id)
		return
	}
	s.queue = append(s.queue, id)
	metrics.SetQueueDepth(len(s.queue))
	s.log("info", "scheduler", fmt.Sprintf("all %d slots busy, queued at position %d", s.cfg.AdmissionLimit, len(s.queue)), id)
}

// releaseSlot hands the freed slot to the next waiting job, skipping any that
// were stopped or deleted while queued.
func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		metrics.SetQueueDepth(len(s.queue))
		if s.registry.StopRequested(next) {
			s.mu.Unlock()
			s.finishStopped(next)
			s.mu.Lock()
			continue
		}
		if s.closed {
			break
		}
		s.running++
		metrics.SetJobsRunning(s.running)
		s.wg.Add(1)
		go s.run(next)
		return
	}
	metrics.SetJobsRunning(s.running)
}

type taskResult struct {
	products []scrape.Product
	err      error
}

// run executes one job under the runtime watchdog. The slot is released as
// soon as the job finishes or times out; a timed-out task keeps unwinding in
// the background and its late result is discarded.
func (s *Scheduler) run(id string) {
	defer s.wg.Done()
	defer s.releaseSlot()

	if s.registry.StopRequested(id) {
		s.finishStopped(id)
		return
	}

	job, ok := s.registry.Patch(id, scrape.JobPatch{Status: scrape.Status(scrape.JobStatusRunning)})
	if !ok {
		return
	}
	s.log("info", "scheduler", "job started: "+job.URL, id)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxRuntime)
	defer cancel()

	done := make(chan taskResult, 1)
	go func() {
		products, err := s.runner.Run(ctx, job)
		done <- taskResult{products: products, err: err}
	}()

	select {
	case res := <-done:
		s.finalize(id, res)
	case <-ctx.Done():
		cancel()
		s.log("error", "scheduler", fmt.Sprintf("job exceeded the %s runtime limit", s.cfg.MaxRuntime), id)
		s.finish(id, scrape.JobStatusFailed, fmt.Sprintf("Job timed out after %s", s.cfg.MaxRuntime), nil, "timeout")
		go func() { <-done }()
	}
}

func (s *Scheduler) finalize(id string, res taskResult) {
	switch {
	case res.err == nil && !s.registry.StopRequested(id):
		s.log("success", "scheduler", fmt.Sprintf("job completed with %d products", len(res.products)), id)
		s.finish(id, scrape.JobStatusCompleted, "", res.products, "completed")
	case errors.Is(res.err, scrape.ErrStopped) || s.registry.StopRequested(id):
		s.finishStopped(id)
	default:
		s.log("error", "scheduler", "job failed: "+res.err.Error(), id)
		s.finish(id, scrape.JobStatusFailed, res.err.Error(), res.products, "failed")
	}
}

func (s *Scheduler) finishStopped(id string) {
	s.log("warning", "scheduler", "job stopped by user", id)
	s.finish(id, scrape.JobStatusFailed, scrape.ErrStopped.Error(), nil, "stopped")
}

// finish applies the terminal patch, honors a pending delete, and fires the
// terminal hook.
func (s *Scheduler) finish(id string, status scrape.JobStatus, errMsg string, products []scrape.Product, outcome string) {
	patch := scrape.JobPatch{
		Status:         scrape.Status(status),
		Error:          scrape.String(errMsg),
		PauseRequested: scrape.Bool(false),
	}
	if products != nil {
		patch.Products = products
	}
	job, ok := s.registry.Patch(id, patch)
	metrics.JobFinished(outcome)

	deleted := s.registry.Deleted(id)
	s.registry.ClearControl(id)
	if deleted {
		s.registry.Delete(id)
		s.log("info", "scheduler", "deferred deletion applied", id)
		return
	}
	if ok && s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(job)
	}
}

// Stop flags the job to stop. A running job unwinds at its next checkpoint;
// a queued job is failed in place without ever holding a slot.
func (s *Scheduler) Stop(id string) bool {
	job, ok := s.registry.Get(id)
	if !ok || job.Status.Terminal() {
		return false
	}
	s.registry.RequestStop(id)

	s.mu.Lock()
	queued := removeID(&s.queue, id)
	if queued {
		metrics.SetQueueDepth(len(s.queue))
	}
	s.mu.Unlock()

	if queued {
		s.finishStopped(id)
	}
	return true
}

// Delete removes the job record. Active jobs are stopped first and their
// record removal is deferred until the task unwinds.
func (s *Scheduler) Delete(id string) bool {
	job, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	if !job.Status.Active() {
		s.registry.Delete(id)
		return true
	}

	s.registry.MarkDeleted(id)

	s.mu.Lock()
	queued := removeID(&s.queue, id)
	if queued {
		metrics.SetQueueDepth(len(s.queue))
	}
	s.mu.Unlock()

	if queued || (job.Status == scrape.JobStatusQueued && !s.holdsSlot(id)) {
		// Never admitted; nothing will unwind, so drop the record now.
		s.registry.Delete(id)
		s.registry.ClearControl(id)
	}
	s.log("info", "scheduler", "job deletion requested", id)
	return true
}

// holdsSlot reports whether the job is currently occupying a slot. Queued
// status with no queue entry means the goroutine already started.
func (s *Scheduler) holdsSlot(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.queue {
		if queued == id {
			return false
		}
	}
	return true
}

// PauseAll asks every running job to pause and returns how many were flagged.
func (s *Scheduler) PauseAll() int {
	n := 0
	for _, job := range s.registry.List() {
		if job.Status != scrape.JobStatusRunning {
			continue
		}
		if _, ok := s.registry.Patch(job.ID, scrape.JobPatch{
			Status:         scrape.Status(scrape.JobStatusPaused),
			PauseRequested: scrape.Bool(true),
		}); ok {
			n++
		}
	}
	if n > 0 {
		s.log("warning", "scheduler", fmt.Sprintf("paused %d running jobs", n), "")
	}
	return n
}

// ResumeAll clears the pause flag on every paused job.
func (s *Scheduler) ResumeAll() int {
	n := 0
	for _, job := range s.registry.List() {
		if job.Status != scrape.JobStatusPaused {
			continue
		}
		if _, ok := s.registry.Patch(job.ID, scrape.JobPatch{
			Status:         scrape.Status(scrape.JobStatusRunning),
			PauseRequested: scrape.Bool(false),
		}); ok {
			n++
		}
	}
	if n > 0 {
		s.log("info", "scheduler", fmt.Sprintf("resumed %d paused jobs", n), "")
	}
	return n
}

// Reset stops everything and clears the registry. In-flight tasks unwind
// against tombstones so no record reappears afterwards.
func (s *Scheduler) Reset() int {
	s.mu.Lock()
	s.queue = nil
	metrics.SetQueueDepth(0)
	s.mu.Unlock()

	n := 0
	for _, job := range s.registry.List() {
		if job.Status.Active() {
			n++
		}
	}
	s.registry.Reset()
	s.log("warning", "scheduler", fmt.Sprintf("registry reset, %d active jobs flagged to stop", n), "")
	return n
}

// Depth reports slot usage and queue length.
func (s *Scheduler) Depth() (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, len(s.queue)
}

// Shutdown stops admitting work and waits for in-flight jobs to unwind or
// the context to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) log(level, source, message, jobID string) {
	if s.events != nil {
		s.events.Log(level, source, message, jobID)
		return
	}
	s.logger.Info(message, zap.String("source", source), zap.String("job_id", jobID))
}

func removeID(queue *[]string, id string) bool {
	for i, queued := range *queue {
		if queued == id {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return true
		}
	}
	return false
}
