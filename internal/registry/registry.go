// Package registry provides the in-memory job store. Every other component
// reads and writes job state through it; mutations funnel through Patch so a
// single choke point applies updates and notifies observers.
package registry

import (
	"sort"
	"sync"

	"github.com/xcellparts/scraper/internal/scrape"
)

// Notifier receives a copy of every job record after a mutation. Used to fan
// updates out to subscribers and schedule snapshots; must not block.
type Notifier func(job scrape.Job)

// Store implements scrape.Registry with a mutex-guarded map plus the two
// control sets used for cooperative cancellation.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]scrape.Job
	stopped  map[string]bool
	deleted  map[string]bool
	clock    scrape.Clock
	notifier Notifier
}

// New constructs a Store. notifier may be nil.
func New(clock scrape.Clock, notifier Notifier) *Store {
	return &Store{
		jobs:     make(map[string]scrape.Job),
		stopped:  make(map[string]bool),
		deleted:  make(map[string]bool),
		clock:    clock,
		notifier: notifier,
	}
}

// GetOrCreate returns the job for id, creating a queued record when absent.
// created reports whether this call inserted the record; the lock makes the
// miss check and the insert atomic, so exactly one concurrent caller sees
// created=true. ok is false while the id is tombstoned by a pending deletion.
func (s *Store) GetOrCreate(id, url string) (scrape.Job, bool, bool) {
	s.mu.Lock()
	if s.deleted[id] {
		s.mu.Unlock()
		return scrape.Job{}, false, false
	}
	job, exists := s.jobs[id]
	if !exists {
		now := s.clock.Now()
		job = scrape.Job{
			ID:        id,
			URL:       url,
			Status:    scrape.JobStatusQueued,
			Model:     scrape.InferModel(url),
			Products:  []scrape.Product{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.jobs[id] = job
	}
	s.mu.Unlock()
	return job, !exists, true
}

// Get fetches a job by id.
func (s *Store) Get(id string) (scrape.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted[id] {
		return scrape.Job{}, false
	}
	job, ok := s.jobs[id]
	return job, ok
}

// List returns all jobs ordered by most recent update first.
func (s *Store) List() []scrape.Job {
	s.mu.RLock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for id, job := range s.jobs {
		if s.deleted[id] {
			continue
		}
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Patch applies the non-nil fields of patch as a whole-record update,
// refreshes UpdatedAt, and notifies observers with the resulting record.
// Terminal records only accept patches carrying a status transition, so a
// task unwinding after the watchdog verdict cannot mutate a finished job.
func (s *Store) Patch(id string, patch scrape.JobPatch) (scrape.Job, bool) {
	s.mu.Lock()
	if s.deleted[id] {
		s.mu.Unlock()
		return scrape.Job{}, false
	}
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return scrape.Job{}, false
	}
	if job.Status.Terminal() && patch.Status == nil {
		s.mu.Unlock()
		return scrape.Job{}, false
	}
	applyPatch(&job, patch)
	if job.Model == "" {
		job.Model = scrape.InferModel(job.URL)
	}
	job.UpdatedAt = s.clock.Now()
	s.jobs[id] = job
	notifier := s.notifier
	s.mu.Unlock()

	if notifier != nil {
		notifier(job)
	}
	return job, true
}

func applyPatch(job *scrape.Job, patch scrape.JobPatch) {
	if patch.URL != nil {
		job.URL = *patch.URL
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Model != nil {
		job.Model = *patch.Model
	}
	if patch.Images != nil {
		job.Images = *patch.Images
	}
	if patch.TotalItems != nil {
		job.TotalItems = *patch.TotalItems
	}
	if patch.ProcessedItems != nil {
		job.ProcessedItems = *patch.ProcessedItems
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Products != nil {
		job.Products = patch.Products
	}
	if patch.StopRequested != nil {
		job.StopRequested = *patch.StopRequested
	}
	if patch.PauseRequested != nil {
		job.PauseRequested = *patch.PauseRequested
	}
}

// Delete removes the record. Callers deleting an active job must mark it
// deleted first so the running task can observe the tombstone and unwind.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// RequestStop flags the job for cooperative stop.
func (s *Store) RequestStop(id string) {
	s.mu.Lock()
	s.stopped[id] = true
	if job, ok := s.jobs[id]; ok {
		job.StopRequested = true
		job.PauseRequested = false
		s.jobs[id] = job
	}
	s.mu.Unlock()
}

// StopRequested reports whether a stop or deletion is pending for id.
func (s *Store) StopRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped[id] || s.deleted[id] {
		return true
	}
	job, ok := s.jobs[id]
	return ok && job.StopRequested
}

// MarkDeleted tombstones the id and implies a stop request.
func (s *Store) MarkDeleted(id string) {
	s.mu.Lock()
	s.deleted[id] = true
	s.stopped[id] = true
	if job, ok := s.jobs[id]; ok {
		job.StopRequested = true
		job.PauseRequested = false
		s.jobs[id] = job
	}
	s.mu.Unlock()
}

// Deleted reports whether id is tombstoned.
func (s *Store) Deleted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleted[id]
}

// ClearControl removes id from both control sets once the in-flight task has
// fully unwound.
func (s *Store) ClearControl(id string) {
	s.mu.Lock()
	delete(s.stopped, id)
	delete(s.deleted, id)
	s.mu.Unlock()
}

// Reset clears every record and control set. Active ids passed in remain
// stop-flagged so their running tasks unwind before the ids can be reused.
func (s *Store) Reset() {
	s.mu.Lock()
	var active []string
	for id, job := range s.jobs {
		if job.Status.Active() {
			active = append(active, id)
		}
	}
	s.stopped = make(map[string]bool)
	s.deleted = make(map[string]bool)
	for _, id := range active {
		s.stopped[id] = true
		s.deleted[id] = true
	}
	s.jobs = make(map[string]scrape.Job)
	s.mu.Unlock()
}

// Restore seeds the store with previously persisted terminal jobs. Control
// flags are cleared; products are kept so cached replays work after restart.
func (s *Store) Restore(summaries []scrape.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sum := range summaries {
		if sum.ID == "" {
			continue
		}
		job := scrape.Job{
			ID:             sum.ID,
			URL:            sum.URL,
			Status:         sum.Status,
			Model:          sum.Model,
			Images:         sum.Images,
			TotalItems:     sum.TotalItems,
			ProcessedItems: sum.ProcessedItems,
			Products:       sum.Products,
			CreatedAt:      sum.CreatedAt,
			UpdatedAt:      sum.UpdatedAt,
		}
		if sum.Error != nil {
			job.Error = *sum.Error
		}
		if job.Products == nil {
			job.Products = []scrape.Product{}
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = s.clock.Now()
		}
		if job.UpdatedAt.IsZero() {
			job.UpdatedAt = job.CreatedAt
		}
		s.jobs[job.ID] = job
	}
}

var _ scrape.Registry = (*Store)(nil)
