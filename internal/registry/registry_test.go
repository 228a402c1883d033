package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcellparts/scraper/internal/scrape"
)

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestGetOrCreateInitializesQueuedRecord(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	job, created, ok := s.GetOrCreate("job-1", "https://example.com/parts/galaxy-s24-ultra")
	require.True(t, ok)
	assert.True(t, created)
	assert.Equal(t, scrape.JobStatusQueued, job.Status)
	assert.Equal(t, "Galaxy S24 Ultra", job.Model)
	assert.NotNil(t, job.Products)
	assert.False(t, job.CreatedAt.IsZero())

	again, created, ok := s.GetOrCreate("job-1", "https://example.com/other")
	require.True(t, ok)
	assert.False(t, created)
	assert.Equal(t, job.URL, again.URL, "existing record must not be rebound")
}

func TestGetOrCreateConcurrentSingleCreator(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)

	var wg sync.WaitGroup
	var creates atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, created, ok := s.GetOrCreate("job-1", "https://example.com/a"); ok && created {
				creates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load(), "exactly one caller may create the record")
}

func TestPatchUpdatesAndNotifies(t *testing.T) {
	t.Parallel()

	var notified []scrape.Job
	var mu sync.Mutex
	s := New(newTickClock(), func(job scrape.Job) {
		mu.Lock()
		notified = append(notified, job)
		mu.Unlock()
	})

	s.GetOrCreate("job-1", "https://example.com/a")
	job, ok := s.Patch("job-1", scrape.JobPatch{
		Status:         scrape.Status(scrape.JobStatusRunning),
		TotalItems:     scrape.Int(12),
		ProcessedItems: scrape.Int(3),
	})
	require.True(t, ok)
	assert.Equal(t, scrape.JobStatusRunning, job.Status)
	assert.Equal(t, 12, job.TotalItems)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, scrape.JobStatusRunning, notified[0].Status)
}

func TestPatchMissingJob(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	_, ok := s.Patch("nope", scrape.JobPatch{Status: scrape.Status(scrape.JobStatusRunning)})
	assert.False(t, ok)
}

func TestListOrdersByMostRecentUpdate(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	s.GetOrCreate("old", "https://example.com/a")
	s.GetOrCreate("new", "https://example.com/b")
	s.Patch("old", scrape.JobPatch{Status: scrape.Status(scrape.JobStatusRunning)})

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "old", jobs[0].ID)
	assert.Equal(t, "new", jobs[1].ID)
}

func TestStopRequestClearsPause(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	s.GetOrCreate("job-1", "https://example.com/a")
	s.Patch("job-1", scrape.JobPatch{PauseRequested: scrape.Bool(true)})

	s.RequestStop("job-1")
	require.True(t, s.StopRequested("job-1"))

	job, ok := s.Get("job-1")
	require.True(t, ok)
	assert.True(t, job.StopRequested)
	assert.False(t, job.PauseRequested)
}

func TestMarkDeletedTombstonesID(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	s.GetOrCreate("job-1", "https://example.com/a")
	s.MarkDeleted("job-1")

	assert.True(t, s.Deleted("job-1"))
	assert.True(t, s.StopRequested("job-1"))

	_, ok := s.Get("job-1")
	assert.False(t, ok, "tombstoned record must be hidden")
	assert.Empty(t, s.List())

	_, _, ok = s.GetOrCreate("job-1", "https://example.com/a")
	assert.False(t, ok, "tombstoned id cannot be recreated")

	// Once the in-flight task unwinds, the id is usable again.
	s.Delete("job-1")
	s.ClearControl("job-1")
	_, _, ok = s.GetOrCreate("job-1", "https://example.com/a")
	assert.True(t, ok)
	assert.False(t, s.StopRequested("job-1"))
}

func TestResetFlagsActiveJobs(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	s.GetOrCreate("active", "https://example.com/a")
	s.Patch("active", scrape.JobPatch{Status: scrape.Status(scrape.JobStatusRunning)})
	s.GetOrCreate("done", "https://example.com/b")
	s.Patch("done", scrape.JobPatch{Status: scrape.Status(scrape.JobStatusCompleted)})

	s.Reset()
	assert.Empty(t, s.List())
	assert.True(t, s.StopRequested("active"), "running job must stay stop-flagged")
	assert.False(t, s.StopRequested("done"))
}

func TestRestoreSeedsTerminalJobs(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	errText := "Stopped by user"
	s.Restore([]scrape.Summary{
		{
			ID: "done-1", URL: "https://example.com/a", Status: scrape.JobStatusCompleted,
			Model: "Galaxy S24", Products: []scrape.Product{{Name: "Screen"}},
		},
		{ID: "failed-1", URL: "https://example.com/b", Status: scrape.JobStatusFailed, Error: &errText},
		{URL: "https://example.com/no-id"},
	})

	jobs := s.List()
	require.Len(t, jobs, 2)

	done, ok := s.Get("done-1")
	require.True(t, ok)
	assert.Len(t, done.Products, 1)
	assert.False(t, done.CreatedAt.IsZero())

	failed, ok := s.Get("failed-1")
	require.True(t, ok)
	assert.Equal(t, "Stopped by user", failed.Error)
}

func TestPatchTerminalRecordRejectsProgressWrites(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	s.GetOrCreate("job-1", "https://example.com/a")
	_, ok := s.Patch("job-1", scrape.JobPatch{
		Status:         scrape.Status(scrape.JobStatusFailed),
		ProcessedItems: scrape.Int(4),
	})
	require.True(t, ok)

	// A task unwinding after the watchdog verdict must not mutate counters.
	_, ok = s.Patch("job-1", scrape.JobPatch{
		ProcessedItems: scrape.Int(5),
		Images:         scrape.Int(9),
	})
	assert.False(t, ok)

	job, found := s.Get("job-1")
	require.True(t, found)
	assert.Equal(t, 4, job.ProcessedItems)
	assert.Equal(t, 0, job.Images)

	// An explicit status transition still goes through, so resubmission of a
	// terminal id can reset the record.
	reset, ok := s.Patch("job-1", scrape.JobPatch{
		Status:         scrape.Status(scrape.JobStatusQueued),
		ProcessedItems: scrape.Int(0),
	})
	require.True(t, ok)
	assert.Equal(t, scrape.JobStatusQueued, reset.Status)
}

func TestConcurrentPatches(t *testing.T) {
	t.Parallel()

	s := New(newTickClock(), nil)
	s.GetOrCreate("job-1", "https://example.com/a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Patch("job-1", scrape.JobPatch{ProcessedItems: scrape.Int(n)})
		}(i)
	}
	wg.Wait()

	job, ok := s.Get("job-1")
	require.True(t, ok)
	assert.Less(t, job.ProcessedItems, 20)
}
