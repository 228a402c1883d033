package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcellparts/scraper/internal/scrape"
)

func sampleJobs() []scrape.Job {
	now := time.Now().UTC()
	return []scrape.Job{
		{
			ID: "done-1", URL: "https://example.com/a", Status: scrape.JobStatusCompleted,
			Model: "Galaxy S24", Products: []scrape.Product{{Name: "Screen"}},
			CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour),
		},
		{
			ID: "running-1", URL: "https://example.com/b", Status: scrape.JobStatusRunning,
			CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "failed-1", URL: "https://example.com/c", Status: scrape.JobStatusFailed,
			Error: "Stopped by user", CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-30 * time.Minute),
		},
	}
}

func TestFlushPersistsOnlyTerminalJobs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	w := NewWriter(root, time.Second, 100, sampleJobs, nil)
	require.NoError(t, w.Flush())

	loaded, err := Load(root)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Most recently updated first.
	assert.Equal(t, "failed-1", loaded[0].ID)
	require.NotNil(t, loaded[0].Error)
	assert.Equal(t, "Stopped by user", *loaded[0].Error)

	assert.Equal(t, "done-1", loaded[1].ID)
	require.Len(t, loaded[1].Products, 1)
	assert.Equal(t, "Screen", loaded[1].Products[0].Name)
}

func TestFlushCapsJobCount(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	jobs := make([]scrape.Job, 0, 5)
	for i := 0; i < 5; i++ {
		jobs = append(jobs, scrape.Job{
			ID:        string(rune('a' + i)),
			Status:    scrape.JobStatusCompleted,
			UpdatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}

	root := t.TempDir()
	w := NewWriter(root, time.Second, 2, func() []scrape.Job { return jobs }, nil)
	require.NoError(t, w.Flush())

	loaded, err := Load(root)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "e", loaded[0].ID)
	assert.Equal(t, "d", loaded[1].ID)
}

func TestScheduleDebouncesWrites(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	calls := 0
	w := NewWriter(root, 30*time.Millisecond, 100, func() []scrape.Job {
		calls++
		return nil
	}, nil)

	for i := 0; i < 10; i++ {
		w.Schedule()
	}
	require.Eventually(t, func() bool { return calls == 1 }, time.Second, 5*time.Millisecond)

	// The window reopens after firing.
	w.Schedule()
	require.Eventually(t, func() bool { return calls == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseStopsPendingAndFlushes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	w := NewWriter(root, time.Hour, 100, sampleJobs, nil)
	w.Schedule()
	require.NoError(t, w.Close())

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	t.Parallel()

	loaded, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestWriteManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	w := NewWriter(root, time.Second, 100, nil, nil)
	job := scrape.Job{
		ID:     "job-1",
		Model:  "iPhone 15 Pro",
		Status: scrape.JobStatusCompleted,
	}
	require.NoError(t, w.WriteManifest(job))

	path := filepath.Join(root, "iphone_15_pro", "manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job-1"`)
}
