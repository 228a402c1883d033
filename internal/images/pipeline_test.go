package images

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcellparts/scraper/internal/scrape"
)

type converterFunc func(ctx context.Context, imageURL string) scrape.ConvertResult

func (f converterFunc) Convert(ctx context.Context, imageURL string) scrape.ConvertResult {
	return f(ctx, imageURL)
}

func TestProcessProducesOrderedRecords(t *testing.T) {
	t.Parallel()

	p := NewPipeline(converterFunc(func(ctx context.Context, url string) scrape.ConvertResult {
		return scrape.ConvertResult{Data: []byte(url), Converted: true, Size: int64(len(url)), Quality: 85}
	}), 3, nil, nil)

	sources := []string{
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/b.jpg",
		"https://cdn.example.com/c.jpg",
	}
	records := p.Process(context.Background(), "job-1", 2, "Screen Assembly", sources)
	require.Len(t, records, 3)

	for i, record := range records {
		assert.Equal(t, fmt.Sprintf("job-1_2_%d", i), record.ID)
		assert.Equal(t, sources[i], record.OriginalURL)
		assert.Equal(t, i, record.Index)
		assert.Equal(t, 2, record.ProductIndex)
		assert.Equal(t, "Screen Assembly", record.ProductName)
		assert.True(t, record.Converted)
		assert.Equal(t, []byte(sources[i]), record.Data)
	}
}

func TestProcessDeduplicatesSources(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := NewPipeline(converterFunc(func(ctx context.Context, url string) scrape.ConvertResult {
		calls.Add(1)
		return scrape.ConvertResult{Converted: true}
	}), 2, nil, nil)

	records := p.Process(context.Background(), "job-1", 0, "Battery", []string{
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/a.jpg",
		"",
		"https://cdn.example.com/b.jpg",
	})
	require.Len(t, records, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	var mu sync.Mutex
	p := NewPipeline(converterFunc(func(ctx context.Context, url string) scrape.ConvertResult {
		n := inflight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return scrape.ConvertResult{}
	}), 2, nil, nil)

	sources := make([]string, 8)
	for i := range sources {
		sources[i] = fmt.Sprintf("https://cdn.example.com/%d.jpg", i)
	}
	records := p.Process(context.Background(), "job-1", 0, "Camera", sources)
	require.Len(t, records, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessDegradesToPassThrough(t *testing.T) {
	t.Parallel()

	p := NewPipeline(converterFunc(func(ctx context.Context, url string) scrape.ConvertResult {
		return scrape.ConvertResult{Reason: "conversion runtime unavailable"}
	}), 3, nil, nil)

	records := p.Process(context.Background(), "job-1", 1, "Frame", []string{"https://cdn.example.com/a.jpg"})
	require.Len(t, records, 1)
	assert.False(t, records[0].Converted)
	assert.Nil(t, records[0].Data)
	assert.Equal(t, "https://cdn.example.com/a.jpg", records[0].URL)
	assert.Equal(t, "conversion runtime unavailable", records[0].Error)
}

func TestProcessCancelledContextSkipsConversion(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := NewPipeline(converterFunc(func(ctx context.Context, url string) scrape.ConvertResult {
		calls.Add(1)
		return scrape.ConvertResult{Converted: true}
	}), 3, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := p.Process(ctx, "job-1", 0, "Speaker", []string{"https://cdn.example.com/a.jpg"})
	require.Len(t, records, 1)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, records[0].Converted)
}
