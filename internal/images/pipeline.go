package images

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/metrics"
	"github.com/xcellparts/scraper/internal/scrape"
)

// Pipeline fans image conversions out across a bounded worker pool while
// keeping the output ordered and one record per unique source URL.
type Pipeline struct {
	converter   scrape.Converter
	concurrency int
	clock       scrape.Clock
	logger      *zap.Logger
}

// NewPipeline returns a Pipeline processing at most concurrency images at
// once.
func NewPipeline(converter scrape.Converter, concurrency int, clock scrape.Clock, logger *zap.Logger) *Pipeline {
	if concurrency <= 0 {
		concurrency = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		converter:   converter,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger,
	}
}

// Process converts every unique source URL for one product and returns the
// image records in source order. Ids are deterministic so a re-run of the
// same job produces the same ids.
func (p *Pipeline) Process(ctx context.Context, jobID string, productIndex int, productName string, sources []string) []scrape.Image {
	unique := dedupe(sources)
	records := make([]scrape.Image, len(unique))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for i, source := range unique {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			record := scrape.Image{
				ID:           scrape.ImageID(jobID, productIndex, i),
				URL:          source,
				OriginalURL:  source,
				Index:        i,
				ProductIndex: productIndex,
				ProductName:  productName,
				CreatedAt:    p.now(),
			}

			if ctx.Err() != nil {
				record.Error = "job ended before conversion"
			} else {
				res := p.converter.Convert(ctx, source)
				record.Data = res.Data
				record.Converted = res.Converted
				record.Size = res.Size
				record.Quality = res.Quality
				record.Error = res.Reason
			}

			metrics.ImageStored(record.Converted)
			records[i] = record
		}(i, source)
	}
	wg.Wait()

	return records
}

func (p *Pipeline) now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Now().UTC()
}

func dedupe(sources []string) []string {
	out := make([]string, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
