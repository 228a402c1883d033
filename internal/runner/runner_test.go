package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcellparts/scraper/internal/clock/system"
	"github.com/xcellparts/scraper/internal/extract"
	"github.com/xcellparts/scraper/internal/registry"
	"github.com/xcellparts/scraper/internal/scrape"
)

type fakeSession struct {
	mu             sync.Mutex
	startCalls     int
	closeCalls     int
	restartReasons []string
	startErr       error
	restartErr     error
}

func (f *fakeSession) Start(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeSession) Restart(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartReasons = append(f.restartReasons, reason)
	return f.restartErr
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
}

func (f *fakeSession) ListingTab() context.Context { return context.Background() }
func (f *fakeSession) ProductTab() context.Context { return context.Background() }

type fakeExtractor struct {
	mu       sync.Mutex
	listing  []scrape.Product
	name     string
	images   func(call int, pageURL string) ([]string, error)
	imgCalls int
}

func (f *fakeExtractor) Navigate(tab context.Context, pageURL string) error { return nil }

func (f *fakeExtractor) ListingProducts(tab context.Context, pageURL string) ([]scrape.Product, error) {
	out := make([]scrape.Product, len(f.listing))
	copy(out, f.listing)
	return out, nil
}

func (f *fakeExtractor) ProductImages(tab context.Context, pageURL string) ([]string, error) {
	f.mu.Lock()
	f.imgCalls++
	call := f.imgCalls
	f.mu.Unlock()
	if f.images == nil {
		return []string{pageURL + "/img.jpg"}, nil
	}
	return f.images(call, pageURL)
}

func (f *fakeExtractor) ProductName(tab context.Context) (string, error) { return f.name, nil }

type fakePipeline struct{}

func (fakePipeline) Process(ctx context.Context, jobID string, productIndex int, productName string, sources []string) []scrape.Image {
	out := make([]scrape.Image, len(sources))
	for i, source := range sources {
		out[i] = scrape.Image{
			ID:           scrape.ImageID(jobID, productIndex, i),
			URL:          source,
			OriginalURL:  source,
			Index:        i,
			ProductIndex: productIndex,
			ProductName:  productName,
			Converted:    true,
		}
	}
	return out
}

func listingOf(n int) []scrape.Product {
	out := make([]scrape.Product, n)
	for i := range out {
		out[i] = scrape.Product{
			Name:       fmt.Sprintf("Part %d", i),
			ProductURL: fmt.Sprintf("https://store.example.com/catalog/part-%d", i),
			Img:        fmt.Sprintf("https://store.example.com/media/thumb-%d.jpg", i),
		}
	}
	return out
}

func newRunner(cfg Config, session *fakeSession, ex *fakeExtractor, store *registry.Store) *Runner {
	return New(cfg, func(string) Session { return session }, ex, fakePipeline{}, store, nil, nil)
}

func categoryJob(store *registry.Store, id string) scrape.Job {
	job, _, _ := store.GetOrCreate(id, "https://store.example.com/replacement-parts/galaxy-s24")
	return job
}

func TestRunCategoryHappyPath(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{listing: listingOf(3)}
	r := newRunner(Config{RotateEvery: 8, PausePoll: time.Millisecond}, session, ex, store)

	job := categoryJob(store, "job-1")
	products, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, products, 3)
	for i, p := range products {
		require.Len(t, p.Images, 1)
		assert.Equal(t, scrape.ImageID("job-1", i, 0), p.Images[0].ID)
	}

	got, ok := store.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, 3, got.TotalItems)
	assert.Equal(t, 3, got.ProcessedItems)
	assert.Equal(t, 3, got.Images)

	assert.Equal(t, 1, session.startCalls)
	assert.Equal(t, 1, session.closeCalls)
}

func TestRunRotatesSessionOnSchedule(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{listing: listingOf(5)}
	r := newRunner(Config{RotateEvery: 2, PausePoll: time.Millisecond}, session, ex, store)

	_, err := r.Run(context.Background(), categoryJob(store, "job-rot"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rotation", "rotation"}, session.restartReasons)
	assert.Equal(t, 1, session.closeCalls)
}

func TestRunRecoversFromSessionLoss(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{
		listing: listingOf(1),
		images: func(call int, pageURL string) ([]string, error) {
			if call == 1 {
				return nil, errors.New("chrome error: invalid session id")
			}
			return []string{pageURL + "/img.jpg"}, nil
		},
	}
	r := newRunner(Config{
		Budget:      extract.Budget{SessionRetries: 1},
		RotateEvery: 8,
		PausePoll:   time.Millisecond,
	}, session, ex, store)

	products, err := r.Run(context.Background(), categoryJob(store, "job-rec"))
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, products[0].Images, 1)
	assert.Equal(t, []string{"recovery"}, session.restartReasons)
}

func TestRunAbortsWhenRecoveryExhausted(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{
		listing: listingOf(1),
		images: func(call int, pageURL string) ([]string, error) {
			return nil, errors.New("session deleted")
		},
	}
	r := newRunner(Config{
		Budget:      extract.Budget{SessionRetries: 1},
		RotateEvery: 8,
		PausePoll:   time.Millisecond,
	}, session, ex, store)

	_, err := r.Run(context.Background(), categoryJob(store, "job-dead"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecoverable")
	assert.Equal(t, 1, session.closeCalls)
}

func TestRunFallsBackToListingImage(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{
		listing: listingOf(1),
		images: func(call int, pageURL string) ([]string, error) {
			return nil, nil
		},
	}
	r := newRunner(Config{RotateEvery: 8, PausePoll: time.Millisecond}, session, ex, store)

	products, err := r.Run(context.Background(), categoryJob(store, "job-fb"))
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, products[0].Images, 1)
	assert.Equal(t, "https://store.example.com/media/thumb-0.jpg", products[0].Images[0].URL)
}

func TestRunGivesUpOnPersistentPageError(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{
		listing: listingOf(2),
		images: func(call int, pageURL string) ([]string, error) {
			if pageURL == "https://store.example.com/catalog/part-0" {
				return nil, errors.New("element not interactable")
			}
			return []string{pageURL + "/img.jpg"}, nil
		},
	}
	r := newRunner(Config{RotateEvery: 8, PausePoll: time.Millisecond}, session, ex, store)

	products, err := r.Run(context.Background(), categoryJob(store, "job-gu"))
	require.NoError(t, err)
	require.Len(t, products, 2)
	// First product degrades to its listing thumbnail, second is normal.
	assert.Equal(t, "https://store.example.com/media/thumb-0.jpg", products[0].Images[0].URL)
	assert.Equal(t, "https://store.example.com/catalog/part-1/img.jpg", products[1].Images[0].URL)
}

func TestRunStopsAtCheckpoint(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{
		listing: listingOf(3),
		images: func(call int, pageURL string) ([]string, error) {
			if call == 1 {
				store.RequestStop("job-stop")
			}
			return []string{pageURL + "/img.jpg"}, nil
		},
	}
	r := newRunner(Config{RotateEvery: 8, PausePoll: time.Millisecond}, session, ex, store)

	_, err := r.Run(context.Background(), categoryJob(store, "job-stop"))
	require.ErrorIs(t, err, scrape.ErrStopped)
	assert.Equal(t, 1, session.closeCalls)
}

func TestRunWaitsOutPause(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{listing: listingOf(2)}
	r := newRunner(Config{RotateEvery: 8, PausePoll: 5 * time.Millisecond}, session, ex, store)

	job := categoryJob(store, "job-pause")
	store.Patch("job-pause", scrape.JobPatch{PauseRequested: scrape.Bool(true)})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), job)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("run finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	store.Patch("job-pause", scrape.JobPatch{PauseRequested: scrape.Bool(false)})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume after unpause")
	}
}

func TestRunSingleProductPage(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{}
	ex := &fakeExtractor{name: "Galaxy S24 Screen Assembly"}
	r := newRunner(Config{RotateEvery: 8, PausePoll: time.Millisecond}, session, ex, store)

	url := "https://store.example.com/product/galaxy-s24-screen"
	job, _, _ := store.GetOrCreate("job-single", url)
	products, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Galaxy S24 Screen Assembly", products[0].Name)
	assert.Equal(t, url, products[0].ProductURL)
	require.Len(t, products[0].Images, 1)

	got, _ := store.Get("job-single")
	assert.Equal(t, 1, got.TotalItems)
	assert.Equal(t, 1, got.ProcessedItems)
}

func TestRunStartFailure(t *testing.T) {
	t.Parallel()

	store := registry.New(system.New(), nil)
	session := &fakeSession{startErr: errors.New("chrome not found")}
	r := newRunner(Config{}, session, &fakeExtractor{}, store)

	_, err := r.Run(context.Background(), categoryJob(store, "job-nostart"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start browser")
}
