package pagination

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page fetches.
	MaxConcurrency int
	// Timeout per page fetch.
	Timeout time.Duration
}

// DefaultConfig returns the fan-out used for personalized aggregation.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		Timeout:        15 * time.Second,
	}
}

// Request names one page of one endpoint.
type Request struct {
	Endpoint string
	Params   map[string]string
	Page     int
}

// Result is the outcome of one Request. Index is the request's position in
// the batch.
type Result struct {
	Index int
	Page  *Page
	Err   error
}

// BatchFetcher fetches many pages in parallel with a bounded worker pool.
type BatchFetcher struct {
	source PageSource
	config Config
}

// NewBatchFetcher creates a new batch fetcher.
func NewBatchFetcher(source PageSource, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &BatchFetcher{
		source: source,
		config: config,
	}
}

// FetchAll fetches every request and returns one Result per request, in
// request order. A failed page does not stop the batch; its error is
// reported in its Result. If ctx ends early, unfinished requests carry the
// context error.
func (bf *BatchFetcher) FetchAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	start := time.Now()

	queue := make(chan int, len(reqs))
	for i := range reqs {
		results[i] = Result{Index: i, Err: ctx.Err()}
		queue <- i
	}
	close(queue)

	workers := bf.config.MaxConcurrency
	if workers > len(reqs) {
		workers = len(reqs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go bf.worker(ctx, reqs, queue, results, &wg, w)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	log.Debug().
		Int("requests", len(reqs)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch fetch complete")

	return results
}

// worker drains the queue. Each index is owned by exactly one worker, so
// results can be written without locking.
func (bf *BatchFetcher) worker(ctx context.Context, reqs []Request, queue <-chan int, results []Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		if err := ctx.Err(); err != nil {
			results[i] = Result{Index: i, Err: err}
			continue
		}

		req := reqs[i]
		pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		page, err := bf.source.FetchPage(pageCtx, req.Endpoint, req.Params, req.Page)
		cancel()

		if err != nil {
			log.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("endpoint", req.Endpoint).
				Int("page", req.Page).
				Msg("Page fetch failed")
		}

		results[i] = Result{Index: i, Page: page, Err: err}
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", processed).
			Msg("Worker completed")
	}
}
