// Package pagination defines the normalized page unit shared by the upstream
// client and the cache, the response envelope built from it, and a parallel
// batch fetcher for fanning out over many pages.
//
// Example usage:
//
//	env := pagination.NewEnvelope(page, requestURL)
//	// env.Pagination.Next is requestURL with page+1, or nil on the last page
//
//	fetcher := pagination.NewBatchFetcher(source, pagination.DefaultConfig())
//	results := fetcher.FetchAll(ctx, []pagination.Request{
//		{Endpoint: "recommendations", Params: map[string]string{"movie_id": "550"}, Page: 1},
//	})
//
// The batch fetcher:
//   - Spawns a bounded worker pool (default 5 workers)
//   - Applies a per-page timeout
//   - Keeps going when single pages fail (errors are reported per result)
package pagination
