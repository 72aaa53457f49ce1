package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func rawItems(n int) []json.RawMessage {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1))
	}
	return items
}

func TestNewEnvelope_Links(t *testing.T) {
	u, _ := url.Parse("http://localhost:8080/api/movies/trending?time_window=day&page=2")

	tests := []struct {
		name     string
		page     int
		total    int
		wantNext string
		wantPrev string
	}{
		{"first page", 1, 3, "http://localhost:8080/api/movies/trending?page=2&time_window=day", ""},
		{"middle page", 2, 3, "http://localhost:8080/api/movies/trending?page=3&time_window=day", "http://localhost:8080/api/movies/trending?page=1&time_window=day"},
		{"last page", 3, 3, "", "http://localhost:8080/api/movies/trending?page=2&time_window=day"},
		{"single page", 1, 1, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(&Page{Items: rawItems(2), Page: tt.page, TotalPages: tt.total, TotalResults: 42}, u)

			if !env.Success {
				t.Error("Success = false")
			}
			if env.Pagination.Count != 42 {
				t.Errorf("Count = %d, want 42", env.Pagination.Count)
			}
			if env.Pagination.PageSize != 2 {
				t.Errorf("PageSize = %d, want 2", env.Pagination.PageSize)
			}
			if env.Pagination.CurrentPage != tt.page {
				t.Errorf("CurrentPage = %d, want %d", env.Pagination.CurrentPage, tt.page)
			}
			checkLink(t, "next", env.Pagination.Next, tt.wantNext)
			checkLink(t, "previous", env.Pagination.Previous, tt.wantPrev)
		})
	}
}

func checkLink(t *testing.T, name string, got *string, want string) {
	t.Helper()
	if want == "" {
		if got != nil {
			t.Errorf("%s = %q, want null", name, *got)
		}
		return
	}
	if got == nil {
		t.Fatalf("%s = null, want %q", name, want)
	}
	if *got != want {
		t.Errorf("%s = %q, want %q", name, *got, want)
	}
}

func TestNewEnvelope_WireShape(t *testing.T) {
	env := NewEnvelope(&Page{Page: 1, TotalPages: 1}, nil)

	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	want := `{"success":true,"data":[],"pagination":{"count":0,"next":null,"previous":null,"current_page":1,"total_pages":1,"page_size":0}}`
	if string(body) != want {
		t.Errorf("wire shape mismatch:\n got %s\nwant %s", body, want)
	}
}

func TestSlice(t *testing.T) {
	items := rawItems(45)

	p, err := Slice(items, 3, 20)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if len(p.Items) != 5 || p.TotalPages != 3 || p.TotalResults != 45 {
		t.Errorf("got items=%d total_pages=%d total_results=%d", len(p.Items), p.TotalPages, p.TotalResults)
	}
	if string(p.Items[0]) != `{"id":41}` {
		t.Errorf("first item = %s", p.Items[0])
	}

	if _, err := Slice(items, 4, 20); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("page 4: expected ErrPageOutOfRange, got %v", err)
	}

	empty, err := Slice(nil, 1, 20)
	if err != nil {
		t.Fatalf("empty Slice failed: %v", err)
	}
	if empty.TotalPages != 1 || len(empty.Items) != 0 {
		t.Errorf("empty: total_pages=%d items=%d", empty.TotalPages, len(empty.Items))
	}
}

func TestBatchFetcher_FetchAll(t *testing.T) {
	var calls atomic.Int32
	var inFlight, maxInFlight atomic.Int32

	source := PageSourceFunc(func(ctx context.Context, endpoint string, params map[string]string, page int) (*Page, error) {
		calls.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		if params["movie_id"] == "bad" {
			return nil, errors.New("boom")
		}
		return &Page{Items: []json.RawMessage{json.RawMessage(`{"id":"` + params["movie_id"] + `"}`)}, Page: page, TotalPages: 1}, nil
	})

	reqs := []Request{
		{Endpoint: "recommendations", Params: map[string]string{"movie_id": "1"}, Page: 1},
		{Endpoint: "recommendations", Params: map[string]string{"movie_id": "bad"}, Page: 1},
		{Endpoint: "recommendations", Params: map[string]string{"movie_id": "3"}, Page: 1},
		{Endpoint: "recommendations", Params: map[string]string{"movie_id": "4"}, Page: 1},
		{Endpoint: "recommendations", Params: map[string]string{"movie_id": "5"}, Page: 1},
	}

	fetcher := NewBatchFetcher(source, Config{MaxConcurrency: 2, Timeout: time.Second})
	results := fetcher.FetchAll(context.Background(), reqs)

	if len(results) != len(reqs) {
		t.Fatalf("got %d results, want %d", len(results), len(reqs))
	}
	if calls.Load() != int32(len(reqs)) {
		t.Errorf("source called %d times, want %d", calls.Load(), len(reqs))
	}
	if maxInFlight.Load() > 2 {
		t.Errorf("max in flight = %d, want <= 2", maxInFlight.Load())
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
	}
	if results[1].Err == nil {
		t.Error("expected error for bad request")
	}
	if results[2].Err != nil || string(results[2].Page.Items[0]) != `{"id":"3"}` {
		t.Errorf("result 2 = %+v", results[2])
	}
}

func TestBatchFetcher_CancelledContext(t *testing.T) {
	var calls atomic.Int32
	source := PageSourceFunc(func(ctx context.Context, endpoint string, params map[string]string, page int) (*Page, error) {
		calls.Add(1)
		return &Page{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewBatchFetcher(source, DefaultConfig()).FetchAll(ctx, []Request{{Endpoint: "x", Page: 1}, {Endpoint: "x", Page: 2}})
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("result %d err = %v, want context.Canceled", r.Index, r.Err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("source called %d times after cancellation", calls.Load())
	}
}
