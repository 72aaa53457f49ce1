package pagination

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrPageOutOfRange is returned when a locally paginated source is asked for
// a page past its end.
var ErrPageOutOfRange = errors.New("page out of range")

// Page is one normalized page of movie records. Items are kept as raw JSON
// objects so upstream fields survive the round-trip through the cache.
type Page struct {
	Items        []json.RawMessage `json:"items"`
	Page         int               `json:"page"`
	TotalPages   int               `json:"total_pages"`
	TotalResults int               `json:"total_results"`
}

// PageSource produces pages for a logical endpoint.
type PageSource interface {
	FetchPage(ctx context.Context, endpoint string, params map[string]string, page int) (*Page, error)
}

// PageSourceFunc adapts a function to PageSource.
type PageSourceFunc func(ctx context.Context, endpoint string, params map[string]string, page int) (*Page, error)

// FetchPage implements PageSource.
func (f PageSourceFunc) FetchPage(ctx context.Context, endpoint string, params map[string]string, page int) (*Page, error) {
	return f(ctx, endpoint, params, page)
}

// Slice cuts page number `page` of size `size` out of items. The result
// reports the full item count as TotalResults. An empty list still has one
// (empty) page.
func Slice(items []json.RawMessage, page, size int) (*Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if page < 1 {
		return nil, ErrPageOutOfRange
	}

	total := len(items)
	totalPages := (total + size - 1) / size
	if totalPages == 0 {
		totalPages = 1
	}
	if page > totalPages {
		return nil, ErrPageOutOfRange
	}

	start := (page - 1) * size
	end := start + size
	if end > total {
		end = total
	}

	out := make([]json.RawMessage, end-start)
	copy(out, items[start:end])

	return &Page{
		Items:        out,
		Page:         page,
		TotalPages:   totalPages,
		TotalResults: total,
	}, nil
}

// DefaultPageSize is used for sources that paginate locally.
const DefaultPageSize = 20
