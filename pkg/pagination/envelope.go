package pagination

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// Envelope is the success wire shape for paginated responses.
type Envelope struct {
	Success    bool              `json:"success"`
	Data       []json.RawMessage `json:"data"`
	Pagination Meta              `json:"pagination"`
}

// Meta carries the pagination block of an Envelope. Next and Previous are
// absolute URLs, or null at the boundaries.
type Meta struct {
	Count       int     `json:"count"`
	Next        *string `json:"next"`
	Previous    *string `json:"previous"`
	CurrentPage int     `json:"current_page"`
	TotalPages  int     `json:"total_pages"`
	PageSize    int     `json:"page_size"`
}

// NewEnvelope shapes p for the request at requestURL. Links are derived from
// requestURL, so an envelope must be built per request and never cached.
// A nil requestURL yields no links.
func NewEnvelope(p *Page, requestURL *url.URL) *Envelope {
	items := p.Items
	if items == nil {
		items = []json.RawMessage{}
	}

	env := &Envelope{
		Success: true,
		Data:    items,
		Pagination: Meta{
			Count:       p.TotalResults,
			CurrentPage: p.Page,
			TotalPages:  p.TotalPages,
			PageSize:    len(items),
		},
	}

	if requestURL == nil {
		return env
	}
	if p.Page < p.TotalPages {
		next := PageURL(requestURL, p.Page+1)
		env.Pagination.Next = &next
	}
	if p.Page > 1 {
		prev := PageURL(requestURL, p.Page-1)
		env.Pagination.Previous = &prev
	}

	return env
}

// PageURL returns u with its page query parameter replaced.
func PageURL(u *url.URL, page int) string {
	clone := *u
	q := clone.Query()
	q.Set("page", strconv.Itoa(page))
	clone.RawQuery = q.Encode()
	return clone.String()
}
