package pagination

import (
	"net/http"
	"strconv"
)

// MaxPerPage caps the per_page query parameter.
const MaxPerPage = 100

// Params holds pagination parameters extracted from query strings.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Offset  int `json:"-"`
}

// DefaultParams returns the first page of 20 items.
func DefaultParams() Params {
	return Params{Page: 1, PerPage: 20}
}

// FromRequest extracts page and per_page from the query string, ignoring
// values that are not positive integers.
func FromRequest(r *http.Request) Params {
	p := DefaultParams()
	q := r.URL.Query()

	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		p.Page = v
	}
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 && v <= MaxPerPage {
		p.PerPage = v
	}

	p.Offset = (p.Page - 1) * p.PerPage
	return p
}

// Slice returns the page of items selected by p. Scoped collections are
// filtered in memory, so paging happens after filtering rather than in SQL.
func Slice[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}
