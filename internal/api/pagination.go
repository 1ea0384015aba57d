package api

import (
	"net/http"
	"strconv"
)

// PaginationParams holds the page/per_page query parameters of list
// endpoints. Out-of-range or unparsable values fall back to defaults;
// per_page is capped so a single request cannot drag the whole table.
type PaginationParams struct {
	Page    int
	PerPage int
}

const perPageCap = 200

// ParsePagination reads pagination parameters from the request query.
// Defaults: page=1, per_page=50.
func ParsePagination(r *http.Request) PaginationParams {
	q := r.URL.Query()
	p := PaginationParams{
		Page:    queryInt(q.Get("page"), 1),
		PerPage: queryInt(q.Get("per_page"), 50),
	}
	if p.PerPage > perPageCap {
		p.PerPage = perPageCap
	}
	return p
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Offset returns the row offset for the current page.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// TotalPages returns how many pages a result set of the given total spans.
func (p PaginationParams) TotalPages(total int64) int {
	if p.PerPage <= 0 {
		return 0
	}
	return int((total + int64(p.PerPage) - 1) / int64(p.PerPage))
}
