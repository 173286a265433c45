// Package pager filters and pages the installed package list.
package pager

import (
	"fmt"
	"strings"
)

// DefaultPageSize matches the rows shown by the package table.
const DefaultPageSize = 10

// Query is the caller-owned table state.
type Query struct {
	Filter   string `json:"filter"`
	PageSize int    `json:"size"`
	Page     int    `json:"page"`
}

// WithFilter returns a copy of q with a new filter, reset to the first page.
func (q Query) WithFilter(filter string) Query {
	q.Filter = filter
	q.Page = 1
	return q
}

// WithPage returns a copy of q pointing at page.
func (q Query) WithPage(page int) Query {
	q.Page = page
	return q
}

// Page is one slice of the filtered list.
type Page struct {
	Items   []string `json:"items"`
	Page    int      `json:"page"`
	Pages   int      `json:"pages"`
	Start   int      `json:"start"`
	End     int      `json:"end"`
	Total   int      `json:"total"`
	Summary string   `json:"summary"`
}

// HasNext reports whether a later page exists.
func (p Page) HasNext() bool { return p.Page < p.Pages }

// HasPrev reports whether an earlier page exists.
func (p Page) HasPrev() bool { return p.Page > 1 }

// Filter returns the entries of all containing filter, case-insensitively,
// in their original order.
func Filter(all []string, filter string) []string {
	needle := strings.ToLower(strings.TrimSpace(filter))
	out := make([]string, 0, len(all))
	for _, item := range all {
		if needle == "" || strings.Contains(strings.ToLower(item), needle) {
			out = append(out, item)
		}
	}
	return out
}

// Paginate filters all and returns the requested page. The page number is
// clamped to the available range.
func Paginate(all []string, q Query) Page {
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	filtered := Filter(all, q.Filter)
	total := len(filtered)
	pages := (total + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}

	p := Page{Items: []string{}, Page: page, Pages: pages, Total: total}
	if total > 0 {
		from := (page - 1) * size
		to := from + size
		if to > total {
			to = total
		}
		p.Items = filtered[from:to]
		p.Start = from + 1
		p.End = to
	}
	p.Summary = fmt.Sprintf("Displaying %d-%d of %d", p.Start, p.End, p.Total)
	return p
}
