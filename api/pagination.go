package api

import (
	"net/url"
	"strconv"
)

const (
	defaultEventPage = 50
	maxEventPage     = 200
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// pageRequest is a requested window into a newest-first listing.
type pageRequest struct {
	limit  int
	offset int
}

// pageFromQuery reads limit and offset. Missing, non-numeric and
// non-positive values fall back to the defaults; limit is capped at
// maxEventPage.
func pageFromQuery(q url.Values) pageRequest {
	p := pageRequest{
		limit:  positiveInt(q.Get("limit"), defaultEventPage),
		offset: positiveInt(q.Get("offset"), 0),
	}
	p.limit = min(p.limit, maxEventPage)
	return p
}

func positiveInt(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return fallback
}

// slicePage returns the window of items selected by p. An offset past the
// end yields an empty, non-nil page.
func slicePage[T any](items []T, p pageRequest) ([]T, PaginationMeta) {
	start := min(p.offset, len(items))
	end := min(start+p.limit, len(items))
	return items[start:end:end], PaginationMeta{
		TotalCount: len(items),
		Limit:      p.limit,
		Offset:     p.offset,
		HasMore:    end < len(items),
	}
}
