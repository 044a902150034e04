package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageSize = 100
	maxPageSize     = 200
)

// parsePagination reads "start" and "pageSize" query parameters. Missing or
// invalid values fall back to defaults (start=0, pageSize=defaultPageSize);
// pageSize is capped at maxPageSize.
func parsePagination(r *http.Request) (start, pageSize int) {
	q := r.URL.Query()

	pageSize = defaultPageSize
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	start = 0
	if v := q.Get("start"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			start = n
		}
	}

	return start, pageSize
}
