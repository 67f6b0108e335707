package handler

import (
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

type PaginationParams struct {
	Limit int
}

// ParsePagination reads ?limit=. Missing or unparsable values fall back to
// DefaultLimit; values above MaxLimit are clamped.
func ParsePagination(r *http.Request) PaginationParams {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	switch {
	case err != nil || limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	return PaginationParams{Limit: limit}
}
