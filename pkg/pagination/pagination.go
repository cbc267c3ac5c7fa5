// Package pagination reads page/per_page query parameters and shapes list
// responses.
package pagination

import (
	"net/http"
	"net/url"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

func DefaultParams() Params {
	return Params{Page: 1, PerPage: DefaultPerPage}
}

// FromRequest is lenient: malformed or non-positive values fall back to the
// defaults and per_page is capped at MaxPerPage.
func FromRequest(r *http.Request) Params {
	return FromQuery(r.URL.Query())
}

func FromQuery(q url.Values) Params {
	return Params{
		Page:    positiveOr(q.Get("page"), 1),
		PerPage: positiveOr(q.Get("per_page"), DefaultPerPage),
	}.normalized()
}

func positiveOr(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func (p Params) normalized() Params {
	p.Page = max(p.Page, 1)
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	p.PerPage = min(p.PerPage, MaxPerPage)
	return p
}

func (p Params) Offset() int { return (p.Page - 1) * p.PerPage }

func (p Params) Limit() int { return p.PerPage }

// Result is one page of T plus the counts a client needs to walk the rest.
type Result[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewResult never encodes a nil page as null.
func NewResult[T any](data []T, totalCount int, params Params) Result[T] {
	params = params.normalized()
	if data == nil {
		data = make([]T, 0)
	}
	pages := totalCount / params.PerPage
	if totalCount%params.PerPage != 0 {
		pages++
	}
	return Result[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       params.Page,
		PerPage:    params.PerPage,
		TotalPages: pages,
		HasNext:    params.Page < pages,
		HasPrev:    params.Page > 1,
	}
}
