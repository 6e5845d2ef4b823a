// Package pagination reads limit/offset query parameters and wraps list
// results with totals and links to neighbouring pages.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string. Missing or
// non-positive limits become DefaultLimit, limits above MaxLimit are capped
// and negative offsets become zero.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Data     []T    `json:"data"`
	Total    int    `json:"total"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
	HasMore  bool   `json:"has_more"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// NewPage wraps data, linking to the neighbouring pages with the request's
// other query parameters kept. Data is never encoded as null.
func NewPage[T any](c echo.Context, data []T, total int, p Params) *Page[T] {
	if data == nil {
		data = []T{}
	}
	page := &Page[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < total,
	}
	u := c.Request().URL
	if page.HasMore {
		page.Next = pageURL(u, p.Limit, p.Offset+p.Limit)
	}
	if p.Offset > 0 {
		page.Previous = pageURL(u, p.Limit, max(p.Offset-p.Limit, 0))
	}
	return page
}

func pageURL(u *url.URL, limit, offset int) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return (&url.URL{Path: u.Path, RawQuery: q.Encode()}).String()
}
