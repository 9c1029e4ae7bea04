package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	MaxLimit = 500

	TotalCountHeader = "X-Total-Count"
)

// Params holds optional limit/offset query parameters. A zero Limit means
// no limit: list endpoints return every row unless the caller asks for a
// page.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Unbounded reports whether no page size was requested.
func (p Params) Unbounded() bool {
	return p.Limit == 0
}

// Window returns the [start, end) slice bounds of this page within n items.
func (p Params) Window(n int) (int, int) {
	start := p.Offset
	if start > n {
		start = n
	}
	end := n
	if !p.Unbounded() && start+p.Limit < n {
		end = start + p.Limit
	}
	return start, end
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return !p.Unbounded() && p.Offset+p.Limit < total
}

// WriteHeaders reports the unpaged total so array responses stay bare.
func WriteHeaders(c echo.Context, total int) {
	c.Response().Header().Set(TotalCountHeader, strconv.Itoa(total))
}
