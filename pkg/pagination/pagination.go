package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one page request: at most Limit items starting at Offset.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string. Missing or
// invalid values fall back to the defaults and the limit is clamped to
// MaxLimit.
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

// Bounds returns the half-open index range of this page within total items.
func (p Params) Bounds(total int) (lo, hi int) {
	lo = min(p.Offset, total)
	hi = min(lo+p.Limit, total)
	return lo, hi
}

// Page returns the items of page p.
func Page[T any](items []T, p Params) []T {
	lo, hi := p.Bounds(len(items))
	return items[lo:hi]
}

// Links returns self, next and previous links. Query parameters of base
// other than limit and offset are kept.
func (p Params) Links(base *url.URL, total int) []Link {
	link := func(rel string, offset int) Link {
		u := *base
		q := u.Query()
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(p.Limit))
		u.RawQuery = q.Encode()
		return Link{Relation: rel, URL: u.RequestURI()}
	}
	links := []Link{link("self", p.Offset)}
	if p.Offset+p.Limit < total {
		links = append(links, link("next", p.Offset+p.Limit))
	}
	if p.Offset > 0 {
		links = append(links, link("previous", max(p.Offset-p.Limit, 0)))
	}
	return links
}

// Link is a single navigation link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Response is the envelope of a paged listing.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < total,
	}
}

// WithLinks attaches navigation links relative to the request URL.
func (r *Response) WithLinks(base *url.URL) *Response {
	r.Links = Params{Limit: r.Limit, Offset: r.Offset}.Links(base, r.Total)
	return r
}
