package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit}},
		{"?limit=5&offset=10", Params{Limit: 5, Offset: 10}},
		{"?limit=1000", Params{Limit: MaxLimit}},
		{"?limit=0&offset=-3", Params{Limit: DefaultLimit}},
		{"?limit=ten&offset=x", Params{Limit: DefaultLimit}},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/expansions/e/concepts"+tt.query, nil)
			got := FromContext(e.NewContext(req, httptest.NewRecorder()))
			if got != tt.want {
				t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
			}
		})
	}
}

func TestPage(t *testing.T) {
	codes := []string{"A", "B", "C", "D", "E"}
	tests := []struct {
		name   string
		params Params
		want   []string
	}{
		{"first page", Params{Limit: 2}, []string{"A", "B"}},
		{"middle page", Params{Limit: 2, Offset: 2}, []string{"C", "D"}},
		{"short last page", Params{Limit: 2, Offset: 4}, []string{"E"}},
		{"past the end", Params{Limit: 2, Offset: 9}, []string{}},
		{"limit larger than total", Params{Limit: 50}, codes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Page(codes, tt.params); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Page = %v, want %v", got, tt.want)
			}
		})
	}
}

func linkMap(links []Link) map[string]string {
	out := make(map[string]string, len(links))
	for _, l := range links {
		out[l.Relation] = l.URL
	}
	return out
}

func TestParams_Links(t *testing.T) {
	base, _ := url.Parse("/api/v1/expansions/e/concepts?limit=2&offset=2")
	tests := []struct {
		name   string
		params Params
		total  int
		want   map[string]string
	}{
		{
			name:   "single page",
			params: Params{Limit: 10},
			total:  3,
			want:   map[string]string{"self": "/api/v1/expansions/e/concepts?limit=10&offset=0"},
		},
		{
			name:   "middle page",
			params: Params{Limit: 2, Offset: 2},
			total:  6,
			want: map[string]string{
				"self":     "/api/v1/expansions/e/concepts?limit=2&offset=2",
				"next":     "/api/v1/expansions/e/concepts?limit=2&offset=4",
				"previous": "/api/v1/expansions/e/concepts?limit=2&offset=0",
			},
		},
		{
			name:   "previous clamps at zero",
			params: Params{Limit: 5, Offset: 3},
			total:  8,
			want: map[string]string{
				"self":     "/api/v1/expansions/e/concepts?limit=5&offset=3",
				"previous": "/api/v1/expansions/e/concepts?limit=5&offset=0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linkMap(tt.params.Links(base, tt.total)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("links = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParams_LinksKeepOtherQueryParams(t *testing.T) {
	base, _ := url.Parse("/api/v1/expansions/e/mappings?verbose=true")
	links := linkMap(Params{Limit: 1}.Links(base, 2))
	if links["next"] != "/api/v1/expansions/e/mappings?limit=1&offset=1&verbose=true" {
		t.Errorf("next = %q", links["next"])
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"A", "B"}, 5, Params{Limit: 2, Offset: 2})
	if r.Total != 5 || r.Limit != 2 || r.Offset != 2 || !r.HasMore {
		t.Errorf("unexpected response %+v", r)
	}
	if r.Links != nil {
		t.Error("links must be opt-in")
	}

	last := NewResponse([]string{"E"}, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore {
		t.Error("last page must not report more results")
	}

	base, _ := url.Parse("/api/v1/expansions/e/concepts")
	last.WithLinks(base)
	if got := linkMap(last.Links); got["previous"] != "/api/v1/expansions/e/concepts?limit=2&offset=2" || got["next"] != "" {
		t.Errorf("unexpected links %v", got)
	}
}
