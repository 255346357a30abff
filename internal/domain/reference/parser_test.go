package reference

import (
	"errors"
	"testing"

	"github.com/ocl/ocl/internal/platform/uri"
)

func mustParse(t *testing.T, data string, opts Options) []*Reference {
	t.Helper()
	refs, err := ParseJSON([]byte(data), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return refs
}

func TestParse_LegacyResourceURI(t *testing.T) {
	refs := mustParse(t, `"/orgs/MyOrg/sources/MySource/v1/concepts/c-1234/"`, Options{})
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(refs))
	}
	ref := refs[0]
	if ref.System != "/orgs/MyOrg/sources/MySource/" {
		t.Errorf("unexpected system %q", ref.System)
	}
	if ref.Version != "v1" {
		t.Errorf("unexpected version %q", ref.Version)
	}
	if ref.Code != "c-1234" {
		t.Errorf("unexpected code %q", ref.Code)
	}
	if ref.Kind != Concepts {
		t.Errorf("unexpected kind %q", ref.Kind)
	}
	if !ref.Include {
		t.Error("legacy strings are inclusions")
	}
	if ref.Expression != "/orgs/MyOrg/sources/MySource/v1/concepts/c-1234/" {
		t.Errorf("expression should be kept, got %q", ref.Expression)
	}
}

func TestParse_LegacyForms(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind Kind
		system   string
		valueset string
		code     string
		resVer   string
	}{
		{"all concepts of a source", `"/orgs/O/sources/S/concepts/"`, Concepts, "/orgs/O/sources/S/", "", "", ""},
		{"pinned mapping version", `"/orgs/O/sources/S/mappings/m1/7/"`, Mappings, "/orgs/O/sources/S/", "", "m1", "7"},
		{"collection version", `"/users/u/collections/C/v2/concepts/"`, Concepts, "", "/users/u/collections/C/|v2", "", ""},
		{"collection head", `"/orgs/O/collections/C/concepts/x/"`, Concepts, "", "/orgs/O/collections/C/", "x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := mustParse(t, tt.input, Options{})
			if len(refs) != 1 {
				t.Fatalf("expected 1 reference, got %d", len(refs))
			}
			ref := refs[0]
			if ref.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, ref.Kind)
			}
			if ref.System != tt.system {
				t.Errorf("expected system %q, got %q", tt.system, ref.System)
			}
			gotVS := ""
			if len(ref.Valueset) > 0 {
				gotVS = ref.Valueset[0]
			}
			if gotVS != tt.valueset {
				t.Errorf("expected valueset %q, got %q", tt.valueset, gotVS)
			}
			if ref.Code != tt.code || ref.ResourceVersion != tt.resVer {
				t.Errorf("expected %s/%s, got %s/%s", tt.code, tt.resVer, ref.Code, ref.ResourceVersion)
			}
		})
	}
}

func TestParse_LegacyQueryFilters(t *testing.T) {
	refs := mustParse(t, `"/orgs/O/sources/S/concepts/?q=malaria&concept_class=Diagnosis,Finding"`, Options{})
	ref := refs[0]
	if len(ref.Filter) != 2 {
		t.Fatalf("expected 2 filters, got %+v", ref.Filter)
	}
	if ref.Filter[0] != (Filter{Property: "q", Operator: OpEqual, Value: "malaria"}) {
		t.Errorf("unexpected first filter %+v", ref.Filter[0])
	}
	if ref.Filter[1] != (Filter{Property: "concept_class", Operator: OpIn, Value: "Diagnosis,Finding"}) {
		t.Errorf("unexpected second filter %+v", ref.Filter[1])
	}
}

func TestParse_LegacyObject(t *testing.T) {
	refs := mustParse(t, `{"uri":"/orgs/O/sources/S/","concepts":"*","mappings":"*","exclude":true}`, Options{})
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d", len(refs))
	}
	if refs[0].Kind != Concepts || refs[1].Kind != Mappings {
		t.Errorf("unexpected kinds %s, %s", refs[0].Kind, refs[1].Kind)
	}
	for _, ref := range refs {
		if ref.Include {
			t.Errorf("exclude:true must produce exclusions, got %+v", ref)
		}
		if ref.Code != "" {
			t.Errorf("sentinel must select the whole repository, got code %q", ref.Code)
		}
	}

	refs = mustParse(t, `{"expressions":["/orgs/O/sources/S/concepts/a/","/orgs/O/sources/S/mappings/b/"]}`, Options{})
	if len(refs) != 2 || refs[0].Code != "a" || refs[1].Kind != Mappings {
		t.Errorf("unexpected references %+v", refs)
	}
}

func TestParse_MappingsNeverCascade(t *testing.T) {
	refs := mustParse(t, `"/orgs/O/sources/S/mappings/m1/"`, Options{Cascade: NewCascade(CascadeSourceMappings)})
	if refs[0].Cascade != nil {
		t.Errorf("mapping references carry no cascade, got %+v", refs[0].Cascade)
	}
	refs = mustParse(t, `"/orgs/O/sources/S/concepts/c1/"`, Options{Cascade: NewCascade("SourceMappings")})
	if refs[0].Cascade == nil || refs[0].Cascade.Method != CascadeSourceMappings {
		t.Errorf("expected parse-time cascade, got %+v", refs[0].Cascade)
	}
}

func TestParse_Structured(t *testing.T) {
	refs := mustParse(t, `{
		"system": "/orgs/O/sources/S/",
		"version": "v1",
		"concept": ["a", {"code": "b", "display": "Bee", "resource_version": "3"}],
		"mapping": [{"code": "m", "display": "ignored"}],
		"filter": [{"property": "concept_class", "op": "=", "value": "Drug"}],
		"cascade": {"method": "sourcetoconcepts", "map_types": "SAME-AS"}
	}`, Options{})
	if len(refs) != 3 {
		t.Fatalf("expected 3 references, got %d", len(refs))
	}
	a, b, m := refs[0], refs[1], refs[2]
	if a.Code != "a" || a.Kind != Concepts || a.Version != "v1" {
		t.Errorf("unexpected first reference %+v", a)
	}
	if b.Display != "Bee" || b.ResourceVersion != "3" {
		t.Errorf("unexpected second reference %+v", b)
	}
	if m.Kind != Mappings || m.Display != "" {
		t.Errorf("mapping entries drop display, got %+v", m)
	}
	if a.Cascade == nil || a.Cascade.MapTypes != "SAME-AS" || !a.Cascade.ToConcepts() {
		t.Errorf("unexpected cascade %+v", a.Cascade)
	}
	if len(a.Filter) != 1 || a.Filter[0].Value != "Drug" {
		t.Errorf("unexpected filter %+v", a.Filter)
	}
}

func TestParse_StructuredValuesetAndExclude(t *testing.T) {
	refs := mustParse(t, `{"valueset": ["/orgs/O/collections/A/", "/orgs/O/collections/B/|v1"], "exclude": true}`, Options{})
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(refs))
	}
	if refs[0].Include {
		t.Error("expected an exclusion")
	}
	if len(refs[0].Valueset) != 2 || refs[0].System != "" {
		t.Errorf("unexpected reference %+v", refs[0])
	}
}

func TestParse_ExpressionFallback(t *testing.T) {
	refs := mustParse(t, `{"expression": "/orgs/O/sources/S/v2/mappings/m1/", "include": false}`, Options{Transform: TransformResourceVersions})
	if len(refs) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(refs))
	}
	ref := refs[0]
	if ref.Kind != Mappings || ref.System != "/orgs/O/sources/S/" || ref.Version != "v2" || ref.Code != "m1" {
		t.Errorf("unexpected reference %+v", ref)
	}
	if ref.Include {
		t.Error("include:false must be kept")
	}
	if ref.Transform != TransformResourceVersions {
		t.Errorf("expected parse-level transform, got %q", ref.Transform)
	}
}

func TestParse_PartialFailure(t *testing.T) {
	refs, err := ParseJSON([]byte(`[
		"/orgs/O/sources/S/concepts/ok/",
		"/orgs/O/widgets/S/concepts/bad/",
		{"system": "/orgs/O/sources/S/", "transform": "bogus", "code": "x"},
		42
	]`), Options{})

	var perr ParseErrors
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseErrors, got %v", err)
	}
	if len(perr) != 3 {
		t.Errorf("expected 3 failures, got %v", perr)
	}
	if !errors.Is(perr["/orgs/O/widgets/S/concepts/bad/"], uri.ErrMalformedURI) {
		t.Errorf("expected malformed uri error, got %v", perr["/orgs/O/widgets/S/concepts/bad/"])
	}
	if len(refs) != 1 || refs[0].Code != "ok" {
		t.Errorf("expected the valid expression to survive, got %+v", refs)
	}
}

func TestParse_StructuredURLListSkipped(t *testing.T) {
	refs, err := ParseJSON([]byte(`{"url": ["/orgs/O/sources/S/"], "code": "x"}`), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("expected no references, got %+v", refs)
	}
}

func TestIsLegacy(t *testing.T) {
	tests := []struct {
		name string
		expr any
		want bool
	}{
		{"string", "/orgs/O/sources/S/", true},
		{"uri object", map[string]any{"uri": "/orgs/O/sources/S/", "concepts": "*"}, true},
		{"expressions object", map[string]any{"expressions": []any{}}, true},
		{"structured", map[string]any{"system": "/orgs/O/sources/S/", "concepts": []any{"a"}}, false},
		{"valueset", map[string]any{"valueset": []any{"/orgs/O/collections/C/"}}, false},
		{"number", 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLegacy(tt.expr); got != tt.want {
				t.Errorf("IsLegacy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_UnmarshalJSON(t *testing.T) {
	refs := mustParse(t, `{"system": "/orgs/O/sources/S/", "filter": [{"property": "datatype", "value": ["Coded", "N/A"]}]}`, Options{})
	f := refs[0].Filter[0]
	if f.Operator != OpIn || f.Value != "Coded,N/A" {
		t.Errorf("list values become an in filter, got %+v", f)
	}
	if got := f.Values(); len(got) != 2 || got[1] != "N/A" {
		t.Errorf("unexpected values %v", got)
	}

	if _, err := ParseJSON([]byte(`{"system": "/orgs/O/sources/S/", "filter": [{"property": "q", "op": "~", "value": "x"}]}`), Options{}); err == nil {
		t.Error("expected unsupported operator to fail")
	}
}

func TestReference_Identity(t *testing.T) {
	a := &Reference{Kind: Concepts, System: "/orgs/O/sources/S", Code: "ABC", Include: true,
		Valueset: []string{"/orgs/O/collections/B/", "/orgs/O/collections/A/"}}
	b := &Reference{Kind: Concepts, System: "/orgs/O/sources/S/", Code: "abc", Include: true,
		Valueset: []string{"/orgs/O/collections/A", "/orgs/O/collections/B"}}
	if a.Identity() != b.Identity() {
		t.Errorf("expected equal identities:\n%s\n%s", a.Identity(), b.Identity())
	}
	c := *b
	c.Include = false
	if c.Identity() == b.Identity() {
		t.Error("include must be part of the identity")
	}
}
