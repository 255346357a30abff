package checksum

import (
	"errors"
	"strings"
	"testing"
)

const (
	malariaConcept = `{"concept_class":"Diagnosis","datatype":"N/A","names":[{"locale":"en","name":"Malaria","name_type":"FULLY_SPECIFIED"}]}`

	richConcept = `{"concept_class":"Diagnosis","datatype":"N/A","retired":true,
		"extras":{"__internal":1,"b":2.0,"a":[3,1]},
		"names":[{"locale":"fr","name":"Paludisme","name_type":"SHORT","locale_preferred":true},
		         {"locale":"en","name":"Malaria","name_type":"FULLY_SPECIFIED"}],
		"descriptions":[{"locale":"en","description":"Fever ☃ 𝄞"}]}`

	sameAsMapping = `{"map_type":"SAME-AS","from_concept_code":"c1","to_concept_code":"c2","sort_weight":2.0,
		"from_source_url":"/orgs/O/sources/S/","to_source_url":"","extras":{}}`
)

func mustDecode(t *testing.T, s string) any {
	t.Helper()
	v, err := DecodeJSON([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestGenerate_KnownDigests(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		payload  string
		kind     Kind
		want     string
	}{
		{"concept standard", Concept, malariaConcept, Standard, "25d2d8d5ef2cff26e35f0325d8d82b1e"},
		{"concept smart", Concept, malariaConcept, Smart, "25d2d8d5ef2cff26e35f0325d8d82b1e"},
		{"rich concept standard", Concept, richConcept, Standard, "f23d6019900026eed91ed56afb6a5b70"},
		{"rich concept smart", Concept, richConcept, Smart, "f6a5a9775aae8e766f98b32607a69667"},
		{"mapping standard", Mapping, sameAsMapping, Standard, "3dbf93678a66c698bcd4d285229755fb"},
		{"mapping smart", Mapping, sameAsMapping, Smart, "e46219443115800e98b7290000cf081b"},
		{"composite", Concept, "[" + malariaConcept + "," + richConcept + "]", Standard, "e2ef9e22b26b12c1cc6c65fa144c2a87"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Generate(tt.resource, mustDecode(t, tt.payload), tt.kind)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestExplain_CanonicalText(t *testing.T) {
	exp, err := Explain(Concept, mustDecode(t, richConcept), Standard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{["concept_class", "datatype", "descriptions", "extras", "names", "retired"]"Diagnosis","N/A",` +
		`{["description", "description_type", "external_id", "locale", "locale_preferred"]"Fever \u2603 \ud834\udd1e",null,null,"en",null,},` +
		`{["a", "b"][1,3],2.0,},` +
		`[{["external_id", "locale", "locale_preferred", "name", "name_type"]null,"en",null,"Malaria","FULLY_SPECIFIED",},` +
		`{["external_id", "locale", "locale_preferred", "name", "name_type"]null,"fr",true,"Paludisme","SHORT",}],1,}`
	if exp.Serialized[0] != want {
		t.Errorf("unexpected canonical text\n got: %s\nwant: %s", exp.Serialized[0], want)
	}

	mexp, err := Explain(Mapping, mustDecode(t, sameAsMapping), Standard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantMapping := `{["from_concept_code", "from_source_url", "map_type", "sort_weight", "to_concept_code"]"c1","/orgs/O/sources/S/","SAME-AS",2,"c2",}`
	if mexp.Serialized[0] != wantMapping {
		t.Errorf("unexpected mapping text\n got: %s\nwant: %s", mexp.Serialized[0], wantMapping)
	}
}

func TestGenerate_InvariantUnderReordering(t *testing.T) {
	a := `{"datatype":"N/A","concept_class":"Diagnosis",
		"names":[{"locale":"en","name":"Malaria","name_type":"FULLY_SPECIFIED"},{"locale":"fr","name":"Paludisme"}],
		"extras":{"x":1,"y":[2,1]}}`
	b := `{"concept_class":"Diagnosis","datatype":"N/A",
		"extras":{"y":[1,2],"x":1},
		"names":[{"locale":"fr","name":"Paludisme"},{"name_type":"FULLY_SPECIFIED","name":"Malaria","locale":"en"}]}`

	for _, kind := range []Kind{Standard, Smart} {
		sa, err := Generate(Concept, mustDecode(t, a), kind)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sb, err := Generate(Concept, mustDecode(t, b), kind)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sa != sb {
			t.Errorf("%s: reordered payloads produced %s and %s", kind, sa, sb)
		}
	}
}

func TestGenerate_InvariantUnderDefaults(t *testing.T) {
	base := mustDecode(t, malariaConcept)
	withDefaults := mustDecode(t, `{"concept_class":"Diagnosis","datatype":"N/A","retired":false,
		"external_id":null,"extras":{},"descriptions":[],"parent_concept_urls":[],"child_concept_urls":[],
		"names":[{"locale":"en","name":"Malaria","name_type":"FULLY_SPECIFIED"}]}`)

	a, _ := Generate(Concept, base, Standard)
	b, err := Generate(Concept, withDefaults, Standard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("default-valued fields changed the digest: %s vs %s", a, b)
	}
}

func TestGenerate_Sensitivity(t *testing.T) {
	base := `{"concept_class":"Diagnosis","datatype":"N/A","external_id":"E1",
		"names":[{"locale":"en","name":"Malaria","name_type":"FULLY_SPECIFIED"},{"locale":"en","name":"Mal","name_type":"SHORT"}]}`
	shortNameChanged := strings.Replace(base, `"Mal"`, `"Mala"`, 1)
	externalIDChanged := strings.Replace(base, `"E1"`, `"E2"`, 1)
	fsnChanged := strings.Replace(base, `"Malaria"`, `"Malaria fever"`, 1)

	digest := func(payload string, kind Kind) string {
		d, err := Generate(Concept, mustDecode(t, payload), kind)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return d
	}

	if digest(base, Standard) == digest(shortNameChanged, Standard) {
		t.Error("standard checksum must change when a short name changes")
	}
	if digest(base, Smart) != digest(shortNameChanged, Smart) {
		t.Error("smart checksum must ignore short names")
	}
	if digest(base, Smart) != digest(externalIDChanged, Smart) {
		t.Error("smart checksum must ignore external id")
	}
	if digest(base, Standard) == digest(externalIDChanged, Standard) {
		t.Error("standard checksum must include external id")
	}
	if digest(base, Smart) == digest(fsnChanged, Smart) {
		t.Error("smart checksum must change when a fully specified name changes")
	}
}

func TestGenerate_InternalExtrasIgnored(t *testing.T) {
	a, _ := Generate(Concept, mustDecode(t, `{"concept_class":"X","extras":{"k":"v"}}`), Standard)
	b, _ := Generate(Concept, mustDecode(t, `{"concept_class":"X","extras":{"k":"v","__cache":"zzz"}}`), Standard)
	if a != b {
		t.Errorf("internal extras keys must not affect the digest")
	}
}

func TestGenerate_GoMapsAndStructs(t *testing.T) {
	fromJSON, _ := Generate(Concept, mustDecode(t, malariaConcept), Standard)
	fromMap, err := Generate(Concept, map[string]any{
		"concept_class": "Diagnosis",
		"datatype":      "N/A",
		"names": []any{
			map[string]any{"locale": "en", "name": "Malaria", "name_type": "FULLY_SPECIFIED"},
		},
	}, Standard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromJSON != fromMap {
		t.Errorf("map payload digest %s differs from json payload digest %s", fromMap, fromJSON)
	}
}

func TestGenerate_Errors(t *testing.T) {
	if _, err := Generate("source", map[string]any{}, Standard); !errors.Is(err, ErrResourceKindUnsupported) {
		t.Errorf("expected ErrResourceKindUnsupported, got %v", err)
	}
	if _, err := Generate(Concept, map[string]any{}, "fuzzy"); !errors.Is(err, ErrChecksumKindUnsupported) {
		t.Errorf("expected ErrChecksumKindUnsupported, got %v", err)
	}
	if _, err := Generate(Concept, []any{"not an object"}, Standard); err == nil {
		t.Error("expected error for non-object payload item")
	}
}

func TestParseResource_CaseInsensitive(t *testing.T) {
	r, err := ParseResource("Concept")
	if err != nil || r != Concept {
		t.Errorf("expected concept, got %q (%v)", r, err)
	}
}

func TestIsFullySpecifiedType(t *testing.T) {
	tests := map[string]bool{
		"FULLY_SPECIFIED": true,
		"Fully Specified": true,
		"fully-specified": true,
		"FullySpecified":  true,
		"SHORT":           false,
		"":                false,
	}
	for in, want := range tests {
		if got := IsFullySpecifiedType(in); got != want {
			t.Errorf("IsFullySpecifiedType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComposite(t *testing.T) {
	if Composite([]string{"abc"}) != "abc" {
		t.Error("single checksum should be its own composite")
	}
	a := Composite([]string{"a1", "b2", "c3"})
	b := Composite([]string{"c3", "a1", "b2"})
	if a != b {
		t.Errorf("composite must not depend on order: %s vs %s", a, b)
	}
}

func TestSerialize_Floats(t *testing.T) {
	got, err := Serialize([]any{1.5, 1e16, 1e-5, 0.0001, 123456789012345678.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "[1e-05,0.0001,1.5,1e+16,1.2345678901234568e+17]"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
