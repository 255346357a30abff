// Package checksum computes content digests of concepts and mappings.
//
// A resource is projected to the fields relevant for a checksum kind,
// cleaned of default values, serialized canonically and hashed. The
// canonical text is stable across reorderings of list fields and object
// keys, so equal content always yields an equal digest.
package checksum

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

var (
	// ErrResourceKindUnsupported is returned for resources other than
	// concepts and mappings.
	ErrResourceKindUnsupported = errors.New("unsupported resource kind")
	// ErrChecksumKindUnsupported is returned for checksum kinds other than
	// standard and smart.
	ErrChecksumKindUnsupported = errors.New("unsupported checksum kind")
)

// Resource names a checksummed resource type.
type Resource string

const (
	Concept Resource = "concept"
	Mapping Resource = "mapping"
)

// ParseResource accepts concept/mapping in any case.
func ParseResource(s string) (Resource, error) {
	switch Resource(strings.ToLower(strings.TrimSpace(s))) {
	case Concept:
		return Concept, nil
	case Mapping:
		return Mapping, nil
	}
	return "", fmt.Errorf("%w: %q", ErrResourceKindUnsupported, s)
}

// Kind selects the projection.
type Kind string

const (
	// Standard covers every field that changes a resource's meaning.
	Standard Kind = "standard"
	// Smart covers only fields relevant to discovery and translation.
	Smart Kind = "smart"
)

// ParseKind validates s; an empty string selects Standard.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", Standard:
		return Standard, nil
	case Smart:
		return Smart, nil
	}
	return "", fmt.Errorf("%w: %q", ErrChecksumKindUnsupported, s)
}

var (
	nameFields        = []string{"locale", "locale_preferred", "name", "name_type", "external_id"}
	descriptionFields = []string{"locale", "locale_preferred", "description", "description_type", "external_id"}

	// Keys dropped by cleanup when their value is empty.
	emptyDropped = map[string]bool{
		"retired":             true,
		"parent_concept_urls": true,
		"child_concept_urls":  true,
		"descriptions":        true,
		"extras":              true,
		"names":               true,
	}
)

// Explanation records every intermediate stage of a checksum computation.
type Explanation struct {
	Resource   Resource  `json:"resource"`
	Kind       Kind      `json:"kind"`
	Projected  []*Object `json:"projected"`
	Cleaned    []*Object `json:"cleaned"`
	Serialized []string  `json:"serialized"`
	Checksums  []string  `json:"checksums"`
	Digest     string    `json:"digest"`
}

// Generate returns the checksum of data, which is one resource payload or
// a list of them. A list yields the composite of the members' checksums.
func Generate(resource Resource, data any, kind Kind) (string, error) {
	exp, err := Explain(resource, data, kind)
	if err != nil {
		return "", err
	}
	return exp.Digest, nil
}

// Explain computes the checksum and returns all intermediate stages.
func Explain(resource Resource, data any, kind Kind) (*Explanation, error) {
	resource, err := ParseResource(string(resource))
	if err != nil {
		return nil, err
	}
	if kind != Standard && kind != Smart {
		return nil, fmt.Errorf("%w: %q", ErrChecksumKindUnsupported, kind)
	}

	nv, err := normalize(data)
	if err != nil {
		return nil, err
	}
	items, ok := nv.([]any)
	if !ok {
		items = []any{nv}
	}

	exp := &Explanation{Resource: resource, Kind: kind}
	for i, item := range items {
		obj, ok := item.(*Object)
		if !ok {
			return nil, fmt.Errorf("payload item %d: expected an object, got %T", i, item)
		}
		var projected *Object
		if resource == Concept {
			projected = conceptFields(obj, kind)
		} else {
			projected = mappingFields(obj, kind)
		}
		cleaned := cleanup(projected)
		canonical := serialize(cleaned)

		exp.Projected = append(exp.Projected, projected)
		exp.Cleaned = append(exp.Cleaned, cleaned)
		exp.Serialized = append(exp.Serialized, canonical)
		exp.Checksums = append(exp.Checksums, digest(canonical))
	}

	if len(exp.Checksums) == 1 {
		exp.Digest = exp.Checksums[0]
	} else {
		values := make([]any, len(exp.Checksums))
		for i := range exp.Checksums {
			values[i] = exp.Checksums[i]
		}
		exp.Digest = digest(serialize(values))
	}
	return exp, nil
}

// IsFullySpecifiedType reports whether a name type denotes a fully
// specified name, tolerating case and separator variations.
func IsFullySpecifiedType(nameType string) bool {
	if nameType == "" {
		return false
	}
	if nameType == "FULLY_SPECIFIED" || nameType == "Fully Specified" {
		return true
	}
	r := strings.NewReplacer(" ", "", "-", "", "_", "")
	return strings.ToLower(r.Replace(nameType)) == "fullyspecified"
}

func conceptFields(data *Object, kind Kind) *Object {
	out := NewObject().
		Set("concept_class", data.Lookup("concept_class", nil)).
		Set("datatype", data.Lookup("datatype", nil)).
		Set("retired", data.Lookup("retired", false))

	if kind == Standard {
		out.Set("external_id", data.Lookup("external_id", nil)).
			Set("extras", data.Lookup("extras", nil)).
			Set("names", locales(data, "names", nameFields, nil)).
			Set("descriptions", locales(data, "descriptions", descriptionFields, nil)).
			Set("parent_concept_urls", data.Lookup("parent_concept_urls", []any{})).
			Set("child_concept_urls", data.Lookup("child_concept_urls", []any{}))
		return out
	}

	return out.Set("names", locales(data, "names", nameFields, func(locale *Object) bool {
		nameType, _ := locale.Lookup("name_type", nil).(string)
		return IsFullySpecifiedType(nameType)
	}))
}

func locales(data *Object, relation string, fields []string, keep func(*Object) bool) []any {
	list, _ := data.Lookup(relation, nil).([]any)
	out := []any{}
	for _, item := range list {
		locale, ok := item.(*Object)
		if !ok {
			continue
		}
		if keep != nil && !keep(locale) {
			continue
		}
		projected := NewObject()
		for _, f := range fields {
			projected.Set(f, locale.Lookup(f, nil))
		}
		out = append(out, projected)
	}
	return out
}

func mappingFields(data *Object, kind Kind) *Object {
	out := NewObject().
		Set("map_type", data.Lookup("map_type", nil)).
		Set("from_concept_code", data.Lookup("from_concept_code", nil)).
		Set("to_concept_code", data.Lookup("to_concept_code", nil)).
		Set("from_concept_name", data.Lookup("from_concept_name", nil)).
		Set("to_concept_name", data.Lookup("to_concept_name", nil)).
		Set("retired", data.Lookup("retired", false))
	if kind != Standard {
		return out
	}

	var weight any
	if w := toFloat(data.Lookup("sort_weight", nil)); w != 0 {
		weight = w
	}
	out.Set("sort_weight", weight)
	for _, f := range []string{"extras", "external_id", "from_source_url", "from_source_version", "to_source_url", "to_source_version"} {
		v := data.Lookup(f, nil)
		if !truthy(v) {
			v = nil
		}
		out.Set(f, v)
	}
	return out
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case *big.Int:
		f, _ := new(big.Float).SetInt(t).Float64()
		return f
	case bool:
		if t {
			return 1
		}
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	}
	return 0
}

// cleanup drops empty and default values at the top level, turns
// integral numbers into integers and strips internal extras keys.
func cleanup(fields *Object) *Object {
	out := NewObject()
	for _, key := range fields.keys {
		value := fields.values[key]
		if value == nil {
			continue
		}
		if emptyDropped[key] && !truthy(value) {
			continue
		}
		if key == "is_active" && truthy(value) {
			continue
		}
		switch t := value.(type) {
		case bool:
			if t {
				value = big.NewInt(1)
			} else {
				value = big.NewInt(0)
			}
		case float64:
			if bf := big.NewFloat(t); bf.IsInt() {
				value, _ = bf.Int(nil)
			}
		}
		if key == "extras" {
			if extras, ok := value.(*Object); ok {
				value = stripInternalKeys(extras)
			}
		}
		out.Set(key, value)
	}
	return out
}

func stripInternalKeys(extras *Object) *Object {
	out := NewObject()
	for _, k := range extras.keys {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out.Set(k, extras.values[k])
	}
	return out
}
