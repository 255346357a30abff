package reference

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ocl/ocl/internal/domain/terminology"
)

// filterConcepts keeps the concepts matching every filter.
func filterConcepts(in []*terminology.ConceptVersion, filters []Filter, defaultLocale string) []*terminology.ConceptVersion {
	if len(filters) == 0 {
		return in
	}
	exact := exactMatch(filters)
	var out []*terminology.ConceptVersion
	for _, c := range in {
		ok := true
		for _, f := range filters {
			if !matchConcept(c, f, exact, defaultLocale) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// filterMappings keeps the mappings matching every filter.
func filterMappings(in []*terminology.MappingVersion, filters []Filter) []*terminology.MappingVersion {
	if len(filters) == 0 {
		return in
	}
	exact := exactMatch(filters)
	var out []*terminology.MappingVersion
	for _, m := range in {
		ok := true
		for _, f := range filters {
			if !matchMapping(m, f, exact) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// exactMatch reports whether an exact_match flag turns q into an equality
// test.
func exactMatch(filters []Filter) bool {
	for _, f := range filters {
		if f.Property == "exact_match" && isFlag(f.Value) {
			return true
		}
	}
	return false
}

func isFlag(v string) bool {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func matchText(text, value string, exact bool) bool {
	if exact {
		return strings.EqualFold(text, value)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(value))
}

func anyText(values []string, exact bool, texts ...string) bool {
	for _, v := range values {
		for _, t := range texts {
			if matchText(t, v, exact) {
				return true
			}
		}
	}
	return false
}

func matchConcept(c *terminology.ConceptVersion, f Filter, exact bool, defaultLocale string) bool {
	values := f.Values()
	names := make([]string, 0, len(c.Names))
	for _, n := range c.Names {
		names = append(names, n.Name)
	}

	switch f.Property {
	case "q":
		return f.Value == "" || anyText(values, exact, append(names, c.Mnemonic)...)
	case "exact_match":
		return f.Value == "" || isFlag(f.Value) || anyText(values, true, append(names, c.Mnemonic)...)
	case "code", "id":
		return containsFold(values, c.Mnemonic)
	case "concept_class":
		return containsFold(values, c.ConceptClass)
	case "datatype":
		return containsFold(values, c.Datatype)
	case "external_id":
		return containsFold(values, c.ExternalID)
	case "retired":
		return matchBool(f.Value, c.Retired)
	case "locale":
		if f.Value == "" {
			values = []string{defaultLocale}
		}
		for _, n := range c.Names {
			if containsFold(values, n.Locale) {
				return true
			}
		}
		return false
	case "name_type":
		for _, n := range c.Names {
			if containsFold(values, n.NameType) {
				return true
			}
		}
		return false
	}
	return matchExtra(c.Extras, f.Property, values)
}

func matchMapping(m *terminology.MappingVersion, f Filter, exact bool) bool {
	values := f.Values()
	switch f.Property {
	case "q":
		return f.Value == "" || anyText(values, exact, m.Mnemonic, m.FromConceptCode, m.ToConceptCode, m.FromConceptName, m.ToConceptName)
	case "exact_match":
		return f.Value == "" || isFlag(f.Value) || anyText(values, true, m.Mnemonic, m.FromConceptCode, m.ToConceptCode)
	case "code", "id":
		return containsFold(values, m.Mnemonic)
	case "map_type":
		return containsFold(values, m.MapType)
	case "external_id":
		return containsFold(values, m.ExternalID)
	case "retired":
		return matchBool(f.Value, m.Retired)
	case "from_concept", "from_concept_code":
		return containsFold(values, m.FromConceptCode)
	case "to_concept", "to_concept_code":
		return containsFold(values, m.ToConceptCode)
	case "from_source_url":
		return containsFold(values, m.FromSourceURL)
	case "to_source_url":
		return containsFold(values, m.ToSourceURL)
	}
	return matchExtra(m.Extras, f.Property, values)
}

// matchExtra compares an extras value; "extras.k" and "k" address the same
// key.
func matchExtra(extras map[string]any, property string, values []string) bool {
	key := strings.TrimPrefix(property, "extras.")
	v, ok := extras[key]
	if !ok {
		return false
	}
	return containsFold(values, fmt.Sprint(v))
}

func matchBool(value string, actual bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return b == actual
}
