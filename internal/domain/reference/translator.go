package reference

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ocl/ocl/internal/platform/uri"
)

// Translate renders r as an English sentence, e.g.
// `Include version "v1" of concept "c-1234" from version "v1" of MyOrg/MySource`.
func Translate(r *Reference) string {
	var b strings.Builder
	if r.Include {
		b.WriteString("Include ")
	} else {
		b.WriteString("Exclude ")
	}
	if !hasRepositoryVersion(r) && r.ResourceVersion == "" {
		b.WriteString("latest ")
	}

	entity := "concept"
	if !r.IsConcept() {
		entity = "mapping"
	}
	system := r.SystemURI()

	if r.Code != "" {
		if r.ResourceVersion != "" {
			fmt.Fprintf(&b, "version %q of ", r.ResourceVersion)
		} else if r.Transform != "" {
			b.WriteString("latest version of ")
		}
		fmt.Fprintf(&b, "%s %q from ", entity, decodeCode(r.Code))
	} else {
		b.WriteString(entity + "s ")
		if system != "" || len(r.Valueset) > 0 {
			b.WriteString("from ")
		}
	}

	if system != "" {
		if v := r.SystemVersion(); v != "" {
			fmt.Fprintf(&b, "version %q of ", v)
		}
		b.WriteString(formatSystem(system) + " ")
	}
	for i, vs := range r.Valueset {
		if i > 0 || system != "" {
			b.WriteString("intersection with ")
		}
		collection, version := uri.SplitVersion(vs)
		if version != "" {
			fmt.Fprintf(&b, "version %q of ", version)
		}
		b.WriteString(formatSystem(collection) + " ")
	}

	count := 0
	for _, f := range r.Filter {
		if f.Value == "" {
			continue
		}
		if count > 0 {
			b.WriteString("& ")
		}
		switch f.Property {
		case "q":
			fmt.Fprintf(&b, "containing %q ", f.Value)
		case "exact_match":
			fmt.Fprintf(&b, "matching exactly with %q ", f.Value)
		default:
			fmt.Fprintf(&b, "having %s equal to %q ", f.Property, f.Value)
		}
		count++
	}

	if r.IsConcept() && r.Cascade != nil {
		switch r.Cascade.Method {
		case CascadeSourceToConcepts:
			b.WriteString("PLUS its mappings and their target concepts ")
		case CascadeSourceMappings:
			b.WriteString("PLUS its mappings ")
		}
	}
	return strings.TrimSpace(b.String())
}

func hasRepositoryVersion(r *Reference) bool {
	if r.SystemVersion() != "" {
		return true
	}
	for _, vs := range r.Valueset {
		if _, v := uri.SplitVersion(vs); v != "" {
			return true
		}
	}
	return false
}

// formatSystem shortens relative repository URIs to owner/repo.
func formatSystem(s string) string {
	if strings.HasPrefix(s, "http") {
		return s
	}
	r := strings.NewReplacer("/users/", "", "/orgs/", "", "/sources/", "/", "/collections/", "/")
	return strings.Trim(r.Replace(s), "/")
}

// decodeCode undoes up to two rounds of percent-encoding.
func decodeCode(code string) string {
	for i := 0; i < 2 && strings.Contains(code, "%"); i++ {
		decoded, err := url.PathUnescape(code)
		if err != nil {
			break
		}
		code = decoded
	}
	return code
}
