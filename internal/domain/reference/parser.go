package reference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ocl/ocl/internal/platform/uri"
)

// all is the sentinel selecting every concept or mapping of a repository
// in a legacy {"uri": ...} expression.
const all = "*"

// Options apply to every reference produced by one parse.
type Options struct {
	// Transform is used when an expression does not carry its own.
	Transform string
	// Cascade is used when an expression does not carry its own.
	Cascade *Cascade
}

// ParseJSON decodes data and parses it with Parse.
func ParseJSON(data []byte, opts Options) ([]*Reference, error) {
	var expression any
	if err := json.Unmarshal(data, &expression); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	return Parse(expression, opts)
}

// Parse converts an expression of either dialect into canonical references.
// A list is parsed element by element. Failures are collected into
// ParseErrors keyed by the offending expression; references parsed from
// the other expressions are still returned.
func Parse(expression any, opts Options) ([]*Reference, error) {
	p := &parser{opts: opts, errs: ParseErrors{}}
	if list, ok := expression.([]any); ok {
		for _, e := range list {
			p.parse(e)
		}
	} else {
		p.parse(expression)
	}
	if len(p.errs) > 0 {
		return p.refs, p.errs
	}
	return p.refs, nil
}

// IsLegacy reports whether expression uses the legacy dialect: a plain
// string, or an object without system and valueset that carries uri,
// concepts, mappings or expressions.
func IsLegacy(expression any) bool {
	switch e := expression.(type) {
	case string:
		return true
	case map[string]any:
		if has(e, "system") || has(e, "valueset") || has(e, "valueSet") {
			return false
		}
		return has(e, "uri") || has(e, "concepts") || has(e, "mappings") || has(e, "expressions")
	}
	return false
}

type parser struct {
	opts Options
	refs []*Reference
	errs ParseErrors
}

func (p *parser) fail(expression any, err error) {
	p.errs[expressionKey(expression)] = err
}

func expressionKey(expression any) string {
	if s, ok := expression.(string); ok {
		return s
	}
	data, err := json.Marshal(expression)
	if err != nil {
		return fmt.Sprint(expression)
	}
	return string(data)
}

func (p *parser) parse(expression any) {
	switch e := expression.(type) {
	case string:
		p.parseString(e, true)
	case map[string]any:
		if IsLegacy(e) {
			p.parseLegacyObject(e)
		} else {
			p.parseStructured(e)
		}
	default:
		p.fail(expression, fmt.Errorf("expression must be a string or an object, got %T", expression))
	}
}

func (p *parser) parseString(expression string, include bool) {
	ref, err := parseExpressionString(expression, p.opts)
	if err != nil {
		p.fail(expression, err)
		return
	}
	ref.Include = include
	p.refs = append(p.refs, ref)
}

func (p *parser) parseLegacyObject(e map[string]any) {
	include := includeValue(e)
	if root, _ := e["uri"].(string); root != "" {
		if !strings.HasSuffix(root, "/") {
			root += "/"
		}
		if e["concepts"] == all {
			p.parseString(root+uri.ResourceConcepts+"/", include)
		}
		if e["mappings"] == all {
			p.parseString(root+uri.ResourceMappings+"/", include)
		}
	}
	for _, attr := range []string{"concepts", "mappings", "expressions"} {
		list, ok := e[attr].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				p.fail(item, fmt.Errorf("%s entries must be strings", attr))
				continue
			}
			p.parseString(s, include)
		}
	}
}

// parseExpressionString parses a legacy resource or repository URI, with an
// optional query string of filters.
func parseExpressionString(expression string, opts Options) (*Reference, error) {
	u, err := uri.Parse(expression)
	if err != nil {
		return nil, err
	}

	ref := &Reference{
		Expression:      expression,
		Kind:            Concepts,
		Code:            u.Code,
		ResourceVersion: u.ResourceVersion,
		Transform:       opts.Transform,
		Cascade:         opts.Cascade,
		Include:         true,
	}
	if u.ResourceKind == uri.ResourceMappings {
		ref.Kind = Mappings
		ref.Cascade = nil
	}

	switch {
	case u.IsCollection():
		ref.Valueset = []string{uri.JoinVersion(u.RepositoryPath(), u.Version)}
	default:
		ref.System = u.RepositoryPath()
		ref.Version = u.Version
	}

	if u.RawQuery != "" {
		params, err := uri.ParseQuery(u.RawQuery)
		if err != nil {
			return nil, err
		}
		for _, param := range params {
			op := OpEqual
			if len(param.Values) > 1 {
				op = OpIn
			}
			ref.Filter = append(ref.Filter, Filter{
				Property: param.Key,
				Operator: op,
				Value:    strings.Join(param.Values, ","),
			})
		}
	}
	return ref, nil
}

func (p *parser) parseStructured(e map[string]any) {
	if _, ok := e["url"].([]any); ok {
		return
	}

	base, err := p.structuredBase(e)
	if err != nil {
		p.fail(e, err)
		return
	}

	concept, hasConcept := e["concept"]
	mapping, hasMapping := e["mapping"]
	hasConcept = hasConcept && truthy(concept)
	hasMapping = hasMapping && truthy(mapping)

	if hasConcept {
		for _, item := range asList(concept) {
			ref, err := resourceEntry(base, Concepts, item)
			if err != nil {
				p.fail(e, err)
				return
			}
			p.refs = append(p.refs, ref)
		}
	}
	if hasMapping {
		for _, item := range asList(mapping) {
			ref, err := resourceEntry(base, Mappings, item)
			if err != nil {
				p.fail(e, err)
				return
			}
			ref.Display = ""
			p.refs = append(p.refs, ref)
		}
	}
	if hasConcept || hasMapping {
		return
	}

	code := stringValue(e, "code")
	if expr, ok := e["expression"].(string); ok && code == "" && base.System == "" && base.Version == "" && len(base.Valueset) == 0 {
		ref, err := parseExpressionString(expr, Options{Transform: base.Transform, Cascade: base.Cascade})
		if err != nil {
			p.fail(expr, err)
			return
		}
		ref.Include = base.Include
		p.refs = append(p.refs, ref)
		return
	}

	ref := base
	ref.Expression = stringValue(e, "expression")
	ref.Code = code
	ref.ResourceVersion = stringValue(e, "resource_version")
	ref.Display = stringValue(e, "display")
	if t := stringValue(e, "reference_type"); t != "" {
		ref.Kind = Kind(t)
	}
	if ref.Kind != Concepts && ref.Kind != Mappings {
		p.fail(e, fmt.Errorf("unknown reference_type %q", ref.Kind))
		return
	}
	p.refs = append(p.refs, &ref)
}

// structuredBase reads the keys shared by every reference of a structured
// expression.
func (p *parser) structuredBase(e map[string]any) (Reference, error) {
	ref := Reference{
		Kind:      Concepts,
		Namespace: stringValue(e, "namespace"),
		System:    stringValue(e, "system"),
		Version:   stringValue(e, "version"),
		Transform: stringValue(e, "transform"),
		Include:   includeValue(e),
	}
	if ref.System == "" {
		ref.System = stringValue(e, "url")
	}
	if ref.System != "" {
		if _, err := uri.Parse(ref.System); err != nil {
			return ref, err
		}
	}
	if ref.Transform == "" {
		ref.Transform = p.opts.Transform
	}
	if ref.Transform != "" && ref.Transform != TransformResourceVersions && ref.Transform != TransformExtensional {
		return ref, fmt.Errorf("unknown transform %q", ref.Transform)
	}

	vs, ok := e["valueset"]
	if !ok || !truthy(vs) {
		vs = e["valueSet"]
	}
	for _, item := range asList(vs) {
		s, ok := item.(string)
		if !ok || s == "" {
			return ref, fmt.Errorf("valueset entries must be non-empty strings")
		}
		if _, err := uri.Parse(s); err != nil {
			return ref, err
		}
		ref.Valueset = append(ref.Valueset, s)
	}

	if raw, ok := e["cascade"]; ok && truthy(raw) {
		var c Cascade
		if err := remarshal(raw, &c); err != nil {
			return ref, err
		}
		ref.Cascade = &c
	} else {
		ref.Cascade = p.opts.Cascade
	}

	if raw, ok := e["filter"]; ok && raw != nil {
		if err := remarshal(raw, &ref.Filter); err != nil {
			return ref, fmt.Errorf("invalid filter: %w", err)
		}
	}
	return ref, nil
}

func resourceEntry(base Reference, kind Kind, item any) (*Reference, error) {
	ref := base
	ref.Kind = kind
	switch v := item.(type) {
	case string:
		ref.Code = v
	case map[string]any:
		ref.Code = stringValue(v, "code")
		ref.Display = stringValue(v, "display")
		ref.ResourceVersion = stringValue(v, "resource_version")
	default:
		return nil, fmt.Errorf("%s entries must be strings or objects", kind)
	}
	if ref.Code == "" {
		return nil, fmt.Errorf("%s entry without a code", kind)
	}
	return &ref, nil
}

// includeValue is false iff exclude is truthy, unless include is given.
func includeValue(e map[string]any) bool {
	include := true
	if v, ok := e["exclude"]; ok {
		include = !truthy(v)
	}
	if v, ok := e["include"]; ok {
		include = truthy(v)
	}
	return include
}

func has(e map[string]any, key string) bool {
	_, ok := e[key]
	return ok
}

func stringValue(e map[string]any, key string) string {
	switch v := e[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64, bool, json.Number:
		return fmt.Sprint(v)
	}
	return ""
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		if t == "" {
			return nil
		}
	}
	return []any{v}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
