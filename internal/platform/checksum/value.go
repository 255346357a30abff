package checksum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// Object is a JSON object that remembers key insertion order. Key order
// never affects a digest directly, but it does affect the textual sort key
// of objects nested inside lists, so payloads decoded with DecodeJSON keep
// the order they arrived in.
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{values: map[string]any{}}
}

// Set stores v under k, appending k to the key order if it is new.
func (o *Object) Set(k string, v any) *Object {
	if _, ok := o.values[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.values[k] = v
	return o
}

// Get returns the value stored under k.
func (o *Object) Get(k string) (any, bool) {
	v, ok := o.values[k]
	return v, ok
}

// Lookup returns the value under k, or def when k is absent.
func (o *Object) Lookup(k string, def any) any {
	if v, ok := o.values[k]; ok {
		return v
	}
	return def
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of keys.
func (o *Object) Len() int { return len(o.keys) }

// MarshalJSON renders the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(exportable(o.values[k]))
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// exportable converts internal number representations back to values
// encoding/json renders as numbers.
func exportable(v any) any {
	switch t := v.(type) {
	case *big.Int:
		return json.Number(t.String())
	case float64:
		return json.Number(pyFloat(t))
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = exportable(t[i])
		}
		return out
	default:
		return v
	}
}

// DecodeJSON decodes a payload preserving object key order and number
// precision.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode payload: trailing data")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				k, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(k, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			list := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		return normalizeNumber(t)
	default:
		return t, nil
	}
}

func normalizeNumber(n json.Number) (any, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return i, nil
}

// normalize converts arbitrary Go values into the closed set of types the
// serializer understands: nil, bool, string, *big.Int, float64, []any and
// *Object.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, *big.Int:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return big.NewInt(int64(t)), nil
	case int32:
		return big.NewInt(int64(t)), nil
	case int64:
		return big.NewInt(t), nil
	case uint:
		return new(big.Int).SetUint64(uint64(t)), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	case json.Number:
		return normalizeNumber(t)
	case fmt.Stringer:
		if reflect.TypeOf(v).Kind() == reflect.Array {
			// uuid.UUID and friends serialize as their string form.
			return t.String(), nil
		}
	case *Object:
		out := NewObject()
		for _, k := range t.keys {
			nv, err := normalize(t.values[k])
			if err != nil {
				return nil, err
			}
			out.Set(k, nv)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := NewObject()
		for _, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out.Set(k, nv)
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i := range t {
			nv, err := normalize(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, nil
	}

	// Structs and typed collections go through encoding/json.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return DecodeJSON(raw)
}

// truthy mirrors the truth value of decoded JSON data.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case *big.Int:
		return t.Sign() != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case *Object:
		return t.Len() > 0
	}
	return true
}

type sortKey struct {
	numeric bool
	num     *big.Float
	text    string
}

// keyOf returns the ordering key used for list elements: numbers compare
// by value and every other value by its textual representation.
func keyOf(v any) sortKey {
	switch t := v.(type) {
	case bool:
		if t {
			return sortKey{numeric: true, num: big.NewFloat(1)}
		}
		return sortKey{numeric: true, num: big.NewFloat(0)}
	case *big.Int:
		return sortKey{numeric: true, num: new(big.Float).SetInt(t)}
	case float64:
		return sortKey{numeric: true, num: big.NewFloat(t)}
	case string:
		return sortKey{text: t}
	}
	return sortKey{text: repr(v)}
}

// Numbers order before text.
func (a sortKey) less(b sortKey) bool {
	if a.numeric != b.numeric {
		return a.numeric
	}
	if a.numeric {
		return a.num.Cmp(b.num) < 0
	}
	return a.text < b.text
}

func sortValues(values []any) []any {
	keys := make([]sortKey, len(values))
	idx := make([]int, len(values))
	for i, v := range values {
		keys[i] = keyOf(v)
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return keys[idx[i]].less(keys[idx[j]])
	})
	out := make([]any, len(values))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}

// repr renders the display form used as the ordering key for composite
// list elements: {'k': 'v', 'n': 1, 'b': True, 'x': None}.
func repr(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return reprString(t)
	case *big.Int:
		return t.String()
	case float64:
		return pyFloat(t)
	case []any:
		parts := make([]string, len(t))
		for i := range t {
			parts[i] = repr(t[i])
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Object:
		parts := make([]string, 0, t.Len())
		for _, k := range t.keys {
			parts = append(parts, reprString(k)+": "+repr(t.values[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(v)
}

func reprString(s string) string {
	quote := '\''
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var b strings.Builder
	b.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == quote || r == '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x7f:
			b.WriteRune(r)
		case !unicode.IsPrint(r):
			switch {
			case r <= 0xff:
				fmt.Fprintf(&b, `\x%02x`, r)
			case r <= 0xffff:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				fmt.Fprintf(&b, `\U%08x`, r)
			}
		default:
			b.WriteRune(r)
		}
	}
	b.WriteRune(quote)
	return b.String()
}
