package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Serialize renders v in canonical form. Lists are sorted and a single
// element list collapses to its element; objects render as the sorted key
// list followed by each value and a trailing comma.
func Serialize(v any) (string, error) {
	nv, err := normalize(v)
	if err != nil {
		return "", err
	}
	return serialize(nv), nil
}

func serialize(v any) string {
	if list, ok := v.([]any); ok && len(list) == 1 {
		v = list[0]
	}
	switch t := v.(type) {
	case []any:
		sorted := sortValues(t)
		parts := make([]string, len(sorted))
		for i := range sorted {
			parts[i] = serialize(sorted[i])
		}
		return "[" + strings.Join(parts, ",") + "]"
	case *Object:
		keys := make([]any, len(t.keys))
		for i, k := range t.keys {
			keys[i] = k
		}
		keys = sortValues(keys)

		var b strings.Builder
		b.WriteByte('{')
		b.WriteByte('[')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(jsonString(k.(string)))
		}
		b.WriteByte(']')
		for _, k := range keys {
			b.WriteString(serialize(t.values[k.(string)]))
			b.WriteByte(',')
		}
		b.WriteByte('}')
		return b.String()
	}
	return jsonScalar(v)
}

func jsonScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return jsonString(t)
	case *big.Int:
		return t.String()
	case float64:
		return pyFloat(t)
	}
	return jsonString(fmt.Sprint(v))
}

// jsonString quotes s escaping everything outside printable ASCII, with
// astral characters written as surrogate pairs.
func jsonString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				b.WriteRune(r)
			case r < 0x10000:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				r1, r2 := utf16.EncodeRune(r)
				fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// pyFloat formats f as the shortest round-tripping decimal, positional for
// decimal exponents in [-4, 16) and scientific otherwise.
func pyFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// digest hashes the canonical text.
func digest(canonical string) string {
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Digest returns the hex digest of v's canonical serialization.
func Digest(v any) (string, error) {
	s, err := Serialize(v)
	if err != nil {
		return "", err
	}
	return digest(s), nil
}

// Composite returns the order-independent aggregate of individual
// checksums. A single checksum is its own composite.
func Composite(checksums []string) string {
	if len(checksums) == 1 {
		return checksums[0]
	}
	values := make([]any, len(checksums))
	for i := range checksums {
		values[i] = checksums[i]
	}
	return digest(serialize(values))
}
