// Package keys computes the per-entity store keys for fields.
//
// A field with no arguments is keyed by its name alone. A field with
// arguments is keyed as name(J) where J is the canonical JSON encoding of
// the argument values after variable substitution. Canonical means object
// keys are sorted, so two logically equal argument trees always produce
// byte-identical keys. The alias never participates in the key; it only
// shapes the response tree.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	language "github.com/hanpama/graphcache/internal/language"
)

// ErrUnsupportedKind reports an argument value node the encoder does not
// handle.
var ErrUnsupportedKind = errors.New("unsupported argument value kind")

// Field returns the store key for f under the variable environment vars.
func Field(f *language.Field, vars map[string]any) (string, error) {
	if len(f.Arguments) == 0 {
		return f.Name, nil
	}
	args := make(map[string]any, len(f.Arguments))
	for _, arg := range f.Arguments {
		v, err := ValueFromAST(arg.Value, vars)
		if err != nil {
			return "", fmt.Errorf("argument %q of field %q: %w", arg.Name, f.Name, err)
		}
		args[arg.Name] = v
	}
	var b strings.Builder
	b.WriteString(f.Name)
	b.WriteByte('(')
	writeCanonical(&b, args)
	b.WriteByte(')')
	return b.String(), nil
}

// Response returns the response-shape key for f: the alias when present,
// else the field name.
func Response(f *language.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// ValueFromAST converts an argument value node to a plain Go value,
// substituting variables from vars.
func ValueFromAST(v *language.Value, vars map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.Kind {
	case language.Variable:
		return vars[strings.TrimPrefix(v.Raw, "$")], nil
	case language.IntValue:
		iv, err := strconv.Atoi(v.Raw)
		if err != nil {
			return nil, fmt.Errorf("malformed int literal %q", v.Raw)
		}
		return iv, nil
	case language.FloatValue:
		fv, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed float literal %q", v.Raw)
		}
		return fv, nil
	case language.StringValue, language.BlockValue:
		return v.Raw, nil
	case language.BooleanValue:
		return v.Raw == "true", nil
	case language.NullValue:
		return nil, nil
	case language.EnumValue:
		return v.Raw, nil
	case language.ListValue:
		out := make([]any, len(v.Children))
		for i, c := range v.Children {
			cv, err := ValueFromAST(c.Value, vars)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case language.ObjectValue:
		m := make(map[string]any, len(v.Children))
		for _, c := range v.Children {
			cv, err := ValueFromAST(c.Value, vars)
			if err != nil {
				return nil, err
			}
			m[c.Name] = cv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, v.Kind)
	}
}

// writeCanonical serializes v as JSON with sorted object keys.
func writeCanonical(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case string:
		writeJSONString(b, x)
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, e)
		}
		b.WriteByte(']')
	case map[string]any:
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteByte('{')
		for i, k := range names {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	default:
		// Variables can carry any JSON-decoded value; anything else is a
		// host programming error surfaced as its fmt representation.
		writeJSONString(b, fmt.Sprintf("%v", x))
	}
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}
