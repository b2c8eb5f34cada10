package output

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/lo"
)

var (
	ErrUnrecognizedOutputShape = errors.New("unrecognized output shape")
	ErrEmptyOutput             = errors.New("empty output")
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindText is a bare string.
	KindText
	// KindList is an array of strings or file objects.
	KindList
	// KindStringer is a file object carrying a url or data field.
	KindStringer
	// KindKeyed is an object with one of the known result fields.
	KindKeyed
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindList:
		return "list"
	case KindStringer:
		return "stringer"
	case KindKeyed:
		return "keyed"
	default:
		return "unknown"
	}
}

// Shape is a classified prediction output. Values holds the URLs in
// provider order; Field names the object key they were taken from.
type Shape struct {
	Kind   Kind
	Values []string
	Field  string

	raw any
}

var (
	stringerFields = []string{"url", "data"}
	singularFields = []string{"image", "depth_map", "output"}
	pluralFields   = []string{"images", "output"}
)

// Classify maps a decoded JSON payload onto a Shape. The first matching
// rule wins: text, list, stringer, keyed.
func Classify(raw any) Shape {
	s := Shape{raw: raw}
	switch v := raw.(type) {
	case string:
		s.Kind, s.Values = KindText, []string{v}
	case []string:
		s.Kind, s.Values = KindList, v
	case []any:
		if vs, ok := coerceAll(v); ok {
			s.Kind, s.Values = KindList, vs
		}
	case map[string]any:
		if field, u, ok := firstString(v, stringerFields); ok {
			s.Kind, s.Field, s.Values = KindStringer, field, []string{u}
		} else if field, u, ok := firstString(v, singularFields); ok {
			s.Kind, s.Field, s.Values = KindKeyed, field, []string{u}
		} else {
			for _, field := range pluralFields {
				xs, isList := v[field].([]any)
				if !isList {
					continue
				}
				if vs, ok := coerceAll(xs); ok {
					s.Kind, s.Field, s.Values = KindKeyed, field, vs
					break
				}
			}
		}
	}
	return s
}

// Single returns the first URL of the shape.
func (s Shape) Single() (string, error) {
	vs, err := s.Many()
	if err != nil {
		return "", err
	}
	return vs[0], nil
}

// Many returns every URL of the shape, never an empty slice.
func (s Shape) Many() ([]string, error) {
	if s.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedOutputShape, Sample(s.raw))
	}
	vs := lo.Compact(s.Values)
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s output", ErrEmptyOutput, s.Kind)
	}
	return vs, nil
}

func NormalizeSingle(raw any) (string, error) {
	return Classify(raw).Single()
}

func NormalizeMany(raw any) ([]string, error) {
	return Classify(raw).Many()
}

func firstString(m map[string]any, fields []string) (string, string, bool) {
	for _, f := range fields {
		if s, ok := m[f].(string); ok && s != "" {
			return f, s, true
		}
	}
	return "", "", false
}

// coerce accepts a string or a file object with a url or data field.
func coerce(x any) (string, bool) {
	switch v := x.(type) {
	case string:
		return v, true
	case map[string]any:
		_, s, ok := firstString(v, stringerFields)
		return s, ok
	}
	return "", false
}

func coerceAll(xs []any) ([]string, bool) {
	vs := lo.FilterMap(xs, func(x any, _ int) (string, bool) { return coerce(x) })
	return vs, len(vs) == len(xs)
}

const (
	maxSampleBytes  = 512
	maxSampleString = 64
)

// Sample renders raw as JSON for error messages. Long strings are shortened
// and the result is capped at maxSampleBytes.
func Sample(raw any) string {
	bs, err := json.Marshal(shorten(raw))
	if err != nil {
		bs = []byte(fmt.Sprintf("%T", raw))
	}
	if len(bs) > maxSampleBytes {
		return string(bs[:maxSampleBytes]) + "...(truncated)"
	}
	return string(bs)
}

func shorten(x any) any {
	switch v := x.(type) {
	case string:
		if len(v) > maxSampleString {
			return fmt.Sprintf("%s...(%d bytes)", v[:maxSampleString], len(v))
		}
		return v
	case []any:
		return lo.Map(v, func(e any, _ int) any { return shorten(e) })
	case map[string]any:
		return lo.MapValues(v, func(e any, _ string) any { return shorten(e) })
	default:
		return v
	}
}
