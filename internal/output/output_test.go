package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decode mirrors what the prediction client hands over: output decoded into any.
func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		kind   Kind
		field  string
		single string
		many   []string
	}{
		{"BareString", `"https://cdn/a.png"`, KindText, "", "https://cdn/a.png", []string{"https://cdn/a.png"}},
		{"Array", `["https://cdn/a.png","https://cdn/b.png"]`, KindList, "", "https://cdn/a.png", []string{"https://cdn/a.png", "https://cdn/b.png"}},
		{"ArrayOfFiles", `[{"url":"https://cdn/a.png"}]`, KindList, "", "https://cdn/a.png", []string{"https://cdn/a.png"}},
		{"URLObject", `{"url":"https://cdn/a.png"}`, KindStringer, "url", "https://cdn/a.png", []string{"https://cdn/a.png"}},
		{"DataObject", `{"data":"data:image/png;base64,AAAA"}`, KindStringer, "data", "data:image/png;base64,AAAA", []string{"data:image/png;base64,AAAA"}},
		{"Image", `{"image":"https://cdn/a.png"}`, KindKeyed, "image", "https://cdn/a.png", []string{"https://cdn/a.png"}},
		{"Images", `{"images":["https://cdn/a.png","https://cdn/b.png"]}`, KindKeyed, "images", "https://cdn/a.png", []string{"https://cdn/a.png", "https://cdn/b.png"}},
		{"DepthMap", `{"depth_map":"https://cdn/d.png","grey_depth":"https://cdn/g.png"}`, KindKeyed, "depth_map", "https://cdn/d.png", []string{"https://cdn/d.png"}},
		{"OutputString", `{"output":"https://cdn/a.png"}`, KindKeyed, "output", "https://cdn/a.png", []string{"https://cdn/a.png"}},
		{"OutputArray", `{"output":["https://cdn/a.png","https://cdn/b.png"]}`, KindKeyed, "output", "https://cdn/a.png", []string{"https://cdn/a.png", "https://cdn/b.png"}},
		{"SingularBeforePlural", `{"images":["https://cdn/p.png"],"image":"https://cdn/s.png"}`, KindKeyed, "image", "https://cdn/s.png", []string{"https://cdn/s.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := decode(t, tt.raw)

			shape := Classify(raw)
			assert.Equal(t, tt.kind, shape.Kind)
			assert.Equal(t, tt.field, shape.Field)

			single, err := NormalizeSingle(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.single, single)

			many, err := NormalizeMany(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.many, many)
		})
	}
}

func TestNormalizeStringSlice(t *testing.T) {
	t.Parallel()

	many, err := NormalizeMany([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, many)
}

func TestNormalizeUnrecognized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  any
	}{
		{"Nil", nil},
		{"Number", 42.0},
		{"Bool", true},
		{"UnknownKeys", map[string]any{"result": "https://cdn/a.png"}},
		{"NonStringImage", map[string]any{"image": 3.0}},
		{"MixedArray", []any{"https://cdn/a.png", 1.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, KindUnknown, Classify(tt.raw).Kind)

			_, err := NormalizeSingle(tt.raw)
			assert.ErrorIs(t, err, ErrUnrecognizedOutputShape)
			_, err = NormalizeMany(tt.raw)
			assert.ErrorIs(t, err, ErrUnrecognizedOutputShape)
		})
	}
}

func TestNormalizeEmpty(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]any{
		"EmptyArray":  []any{},
		"EmptyString": "",
		"EmptyImages": map[string]any{"images": []any{}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NormalizeSingle(raw)
			assert.ErrorIs(t, err, ErrEmptyOutput)
			_, err = NormalizeMany(raw)
			assert.ErrorIs(t, err, ErrEmptyOutput)
		})
	}
}

func TestSample(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 1000)
	s := Sample(map[string]any{"blob": long})
	assert.Contains(t, s, strings.Repeat("x", maxSampleString)+"...(1000 bytes)")
	assert.NotContains(t, s, strings.Repeat("x", maxSampleString+1))

	many := make([]any, 200)
	for i := range many {
		many[i] = map[string]any{"k": i}
	}
	s = Sample(many)
	assert.LessOrEqual(t, len(s), maxSampleBytes+len("...(truncated)"))
	assert.True(t, strings.HasSuffix(s, "...(truncated)"))

	_, err := NormalizeSingle(map[string]any{"blob": long})
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 200)
}
