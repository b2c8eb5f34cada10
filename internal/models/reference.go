package models

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Reference names a hosted model, optionally pinned to a version.
type Reference struct {
	Owner   string
	Name    string
	Version string

	// Schema is the OpenAPI document of the resolved version, when the
	// provider returned one.
	Schema *openapi3.T
}

// ParseReference accepts "owner/name" or "owner/name:version". Slugs are
// lower-cased because the provider rejects mixed case with a 404.
func ParseReference(s string) (Reference, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	slug, version, _ := strings.Cut(s, ":")
	owner, name, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Reference{}, fmt.Errorf("invalid model reference %q: want owner/name[:version]", s)
	}
	return Reference{Owner: owner, Name: name, Version: version}, nil
}

// Key is the cache key of the reference, independent of its version.
func (r Reference) Key() string {
	return r.Owner + "/" + r.Name
}

func (r Reference) Versioned() bool {
	return r.Version != ""
}

func (r Reference) String() string {
	if r.Version == "" {
		return r.Key()
	}
	return r.Key() + ":" + r.Version
}

// FilterInput drops keys the model's Input schema does not declare. Without
// a schema the input is returned untouched.
func (r Reference) FilterInput(input map[string]any) (map[string]any, []string) {
	if r.Schema == nil || r.Schema.Components == nil {
		return input, nil
	}
	ref, ok := r.Schema.Components.Schemas["Input"]
	if !ok || ref == nil || ref.Value == nil || len(ref.Value.Properties) == 0 {
		return input, nil
	}
	filtered := make(map[string]any, len(input))
	var dropped []string
	for k, v := range input {
		if _, ok := ref.Value.Properties[k]; ok {
			filtered[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	return filtered, dropped
}
