package sdmx

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	// KeyDelimiter separates dimension positions in a key.
	KeyDelimiter = "."
	// UnionSeparator joins several codes at one position.
	UnionSeparator = "+"
)

// KeyTemplate holds one default token per key dimension; "" is a wildcard.
type KeyTemplate []string

// ParseKeyTemplate splits a literal key such as "A..USA+CAN.S13" into its
// positions.
func ParseKeyTemplate(key string) KeyTemplate {
	return KeyTemplate(strings.Split(key, KeyDelimiter))
}

// WildcardTemplate returns a template of n wildcards.
func WildcardTemplate(n int) KeyTemplate {
	return make(KeyTemplate, n)
}

// String renders the template as a key.
func (t KeyTemplate) String() string {
	return strings.Join(t, KeyDelimiter)
}

// Overrides maps a dimension id to the codes to query at its position. A
// dimension that is absent falls back to the template; a dimension present
// with no codes is queried as a wildcard.
type Overrides map[string][]string

// Set replaces the codes for dim.
func (o Overrides) Set(dim string, codes ...string) {
	o[dim] = codes
}

// Clone returns a copy that can be modified independently.
func (o Overrides) Clone() Overrides {
	out := make(Overrides, len(o))
	for k, v := range o {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// BuildKey assembles the query key for the dimensions in order. It fails
// with a StructureError when the template and order lengths differ.
func BuildKey(order []string, tmpl KeyTemplate, ov Overrides) (string, error) {
	if len(tmpl) != len(order) {
		return "", &StructureError{
			Detail: fmt.Sprintf("key template has %d segments, catalog has %d dimensions", len(tmpl), len(order)),
		}
	}
	parts := make([]string, len(order))
	for i, dim := range order {
		codes, ok := ov[dim]
		if !ok {
			parts[i] = tmpl[i]
			continue
		}
		parts[i] = strings.Join(codes, UnionSeparator)
	}
	return strings.Join(parts, KeyDelimiter), nil
}

// Reference is a data query URL split into the pieces the engine varies.
type Reference struct {
	// Root is the service root, everything before "/data/".
	Root   string
	Flow   string
	Key    KeyTemplate
	Params url.Values
}

// ParseReference splits a query URL of the form
// ROOT/data/FLOW/KEY?params, as produced by agency query builders.
func ParseReference(raw string) (Reference, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, errors.Wrap(err, "parse reference url")
	}
	root, rest, ok := strings.Cut(u.EscapedPath(), "/data/")
	if !ok {
		return Reference{}, errors.Errorf("reference url %q has no /data/ segment", raw)
	}
	flow, key, ok := strings.Cut(rest, "/")
	if !ok {
		return Reference{}, errors.Errorf("reference url %q has no key after the flow", raw)
	}
	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}
	if unescaped, err := url.PathUnescape(flow); err == nil {
		flow = unescaped
	}
	return Reference{
		Root:   u.Scheme + "://" + u.Host + root,
		Flow:   flow,
		Key:    ParseKeyTemplate(strings.TrimSuffix(key, "/")),
		Params: u.Query(),
	}, nil
}

// DataURL returns the data endpoint for key, without query parameters.
func (r Reference) DataURL(key string) string {
	return r.Root + "/data/" + r.Flow + "/" + key
}
