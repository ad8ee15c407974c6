// Package toolfilter decides which upstream tools the local peer may see
// and call.
package toolfilter

import (
	"encoding/json"
	"sort"
)

// Filter is an immutable allow-list of tool names.
type Filter struct {
	allowed map[string]struct{}
}

// New builds a Filter from names. Empty names are ignored.
func New(names []string) *Filter {
	f := &Filter{allowed: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n == "" {
			continue
		}
		f.allowed[n] = struct{}{}
	}
	return f
}

// Allowed reports whether name is on the allow-list. Matching is exact.
func (f *Filter) Allowed(name string) bool {
	_, ok := f.allowed[name]
	return ok
}

// Filter keeps the descriptors whose name is allowed. Order and the
// descriptor bytes are preserved.
func (f *Filter) Filter(tools []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(tools))
	for _, raw := range tools {
		var d struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &d) != nil {
			continue
		}
		if f.Allowed(d.Name) {
			out = append(out, raw)
		}
	}
	return out
}

// Names returns the allowed names in sorted order.
func (f *Filter) Names() []string {
	out := make([]string, 0, len(f.allowed))
	for n := range f.allowed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of allowed names.
func (f *Filter) Len() int { return len(f.allowed) }
