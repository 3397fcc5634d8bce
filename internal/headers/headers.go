// Package headers provides the case-insensitive, insertion-ordered header
// map that flows through every stage of a proxied request.
package headers

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
)

// SetCookie is the only header that keeps list semantics; every other header
// holds a single (possibly comma-joined) value.
const SetCookie = "set-cookie"

var listSeparator = regexp.MustCompile(`,\s*`)

// Map is an ordered header map with lower-cased keys.
// The zero value is not usable; use New or FromHTTP.
type Map struct {
	keys   []string
	values map[string][]string
}

// New creates an empty header map.
func New() *Map {
	return &Map{values: make(map[string][]string)}
}

// FromHTTP converts a net/http header. Repeated values of a single-valued
// header are joined with ", ". Keys are added in sorted order.
func FromHTTP(h http.Header) *Map {
	m := New()
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := h[k]
		if len(vs) == 0 {
			continue
		}
		m.SetValues(k, vs)
	}
	return m
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Has reports whether the header is present.
func (m *Map) Has(name string) bool {
	_, ok := m.values[normalize(name)]
	return ok
}

// Get returns the header value. Set-Cookie values are joined with "\n"
// since they cannot be comma-joined.
func (m *Map) Get(name string) string {
	key := normalize(name)
	vs := m.values[key]
	switch len(vs) {
	case 0:
		return ""
	case 1:
		return vs[0]
	}
	if key == SetCookie {
		return strings.Join(vs, "\n")
	}
	return strings.Join(vs, ", ")
}

// Values returns a copy of all values stored for the header.
func (m *Map) Values(name string) []string {
	vs := m.values[normalize(name)]
	if vs == nil {
		return nil
	}
	out := make([]string, len(vs))
	copy(out, vs)
	return out
}

// Set replaces the header with a single value.
func (m *Map) Set(name, value string) {
	m.put(normalize(name), []string{value})
}

// SetValues replaces the header with the given values. For headers other
// than Set-Cookie the values are joined into one.
func (m *Map) SetValues(name string, values []string) {
	key := normalize(name)
	if key == SetCookie {
		vs := make([]string, len(values))
		copy(vs, values)
		m.put(key, vs)
		return
	}
	m.put(key, []string{strings.Join(values, ", ")})
}

// Add appends a value. Set-Cookie gains another entry; other headers are
// comma-joined.
func (m *Map) Add(name, value string) {
	key := normalize(name)
	vs, ok := m.values[key]
	if !ok {
		m.put(key, []string{value})
		return
	}
	if key == SetCookie {
		m.values[key] = append(vs, value)
		return
	}
	m.values[key] = []string{vs[0] + ", " + value}
}

func (m *Map) put(key string, vs []string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = vs
}

// Del removes the header.
func (m *Map) Del(name string) {
	key := normalize(name)
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of distinct headers.
func (m *Map) Len() int {
	return len(m.keys)
}

// Keys returns the header names in insertion order.
func (m *Map) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for every header in insertion order until fn returns false.
func (m *Map) Range(fn func(name string, values []string) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

// Update rewrites every value of the header in place. Missing headers are
// left alone.
func (m *Map) Update(name string, fn func(string) string) {
	vs, ok := m.values[normalize(name)]
	if !ok {
		return
	}
	for i, v := range vs {
		vs[i] = fn(v)
	}
}

// Assign copies every header of other into m, overwriting existing values.
func (m *Map) Assign(other *Map) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		vs := other.values[k]
		cp := make([]string, len(vs))
		copy(cp, vs)
		m.put(k, cp)
	}
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	c := New()
	c.Assign(m)
	return c
}

// MergeCommaSet merges comma-separated lists into the header, removing
// case-insensitive duplicates while keeping the first occurrence order.
// Existing values of the header come first.
func (m *Map) MergeCommaSet(name string, lists ...string) {
	all := make([]string, 0, len(lists)+1)
	if m.Has(name) {
		all = append(all, m.Get(name))
	}
	all = append(all, lists...)
	merged := MergeCommaSeparated(all...)
	if merged == "" {
		return
	}
	m.Set(name, merged)
}

// MergeCommaSeparated joins comma-separated lists into one de-duplicated list.
func MergeCommaSeparated(lists ...string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, item := range SplitList(list) {
			key := strings.ToLower(item)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	return strings.Join(out, ", ")
}

// SplitList splits a comma-separated header value, dropping empty items.
func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := listSeparator.Split(value, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HTTP converts the map into a net/http header.
func (m *Map) HTTP() http.Header {
	h := make(http.Header, len(m.keys))
	m.WriteTo(h)
	return h
}

// WriteTo adds all headers to h, replacing values already present there.
func (m *Map) WriteTo(h http.Header) {
	for _, k := range m.keys {
		ck := http.CanonicalHeaderKey(k)
		vs := m.values[k]
		h[ck] = append([]string(nil), vs...)
	}
}
