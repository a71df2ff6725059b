// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package scope implements scope mappings, the unit of read authorization
// and change indexing.
//
// A mapping assigns each scope-key name either a single value, a set of
// values, or All, which stands for every value the actor may see. On the
// wire a mapping is a JSON object whose values are a string, an array of
// strings, or the literal "*".
package scope

import (
	"encoding/json"
	"sort"

	"github.com/zeebo/errs"
)

// Error is the default error class for the scope package.
var Error = errs.Class("scope")

// Wildcard is the wire representation of All.
const Wildcard = "*"

type valueKind int8

const (
	kindSingle valueKind = iota
	kindSet
	kindAll
)

// Value is one entry of a scope mapping: a single value, a set of values,
// or All.
type Value struct {
	kind valueKind
	one  string
	many []string
}

// Single returns a Value holding exactly one scope value.
func Single(v string) Value { return Value{kind: kindSingle, one: v} }

// Set returns a Value holding a set of scope values.
func Set(vs ...string) Value {
	sorted := append([]string(nil), vs...)
	sort.Strings(sorted)
	return Value{kind: kindSet, many: dedupSorted(sorted)}
}

// All returns the wildcard Value.
func All() Value { return Value{kind: kindAll} }

// IsAll reports whether the value is the wildcard.
func (v Value) IsAll() bool { return v.kind == kindAll }

// IsEmpty reports whether the value holds no scope values at all.
func (v Value) IsEmpty() bool { return v.kind == kindSet && len(v.many) == 0 }

// Values returns the concrete scope values. The wildcard has no concrete
// values and returns nil.
func (v Value) Values() []string {
	switch v.kind {
	case kindSingle:
		return []string{v.one}
	case kindSet:
		return v.many
	default:
		return nil
	}
}

// Contains reports whether the value admits the given concrete scope value.
func (v Value) Contains(s string) bool {
	switch v.kind {
	case kindAll:
		return true
	case kindSingle:
		return v.one == s
	default:
		i := sort.SearchStrings(v.many, s)
		return i < len(v.many) && v.many[i] == s
	}
}

// Intersect returns the intersection of two values.
func (v Value) Intersect(other Value) Value {
	switch {
	case v.IsAll():
		return other
	case other.IsAll():
		return v
	}
	var shared []string
	for _, s := range v.Values() {
		if other.Contains(s) {
			shared = append(shared, s)
		}
	}
	if len(shared) == 1 {
		return Single(shared[0])
	}
	return Set(shared...)
}

// MarshalJSON encodes the value as a string, an array, or "*".
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindAll:
		return json.Marshal(Wildcard)
	case kindSingle:
		return json.Marshal(v.one)
	default:
		return json.Marshal(v.many)
	}
}

// UnmarshalJSON decodes a string, an array of strings, or "*".
func (v *Value) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == Wildcard {
			*v = All()
		} else {
			*v = Single(single)
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return Error.New("invalid scope value %q", string(data))
	}
	*v = Set(many...)
	return nil
}

// Mapping assigns scope values to scope-key names.
type Mapping map[string]Value

// Clone returns a copy of the mapping.
func (m Mapping) Clone() Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the scope-key names in sorted order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Intersect narrows the authorized mapping by the client-requested mapping.
// Keys absent from requested keep their authorized values; requested keys
// absent from authorized only ever narrow further. ok is false when any
// key's intersection is empty, meaning the request asks for scopes the
// actor cannot observe.
func (m Mapping) Intersect(requested Mapping) (_ Mapping, ok bool) {
	out := make(Mapping, len(m)+len(requested))
	for key, authorized := range m {
		effective := authorized
		if asked, exists := requested[key]; exists {
			effective = authorized.Intersect(asked)
		}
		if effective.IsEmpty() {
			return nil, false
		}
		out[key] = effective
	}
	for key, asked := range requested {
		if _, exists := m[key]; exists {
			continue
		}
		if asked.IsEmpty() {
			return nil, false
		}
		out[key] = asked
	}
	return out, true
}

// Admits reports whether the extracted concrete scope values of a change
// fall within the mapping. Keys missing from the mapping are unconstrained.
func (m Mapping) Admits(extracted map[string]string) bool {
	for key, value := range m {
		concrete, exists := extracted[key]
		if !exists {
			continue
		}
		if !value.Contains(concrete) {
			return false
		}
	}
	return true
}

// Binding is a fully materialized assignment of one concrete value per
// scope key.
type Binding map[string]string

// Bindings expands the mapping into the Cartesian product of its concrete
// values. Wildcard keys contribute no constraint and are omitted from the
// bindings. An empty mapping yields a single empty binding.
func (m Mapping) Bindings() []Binding {
	bindings := []Binding{{}}
	for _, key := range m.Keys() {
		value := m[key]
		if value.IsAll() {
			continue
		}
		var next []Binding
		for _, binding := range bindings {
			for _, concrete := range value.Values() {
				grown := make(Binding, len(binding)+1)
				for k, v := range binding {
					grown[k] = v
				}
				grown[key] = concrete
				next = append(next, grown)
			}
		}
		bindings = next
	}
	return bindings
}

func dedupSorted(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && sorted[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}
