// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package scope

import (
	"sort"
	"strings"
)

// Pattern is a scope-key template such as "user:{user_id}". Placeholders in
// braces are substituted with extracted scope values to produce the flat
// scope keys used for fan-out and indexing.
type Pattern string

// Keys returns the placeholder names in order of appearance.
func (p Pattern) Keys() []string {
	var keys []string
	s := string(p)
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			return keys
		}
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			return keys
		}
		keys = append(keys, s[open+1:open+close])
		s = s[open+close+1:]
	}
}

// Materialize substitutes the binding into the pattern. ok is false when the
// binding is missing a placeholder value.
func (p Pattern) Materialize(binding map[string]string) (key string, ok bool) {
	var b strings.Builder
	s := string(p)
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String(), true
		}
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			b.WriteString(s)
			return b.String(), true
		}
		b.WriteString(s[:open])
		value, exists := binding[s[open+1:open+close]]
		if !exists || value == "" {
			return "", false
		}
		b.WriteString(value)
		s = s[open+close+1:]
	}
}

// ExpandKeys materializes every pattern against the extracted scope values
// of one change and returns the deduplicated, sorted scope keys.
func ExpandKeys(patterns []Pattern, extracted map[string]string) []string {
	seen := make(map[string]struct{}, len(patterns))
	var keys []string
	for _, pattern := range patterns {
		key, ok := pattern.Materialize(extracted)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
