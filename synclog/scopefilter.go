// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"regexp"
	"strings"

	"github.com/driftsync/driftsync/scope"
)

var validScopeKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// scopeFilterSQL builds a WHERE fragment constraining a JSON scopes column
// by an effective scope mapping. Single values become equality on the
// extracted field, sets become membership, wildcards contribute no
// constraint, and multiple keys conjunct with AND. The returned fragment is
// empty when the mapping constrains nothing. Key names are bound, never
// spliced into the fragment, and invalid names fail outright.
func scopeFilterSQL(adapter Adapter, column string, scopes scope.Mapping) (string, []interface{}, error) {
	var conds []string
	var args []interface{}
	for _, key := range scopes.Keys() {
		value := scopes[key]
		if value.IsAll() {
			continue
		}
		if !validScopeKey.MatchString(key) {
			return "", nil, Error.New("invalid scope key %q", key)
		}
		field, fieldArg := adapter.JSONField(column, key)
		cond, condArgs := adapter.ValuesCondition(field, value.Values())
		conds = append(conds, cond)
		args = append(args, fieldArg)
		args = append(args, condArgs...)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return strings.Join(conds, " AND "), args, nil
}
