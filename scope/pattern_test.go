// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package scope_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/scope"
)

func TestPatternKeys(t *testing.T) {
	require.Equal(t, []string{"user_id"}, scope.Pattern("user:{user_id}").Keys())
	require.Equal(t, []string{"org_id", "team_id"}, scope.Pattern("org:{org_id}:team:{team_id}").Keys())
	require.Empty(t, scope.Pattern("global").Keys())
}

func TestPatternMaterialize(t *testing.T) {
	key, ok := scope.Pattern("user:{user_id}").Materialize(map[string]string{"user_id": "u1"})
	require.True(t, ok)
	require.Equal(t, "user:u1", key)

	key, ok = scope.Pattern("org:{org_id}:team:{team_id}").Materialize(map[string]string{
		"org_id": "o1", "team_id": "t9",
	})
	require.True(t, ok)
	require.Equal(t, "org:o1:team:t9", key)

	_, ok = scope.Pattern("user:{user_id}").Materialize(map[string]string{"org_id": "o1"})
	require.False(t, ok)

	_, ok = scope.Pattern("user:{user_id}").Materialize(map[string]string{"user_id": ""})
	require.False(t, ok)

	key, ok = scope.Pattern("global").Materialize(nil)
	require.True(t, ok)
	require.Equal(t, "global", key)
}

func TestExpandKeys(t *testing.T) {
	patterns := []scope.Pattern{"user:{user_id}", "org:{org_id}", "user:{user_id}"}
	keys := scope.ExpandKeys(patterns, map[string]string{"user_id": "u1", "org_id": "o1"})
	require.Equal(t, []string{"org:o1", "user:u1"}, keys)

	// missing placeholders drop the pattern, not the whole expansion
	keys = scope.ExpandKeys(patterns, map[string]string{"user_id": "u1"})
	require.Equal(t, []string{"user:u1"}, keys)

	require.Empty(t, scope.ExpandKeys(patterns, nil))
}
