// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package scope_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/scope"
)

func TestValueJSON(t *testing.T) {
	for _, tt := range []struct {
		value   scope.Value
		encoded string
	}{
		{scope.Single("u1"), `"u1"`},
		{scope.Set("b", "a", "b"), `["a","b"]`},
		{scope.All(), `"*"`},
		{scope.Set(), `[]`},
	} {
		data, err := json.Marshal(tt.value)
		require.NoError(t, err)
		require.Equal(t, tt.encoded, string(data))

		var decoded scope.Value
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, tt.value, decoded)
	}

	var invalid scope.Value
	require.Error(t, json.Unmarshal([]byte(`42`), &invalid))
}

func TestValueContains(t *testing.T) {
	require.True(t, scope.All().Contains("anything"))
	require.True(t, scope.Single("u1").Contains("u1"))
	require.False(t, scope.Single("u1").Contains("u2"))
	require.True(t, scope.Set("a", "b").Contains("b"))
	require.False(t, scope.Set("a", "b").Contains("c"))
	require.False(t, scope.Set().Contains("a"))
}

func TestValueIntersect(t *testing.T) {
	require.Equal(t, scope.Single("u1"), scope.All().Intersect(scope.Single("u1")))
	require.Equal(t, scope.Single("u1"), scope.Single("u1").Intersect(scope.All()))
	require.Equal(t, scope.Single("b"), scope.Set("a", "b").Intersect(scope.Set("b", "c")))
	require.True(t, scope.Single("u1").Intersect(scope.Single("u2")).IsEmpty())
}

func TestMappingIntersect(t *testing.T) {
	authorized := scope.Mapping{
		"user_id": scope.Single("u1"),
		"org_id":  scope.All(),
	}

	// no request keeps the authorized mapping
	effective, ok := authorized.Intersect(nil)
	require.True(t, ok)
	require.Equal(t, authorized, effective)

	// requesting within authorization narrows
	effective, ok = authorized.Intersect(scope.Mapping{"org_id": scope.Single("o7")})
	require.True(t, ok)
	require.Equal(t, scope.Single("o7"), effective["org_id"])
	require.Equal(t, scope.Single("u1"), effective["user_id"])

	// requesting someone else's scope is a revocation
	_, ok = authorized.Intersect(scope.Mapping{"user_id": scope.Single("u2")})
	require.False(t, ok)

	// keys unknown to the authorization still narrow the result
	effective, ok = authorized.Intersect(scope.Mapping{"team_id": scope.Single("t1")})
	require.True(t, ok)
	require.Equal(t, scope.Single("t1"), effective["team_id"])
}

func TestMappingAdmits(t *testing.T) {
	mapping := scope.Mapping{"user_id": scope.Single("u1")}
	require.True(t, mapping.Admits(map[string]string{"user_id": "u1"}))
	require.False(t, mapping.Admits(map[string]string{"user_id": "u2"}))
	// changes without the key are not constrained by it
	require.True(t, mapping.Admits(map[string]string{"org_id": "o1"}))
}

func TestMappingBindings(t *testing.T) {
	mapping := scope.Mapping{
		"user_id": scope.Single("u1"),
		"org_id":  scope.Set("o1", "o2"),
		"team_id": scope.All(),
	}
	bindings := mapping.Bindings()
	require.Len(t, bindings, 2)
	for _, binding := range bindings {
		require.Equal(t, "u1", binding["user_id"])
		require.NotContains(t, binding, "team_id")
	}
	require.Equal(t, "o1", bindings[0]["org_id"])
	require.Equal(t, "o2", bindings[1]["org_id"])

	require.Equal(t, []scope.Binding{{}}, scope.Mapping{}.Bindings())
}
