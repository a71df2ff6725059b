// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package push

import (
	"context"
	"sort"

	"github.com/driftsync/driftsync/handler"
)

// Plugin hooks into the push pipeline around each operation. Plugins run in
// ascending priority order, so later plugins observe the rewrites of
// earlier ones.
type Plugin interface {
	Name() string
	Priority() int

	// BeforeApplyOperation may rewrite the operation before it is applied.
	BeforeApplyOperation(ctx context.Context, auth handler.Auth, opIndex int, op handler.Operation) (handler.Operation, error)

	// AfterApplyOperation observes the outcome of a successfully applied
	// operation.
	AfterApplyOperation(ctx context.Context, auth handler.Auth, opIndex int, op handler.Operation, outcome handler.ApplyOutcome) error
}

func sortPlugins(plugins []Plugin) []Plugin {
	sorted := append([]Plugin(nil), plugins...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return sorted
}
