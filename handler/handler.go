// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package handler defines the per-table plug-in contract: resolving the
// scopes an actor may read, applying pushed operations, extracting the
// authoritative scopes of mutated rows, and paging bootstrap snapshots.
package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zeebo/errs"

	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/shared/tagsql"
	"github.com/driftsync/driftsync/synclog"
)

var (
	// Error is the default error class for handlers.
	Error = errs.Class("handler")
	// ErrUnknownTable is returned when an operation targets an unregistered
	// table.
	ErrUnknownTable = errs.Class("unknown table")
)

// Auth identifies the actor and partition a request runs as. It is produced
// by the host's authenticate callback; the engine only consumes it.
type Auth struct {
	ActorID   string
	Partition string
}

// Operation is one client mutation within a push commit.
type Operation struct {
	Table       string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          synclog.Op      `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion *int64          `json:"base_version"`
}

// Status is the outcome kind of one applied operation.
type Status string

const (
	// StatusApplied means the operation succeeded.
	StatusApplied Status = "applied"
	// StatusConflict means the row's server version did not match the
	// client's base version.
	StatusConflict Status = "conflict"
	// StatusError means the operation failed validation or application.
	StatusError Status = "error"
)

// Well-known error codes for operation results.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeEmptyCommit    = "EMPTY_COMMIT"
	CodeUnknownTable   = "UNKNOWN_TABLE"
	CodeRowMissing     = "ROW_MISSING"
	CodeConflict       = "CONFLICT"
	CodeScopeDenied    = "SCOPE_DENIED"
)

// CannotMoveBetweenCode builds the error code for an upsert that attempts
// to change an immutable scope field.
func CannotMoveBetweenCode(scopeKey string) string {
	return "CANNOT_MOVE_BETWEEN_" + strings.ToUpper(scopeKey)
}

// OpResult is the tagged per-operation outcome: applied, conflict (carrying
// the server's version and row), or error (carrying a code and whether a
// retry can help).
type OpResult struct {
	OpIndex int    `json:"opIndex"`
	Status  Status `json:"status"`

	ServerVersion *int64          `json:"server_version,omitempty"`
	ServerRow     json.RawMessage `json:"server_row,omitempty"`

	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

// Applied returns an applied result.
func Applied(opIndex int) OpResult {
	return OpResult{OpIndex: opIndex, Status: StatusApplied}
}

// Conflict returns a conflict result carrying the authoritative row.
func Conflict(opIndex int, serverVersion int64, serverRow json.RawMessage) OpResult {
	return OpResult{
		OpIndex:       opIndex,
		Status:        StatusConflict,
		ServerVersion: &serverVersion,
		ServerRow:     serverRow,
		Code:          CodeConflict,
		Retriable:     true,
	}
}

// Errored returns an error result.
func Errored(opIndex int, code string, retriable bool, message string) OpResult {
	return OpResult{
		OpIndex:   opIndex,
		Status:    StatusError,
		Code:      code,
		Retriable: retriable,
		Message:   message,
	}
}

// ApplyOutcome is what applying one operation produced: the per-op result
// and, when applied, the emitted changes to persist and fan out.
type ApplyOutcome struct {
	Result  OpResult
	Emitted []synclog.EmittedChange
}

// SnapshotPage is one page of bootstrap rows.
type SnapshotPage struct {
	Rows       []json.RawMessage
	NextCursor string
}

// Handler is the per-table plug-in contract.
type Handler interface {
	// Table returns the table name the handler serves.
	Table() string

	// ScopePatterns returns the ordered scope-key templates for the table.
	ScopePatterns() []scope.Pattern

	// ResolveScopes returns the scope mapping the actor may read.
	ResolveScopes(ctx context.Context, auth Auth) (scope.Mapping, error)

	// ExtractScopes projects a row onto its concrete scope values.
	ExtractScopes(row map[string]interface{}) map[string]string

	// Snapshot returns one page of rows for a fully materialized scope
	// binding, for bootstrap pagination.
	Snapshot(ctx context.Context, tx tagsql.Tx, partition string, binding scope.Binding, cursor string, limit int) (SnapshotPage, error)

	// ApplyOperation applies one pushed operation inside the push
	// transaction and returns its outcome. Validation and version
	// conflicts are reported through the outcome, never as errors; an
	// error return means infrastructure failure.
	ApplyOperation(ctx context.Context, tx tagsql.Tx, auth Auth, opIndex int, op Operation) (ApplyOutcome, error)
}

// BatchApplier is an optional extension folding contiguous operations for
// the same table into one set-returning write.
type BatchApplier interface {
	ApplyOperationBatch(ctx context.Context, tx tagsql.Tx, auth Auth, startIndex int, ops []Operation) ([]ApplyOutcome, error)
}

// Registry is a collection of handlers keyed by table name.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering the same table twice fails.
func (r *Registry) Register(h Handler) error {
	table := h.Table()
	if table == "" {
		return Error.New("handler has no table name")
	}
	if _, exists := r.handlers[table]; exists {
		return Error.New("table %q already registered", table)
	}
	r.handlers[table] = h
	return nil
}

// Lookup returns the handler for a table, failing fast when the table is
// unregistered.
func (r *Registry) Lookup(table string) (Handler, error) {
	h, exists := r.handlers[table]
	if !exists {
		return nil, ErrUnknownTable.New("%q", table)
	}
	return h, nil
}

// Tables returns the registered table names.
func (r *Registry) Tables() []string {
	tables := make([]string, 0, len(r.handlers))
	for table := range r.handlers {
		tables = append(tables, table)
	}
	return tables
}
