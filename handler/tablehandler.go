// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/shared/dbutil"
	"github.com/driftsync/driftsync/shared/tagsql"
	"github.com/driftsync/driftsync/synclog"
)

var mon = monkit.Package()

var validTableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// TableConfig configures the default SQL-backed table handler.
type TableConfig struct {
	// Table is the logical and physical table name.
	Table string

	// ScopePatterns are the scope-key templates for the table.
	ScopePatterns []scope.Pattern

	// ScopeFields are the row fields that carry scope values.
	ScopeFields []string

	// ImmutableScopeKeys are scope fields an upsert may not change once a
	// row exists.
	ImmutableScopeKeys []string

	// ActorScopeField, when set, is resolved to the actor id: the default
	// authorization grants an actor its own value of this field and every
	// value of the remaining scope fields.
	ActorScopeField string

	// ResolveScopesFunc overrides the default authorization.
	ResolveScopesFunc func(ctx context.Context, auth Auth) (scope.Mapping, error)
}

// TableHandler is the default Handler implementation: rows live in a SQL
// table of (partition_id, row_id, row_json, server_version) with optimistic
// concurrency on server_version.
type TableHandler struct {
	log    *zap.Logger
	db     *synclog.DB
	config TableConfig
}

var _ Handler = (*TableHandler)(nil)
var _ BatchApplier = (*TableHandler)(nil)

// NewTableHandler creates a TableHandler for the given table.
func NewTableHandler(log *zap.Logger, db *synclog.DB, config TableConfig) (*TableHandler, error) {
	if !validTableName.MatchString(config.Table) {
		return nil, Error.New("invalid table name %q", config.Table)
	}
	return &TableHandler{log: log, db: db, config: config}, nil
}

// EnsureTable idempotently creates the backing table.
func (h *TableHandler) EnsureTable(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	rowJSONType, timestampType := "JSONB", "TIMESTAMPTZ"
	if h.db.Implementation() == dbutil.Sqlite {
		rowJSONType, timestampType = "TEXT", "TIMESTAMP"
	}
	_, err = h.db.UnderlyingTagSQL().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+h.config.Table+` (
			partition_id   TEXT NOT NULL DEFAULT 'default',
			row_id         TEXT NOT NULL,
			row_json       `+rowJSONType+` NOT NULL,
			server_version BIGINT NOT NULL,
			updated_at     `+timestampType+` NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (partition_id, row_id)
		)`)
	return Error.Wrap(err)
}

// Table implements Handler.
func (h *TableHandler) Table() string { return h.config.Table }

// ScopePatterns implements Handler.
func (h *TableHandler) ScopePatterns() []scope.Pattern { return h.config.ScopePatterns }

// ResolveScopes implements Handler. Without an override, the actor is
// granted its own value of ActorScopeField and every value of the other
// scope fields.
func (h *TableHandler) ResolveScopes(ctx context.Context, auth Auth) (scope.Mapping, error) {
	if h.config.ResolveScopesFunc != nil {
		return h.config.ResolveScopesFunc(ctx, auth)
	}
	mapping := make(scope.Mapping, len(h.config.ScopeFields))
	for _, field := range h.config.ScopeFields {
		if field == h.config.ActorScopeField {
			mapping[field] = scope.Single(auth.ActorID)
		} else {
			mapping[field] = scope.All()
		}
	}
	return mapping, nil
}

// ExtractScopes implements Handler.
func (h *TableHandler) ExtractScopes(row map[string]interface{}) map[string]string {
	extracted := make(map[string]string, len(h.config.ScopeFields))
	for _, field := range h.config.ScopeFields {
		value, exists := row[field]
		if !exists {
			continue
		}
		switch v := value.(type) {
		case string:
			extracted[field] = v
		case float64:
			extracted[field] = strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
		}
	}
	return extracted
}

// Snapshot implements Handler using keyset pagination by row id. All pages
// of one snapshot read through the same transaction so they observe a single
// point in time.
func (h *TableHandler) Snapshot(ctx context.Context, tx tagsql.Tx, partition string, binding scope.Binding, cursor string, limit int) (_ SnapshotPage, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 500
	}
	adapter := h.db.Adapter()

	query := `
		SELECT row_id, row_json FROM ` + h.config.Table + `
		WHERE partition_id = ? AND row_id > ?`
	args := []interface{}{partition, cursor}
	for _, key := range bindingKeys(binding) {
		field, fieldArg := adapter.JSONField("row_json", key)
		query += ` AND ` + field + ` = ?`
		args = append(args, fieldArg, binding[key])
	}
	query += ` ORDER BY row_id LIMIT ?`
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, adapter.Rebind(query), args...)
	if err != nil {
		return SnapshotPage{}, Error.Wrap(err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = Error.Wrap(closeErr)
		}
	}()

	var page SnapshotPage
	var lastRowID string
	for rows.Next() {
		var rowJSON string
		if err := rows.Scan(&lastRowID, &rowJSON); err != nil {
			return SnapshotPage{}, Error.Wrap(err)
		}
		page.Rows = append(page.Rows, json.RawMessage(rowJSON))
	}
	if err := rows.Err(); err != nil {
		return SnapshotPage{}, Error.Wrap(err)
	}
	if len(page.Rows) == limit {
		page.NextCursor = lastRowID
	}
	return page, nil
}

// ApplyOperation implements Handler.
func (h *TableHandler) ApplyOperation(ctx context.Context, tx tagsql.Tx, auth Auth, opIndex int, op Operation) (_ ApplyOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	switch op.Op {
	case synclog.OpDelete:
		return h.applyDelete(ctx, tx, auth, opIndex, op)
	case synclog.OpUpsert:
		return h.applyUpsert(ctx, tx, auth, opIndex, op)
	default:
		return ApplyOutcome{
			Result: Errored(opIndex, CodeInvalidRequest, false, fmt.Sprintf("unknown op %q", op.Op)),
		}, nil
	}
}

func (h *TableHandler) applyDelete(ctx context.Context, tx tagsql.Tx, auth Auth, opIndex int, op Operation) (ApplyOutcome, error) {
	authorized, err := h.ResolveScopes(ctx, auth)
	if err != nil {
		return ApplyOutcome{}, Error.Wrap(err)
	}
	existing, _, err := h.loadRow(ctx, tx, auth.Partition, op.RowID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if existing == nil || !authorized.Admits(h.ExtractScopes(existing)) {
		// rows outside the actor's scopes look the same as absent rows;
		// deleting an absent row is a no-op, not an error.
		return ApplyOutcome{Result: Applied(opIndex)}, nil
	}

	_, err = tx.ExecContext(ctx, h.db.Adapter().Rebind(`
		DELETE FROM `+h.config.Table+` WHERE partition_id = ? AND row_id = ?`),
		auth.Partition, op.RowID)
	if err != nil {
		return ApplyOutcome{}, Error.Wrap(err)
	}

	return ApplyOutcome{
		Result: Applied(opIndex),
		Emitted: []synclog.EmittedChange{{
			Table:  h.config.Table,
			RowID:  op.RowID,
			Op:     synclog.OpDelete,
			Scopes: h.ExtractScopes(existing),
		}},
	}, nil
}

func (h *TableHandler) applyUpsert(ctx context.Context, tx tagsql.Tx, auth Auth, opIndex int, op Operation) (ApplyOutcome, error) {
	payload := make(map[string]interface{})
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return ApplyOutcome{
				Result: Errored(opIndex, CodeInvalidRequest, false, "payload is not a JSON object"),
			}, nil
		}
	}

	authorized, err := h.ResolveScopes(ctx, auth)
	if err != nil {
		return ApplyOutcome{}, Error.Wrap(err)
	}
	if !authorized.Admits(h.ExtractScopes(payload)) {
		return ApplyOutcome{
			Result: Errored(opIndex, CodeScopeDenied, false,
				fmt.Sprintf("row %q carries scopes outside the actor's authorization", op.RowID)),
		}, nil
	}

	existing, existingVersion, err := h.loadRow(ctx, tx, auth.Partition, op.RowID)
	if err != nil {
		return ApplyOutcome{}, err
	}
	if existing != nil && !authorized.Admits(h.ExtractScopes(existing)) {
		// rows outside the actor's scopes look the same as absent rows.
		return ApplyOutcome{
			Result: Errored(opIndex, CodeRowMissing, false,
				fmt.Sprintf("row %q does not exist", op.RowID)),
		}, nil
	}

	var newVersion int64
	if existing == nil {
		if op.BaseVersion != nil && *op.BaseVersion != 0 {
			return ApplyOutcome{
				Result: Errored(opIndex, CodeRowMissing, false,
					fmt.Sprintf("row %q has base_version %d but does not exist", op.RowID, *op.BaseVersion)),
			}, nil
		}
		newVersion = 1
	} else {
		if op.BaseVersion != nil && *op.BaseVersion != existingVersion {
			serverRow, err := json.Marshal(existing)
			if err != nil {
				return ApplyOutcome{}, Error.Wrap(err)
			}
			return ApplyOutcome{Result: Conflict(opIndex, existingVersion, serverRow)}, nil
		}
		existingScopes := h.ExtractScopes(existing)
		newScopes := h.ExtractScopes(payload)
		for _, key := range h.config.ImmutableScopeKeys {
			before, had := existingScopes[key]
			after, has := newScopes[key]
			if had && has && before != after {
				return ApplyOutcome{
					Result: Errored(opIndex, CannotMoveBetweenCode(key), false,
						fmt.Sprintf("field %q may not change from %q to %q", key, before, after)),
				}, nil
			}
		}
		newVersion = existingVersion + 1
	}

	payload["id"] = op.RowID
	payload["server_version"] = newVersion
	rowJSON, err := json.Marshal(payload)
	if err != nil {
		return ApplyOutcome{}, Error.Wrap(err)
	}

	_, err = tx.ExecContext(ctx, h.db.Adapter().Rebind(`
		INSERT INTO `+h.config.Table+` (partition_id, row_id, row_json, server_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (partition_id, row_id) DO UPDATE SET
			row_json = excluded.row_json,
			server_version = excluded.server_version,
			updated_at = excluded.updated_at`),
		auth.Partition, op.RowID, string(rowJSON), newVersion, h.db.Now())
	if err != nil {
		return ApplyOutcome{}, Error.Wrap(err)
	}

	version := newVersion
	return ApplyOutcome{
		Result: Applied(opIndex),
		Emitted: []synclog.EmittedChange{{
			Table:      h.config.Table,
			RowID:      op.RowID,
			Op:         synclog.OpUpsert,
			RowJSON:    rowJSON,
			RowVersion: &version,
			Scopes:     h.ExtractScopes(payload),
		}},
	}, nil
}

// ApplyOperationBatch implements BatchApplier: contiguous operations are
// validated against one bulk row load and, when all apply cleanly, written
// with a single multi-row upsert. Mixed outcomes skip the write; the push
// applier rejects the commit in that case anyway.
func (h *TableHandler) ApplyOperationBatch(ctx context.Context, tx tagsql.Tx, auth Auth, startIndex int, ops []Operation) (_ []ApplyOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, op := range ops {
		if op.Op != synclog.OpUpsert {
			// deletes take the per-op path.
			return h.applySequentially(ctx, tx, auth, startIndex, ops)
		}
	}

	authorized, err := h.ResolveScopes(ctx, auth)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	existingRows, existingVersions, err := h.loadRows(ctx, tx, auth.Partition, ops)
	if err != nil {
		return nil, err
	}

	outcomes := make([]ApplyOutcome, 0, len(ops))
	type pending struct {
		rowID   string
		rowJSON []byte
		version int64
	}
	var writes []pending
	allApplied := true

	for i, op := range ops {
		opIndex := startIndex + i
		payload := make(map[string]interface{})
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &payload); err != nil {
				outcomes = append(outcomes, ApplyOutcome{
					Result: Errored(opIndex, CodeInvalidRequest, false, "payload is not a JSON object"),
				})
				allApplied = false
				continue
			}
		}

		if !authorized.Admits(h.ExtractScopes(payload)) {
			outcomes = append(outcomes, ApplyOutcome{
				Result: Errored(opIndex, CodeScopeDenied, false,
					fmt.Sprintf("row %q carries scopes outside the actor's authorization", op.RowID)),
			})
			allApplied = false
			continue
		}

		existing := existingRows[op.RowID]
		existingVersion := existingVersions[op.RowID]
		if existing != nil && !authorized.Admits(h.ExtractScopes(existing)) {
			outcomes = append(outcomes, ApplyOutcome{
				Result: Errored(opIndex, CodeRowMissing, false,
					fmt.Sprintf("row %q does not exist", op.RowID)),
			})
			allApplied = false
			continue
		}
		var newVersion int64
		if existing == nil {
			if op.BaseVersion != nil && *op.BaseVersion != 0 {
				outcomes = append(outcomes, ApplyOutcome{
					Result: Errored(opIndex, CodeRowMissing, false,
						fmt.Sprintf("row %q has base_version %d but does not exist", op.RowID, *op.BaseVersion)),
				})
				allApplied = false
				continue
			}
			newVersion = 1
		} else {
			if op.BaseVersion != nil && *op.BaseVersion != existingVersion {
				serverRow, err := json.Marshal(existing)
				if err != nil {
					return nil, Error.Wrap(err)
				}
				outcomes = append(outcomes, ApplyOutcome{Result: Conflict(opIndex, existingVersion, serverRow)})
				allApplied = false
				continue
			}
			newVersion = existingVersion + 1
		}

		payload["id"] = op.RowID
		payload["server_version"] = newVersion
		rowJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		version := newVersion
		outcomes = append(outcomes, ApplyOutcome{
			Result: Applied(opIndex),
			Emitted: []synclog.EmittedChange{{
				Table:      h.config.Table,
				RowID:      op.RowID,
				Op:         synclog.OpUpsert,
				RowJSON:    rowJSON,
				RowVersion: &version,
				Scopes:     h.ExtractScopes(payload),
			}},
		})
		writes = append(writes, pending{rowID: op.RowID, rowJSON: rowJSON, version: newVersion})

		// ops later in the batch observe earlier writes.
		existingRows[op.RowID] = payload
		existingVersions[op.RowID] = newVersion
	}

	if !allApplied || len(writes) == 0 {
		return outcomes, nil
	}

	// one VALUES row per row id; ON CONFLICT DO UPDATE cannot touch the
	// same row twice in one statement, so only the final write survives.
	lastWrite := make(map[string]int, len(writes))
	for i, w := range writes {
		lastWrite[w.rowID] = i
	}
	deduped := writes[:0]
	for i, w := range writes {
		if lastWrite[w.rowID] == i {
			deduped = append(deduped, w)
		}
	}
	writes = deduped

	var values []string
	var args []interface{}
	now := h.db.Now()
	for _, w := range writes {
		values = append(values, "(?, ?, ?, ?, ?)")
		args = append(args, auth.Partition, w.rowID, string(w.rowJSON), w.version, now)
	}
	_, err = tx.ExecContext(ctx, h.db.Adapter().Rebind(`
		INSERT INTO `+h.config.Table+` (partition_id, row_id, row_json, server_version, updated_at)
		VALUES `+strings.Join(values, ", ")+`
		ON CONFLICT (partition_id, row_id) DO UPDATE SET
			row_json = excluded.row_json,
			server_version = excluded.server_version,
			updated_at = excluded.updated_at`),
		args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return outcomes, nil
}

func (h *TableHandler) applySequentially(ctx context.Context, tx tagsql.Tx, auth Auth, startIndex int, ops []Operation) ([]ApplyOutcome, error) {
	outcomes := make([]ApplyOutcome, 0, len(ops))
	for i, op := range ops {
		outcome, err := h.ApplyOperation(ctx, tx, auth, startIndex+i, op)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (h *TableHandler) loadRow(ctx context.Context, tx tagsql.Tx, partition, rowID string) (row map[string]interface{}, version int64, err error) {
	var rowJSON string
	err = tx.QueryRowContext(ctx, h.db.Adapter().Rebind(`
		SELECT row_json, server_version FROM `+h.config.Table+`
		WHERE partition_id = ? AND row_id = ?`),
		partition, rowID).Scan(&rowJSON, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, Error.Wrap(err)
	}
	row = make(map[string]interface{})
	if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
		return nil, 0, Error.Wrap(err)
	}
	return row, version, nil
}

func (h *TableHandler) loadRows(ctx context.Context, tx tagsql.Tx, partition string, ops []Operation) (rows map[string]map[string]interface{}, versions map[string]int64, err error) {
	rows = make(map[string]map[string]interface{}, len(ops))
	versions = make(map[string]int64, len(ops))

	ids := make([]string, 0, len(ops))
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.RowID]; dup {
			continue
		}
		seen[op.RowID] = struct{}{}
		ids = append(ids, op.RowID)
	}

	adapter := h.db.Adapter()
	cond, condArgs := adapter.ValuesCondition("row_id", ids)
	args := append([]interface{}{partition}, condArgs...)
	result, err := tx.QueryContext(ctx, adapter.Rebind(`
		SELECT row_id, row_json, server_version FROM `+h.config.Table+`
		WHERE partition_id = ? AND `+cond),
		args...)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	defer func() {
		if closeErr := result.Close(); closeErr != nil && err == nil {
			err = Error.Wrap(closeErr)
		}
	}()

	for result.Next() {
		var rowID, rowJSON string
		var version int64
		if err := result.Scan(&rowID, &rowJSON, &version); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		row := make(map[string]interface{})
		if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
			return nil, nil, Error.Wrap(err)
		}
		rows[rowID] = row
		versions[rowID] = version
	}
	if err := result.Err(); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return rows, versions, nil
}

func bindingKeys(binding scope.Binding) []string {
	keys := make([]string, 0, len(binding))
	for key := range binding {
		keys = append(keys, key)
	}
	// stable ordering keeps generated SQL deterministic.
	sort.Strings(keys)
	return keys
}
