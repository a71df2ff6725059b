// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
)

// RequestEvent is one observability log row for a sync request.
type RequestEvent struct {
	Partition  string
	ClientID   string
	ActorID    string
	Kind       string
	Status     string
	CommitSeq  *int64
	DurationMS int64
}

// RecordRequestEvent appends a row to the console request event log. The
// caller treats failures as best-effort.
func (db *DB) RecordRequestEvent(ctx context.Context, event RequestEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
		INSERT INTO sync_request_events (
			partition_id, client_id, actor_id, kind, status, commit_seq, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		event.Partition, event.ClientID, event.ActorID, event.Kind,
		event.Status, event.CommitSeq, event.DurationMS, db.nowFn())
	return Error.Wrap(err)
}

// OperationEvent is one audit row for a pushed operation.
type OperationEvent struct {
	Partition string
	CommitSeq *int64
	OpIndex   int
	Table     string
	RowID     string
	Op        string
	Status    string
	Code      string
}

// RecordOperationEvents appends audit rows for the operations of one push.
func (db *DB) RecordOperationEvents(ctx context.Context, events []OperationEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, event := range events {
		var code interface{}
		if event.Code != "" {
			code = event.Code
		}
		_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
			INSERT INTO sync_operation_events (
				partition_id, commit_seq, op_index, table_name, row_id, op, status, code, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			event.Partition, event.CommitSeq, event.OpIndex, event.Table,
			event.RowID, event.Op, event.Status, code, db.nowFn())
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
