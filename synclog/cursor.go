// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// RecordClientCursor contains the arguments for upserting a client cursor.
type RecordClientCursor struct {
	Partition       string
	ClientID        string
	ActorID         string
	Cursor          int64
	EffectiveScopes json.RawMessage
}

// RecordClientCursor upserts the last observed commit sequence and
// effective scopes for a client. It exists for observability and fleet
// management only; pull responses never depend on it.
func (db *DB) RecordClientCursor(ctx context.Context, opts RecordClientCursor) (err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.Partition == "" || opts.ClientID == "" {
		return Error.New("partition and client id required")
	}

	_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
		INSERT INTO sync_client_cursors (
			partition_id, client_id, actor_id, cursor, effective_scopes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_id, client_id) DO UPDATE SET
			actor_id = excluded.actor_id,
			cursor = excluded.cursor,
			effective_scopes = excluded.effective_scopes,
			updated_at = excluded.updated_at`),
		opts.Partition, opts.ClientID, opts.ActorID, opts.Cursor,
		nullableJSON(opts.EffectiveScopes), db.nowFn())
	return Error.Wrap(err)
}

// GetClientCursor returns the recorded cursor for a client, or nil when the
// client has never recorded one.
func (db *DB) GetClientCursor(ctx context.Context, partition, clientID string) (_ *ClientCursor, err error) {
	defer mon.Task()(&ctx)(&err)

	cursor := ClientCursor{PartitionID: partition, ClientID: clientID}
	var scopes sql.NullString
	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT actor_id, cursor, effective_scopes, updated_at
		FROM sync_client_cursors
		WHERE partition_id = ? AND client_id = ?`),
		partition, clientID).
		Scan(&cursor.ActorID, &cursor.Cursor, &scopes, &cursor.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	if scopes.Valid {
		cursor.EffectiveScopes = json.RawMessage(scopes.String)
	}
	return &cursor, nil
}

// DeleteClientCursor evicts a client's cursor row. The client re-bootstraps
// on its next pull because its local cursor diverges from server history.
func (db *DB) DeleteClientCursor(ctx context.Context, partition, clientID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
		DELETE FROM sync_client_cursors WHERE partition_id = ? AND client_id = ?`),
		partition, clientID)
	return Error.Wrap(err)
}

// PruneClientCursors removes cursors not updated since the given time and
// returns how many were removed.
func (db *DB) PruneClientCursors(ctx context.Context, updatedBefore time.Time) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.adapter.Rebind(`
		DELETE FROM sync_client_cursors WHERE updated_at < ?`),
		updatedBefore)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	return removed, Error.Wrap(err)
}
