// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/driftsync/driftsync/shared/tagsql"
)

// AppendCommit contains the arguments for appending one commit to the log.
type AppendCommit struct {
	Partition      string
	ActorID        string
	ClientID       string
	ClientCommitID string
	Changes        []EmittedChange
	Meta           json.RawMessage
	Result         json.RawMessage
}

// Verify verifies append request fields.
func (opts *AppendCommit) Verify() error {
	switch {
	case opts.Partition == "":
		return Error.New("Partition missing")
	case opts.ClientID == "":
		return Error.New("ClientID missing")
	case opts.ClientCommitID == "":
		return Error.New("ClientCommitID missing")
	}
	return nil
}

// AffectedTables returns the sorted set of distinct tables the changes
// touch.
func (opts *AppendCommit) AffectedTables() []string {
	seen := make(map[string]struct{}, len(opts.Changes))
	var tables []string
	for _, change := range opts.Changes {
		if _, dup := seen[change.Table]; dup {
			continue
		}
		seen[change.Table] = struct{}{}
		tables = append(tables, change.Table)
	}
	sort.Strings(tables)
	return tables
}

// AppendCommitTx atomically appends a commit, its routing rows and its
// change rows inside the given transaction, and returns the allocated
// commit sequence. A collision on the idempotency key fails with
// ErrIdempotencyViolation; the caller treats that as "already applied".
func (db *DB) AppendCommitTx(ctx context.Context, tx tagsql.Tx, opts AppendCommit) (commitSeq int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return 0, err
	}

	// Commit sequences are strictly increasing per partition and never
	// reused, even after pruning, so they come from a dedicated counter
	// row rather than MAX(commit_seq). Under repeatable read, concurrent
	// transactions conflict on the counter update instead of both reading
	// a stale maximum; the serialization failure is retried by the caller.
	if err := db.adapter.LockPartition(ctx, tx, opts.Partition); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, db.adapter.Rebind(`
		INSERT INTO sync_commit_seqs (partition_id, next_seq)
		SELECT ?, COALESCE(MAX(commit_seq), 0) + 1 FROM sync_commits WHERE partition_id = ?
		ON CONFLICT (partition_id) DO UPDATE SET next_seq = sync_commit_seqs.next_seq + 1`),
		opts.Partition, opts.Partition)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	err = tx.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT next_seq FROM sync_commit_seqs WHERE partition_id = ?`),
		opts.Partition).Scan(&commitSeq)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	affectedTables := opts.AffectedTables()
	tablesJSON, err := json.Marshal(affectedTables)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	_, err = tx.ExecContext(ctx, db.adapter.Rebind(`
		INSERT INTO sync_commits (
			partition_id, commit_seq, actor_id, client_id, client_commit_id,
			created_at, change_count, affected_tables, meta, result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		opts.Partition, commitSeq, opts.ActorID, opts.ClientID, opts.ClientCommitID,
		db.nowFn(), len(opts.Changes), string(tablesJSON),
		nullableJSON(opts.Meta), nullableJSON(opts.Result))
	if err != nil {
		if db.adapter.IsUniqueViolation(err) {
			return 0, ErrIdempotencyViolation.New("partition %q client %q commit %q",
				opts.Partition, opts.ClientID, opts.ClientCommitID)
		}
		return 0, Error.Wrap(err)
	}

	for _, table := range affectedTables {
		_, err = tx.ExecContext(ctx, db.adapter.Rebind(`
			INSERT INTO sync_table_commits (partition_id, table_name, commit_seq)
			VALUES (?, ?, ?)`),
			opts.Partition, table, commitSeq)
		if err != nil {
			return 0, Error.Wrap(err)
		}
	}

	for _, change := range opts.Changes {
		scopesJSON, err := json.Marshal(change.Scopes)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, db.adapter.Rebind(`
			INSERT INTO sync_changes (
				partition_id, commit_seq, table_name, row_id, op,
				row_json, row_version, scopes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			opts.Partition, commitSeq, change.Table, change.RowID, string(change.Op),
			nullableJSON(change.RowJSON), change.RowVersion, string(scopesJSON))
		if err != nil {
			return 0, Error.Wrap(err)
		}
	}

	return commitSeq, nil
}

// GetCommitByIdempotencyKey returns an existing commit for the
// (partition, client, client commit id) triple, if any.
func (db *DB) GetCommitByIdempotencyKey(ctx context.Context, partition, clientID, clientCommitID string) (_ *Commit, err error) {
	defer mon.Task()(&ctx)(&err)

	commit := Commit{
		PartitionID:    partition,
		ClientID:       clientID,
		ClientCommitID: clientCommitID,
	}
	var tablesJSON string
	var meta, result sql.NullString
	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT commit_seq, actor_id, created_at, change_count, affected_tables, meta, result
		FROM sync_commits
		WHERE partition_id = ? AND client_id = ? AND client_commit_id = ?`),
		partition, clientID, clientCommitID).
		Scan(&commit.CommitSeq, &commit.ActorID, &commit.CreatedAt,
			&commit.ChangeCount, &tablesJSON, &meta, &result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(tablesJSON), &commit.AffectedTables); err != nil {
		return nil, Error.Wrap(err)
	}
	if meta.Valid {
		commit.Meta = json.RawMessage(meta.String)
	}
	if result.Valid {
		commit.Result = json.RawMessage(result.String)
	}
	return &commit, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
