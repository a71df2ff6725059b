// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/zeebo/errs"

	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/shared/tagsql"
)

// ReadCommitSeqsForPull returns increasing commit sequences strictly greater
// than cursor that touched any of the given tables, limited to limit. The
// single-table path skips deduplication because the routing index is unique
// by primary key.
func (db *DB) ReadCommitSeqsForPull(ctx context.Context, partition string, tables []string, cursor int64, limit int) (seqs []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(tables) == 0 || limit <= 0 {
		return nil, nil
	}

	var query string
	var args []interface{}
	if len(tables) == 1 {
		query = `
			SELECT commit_seq FROM sync_table_commits
			WHERE partition_id = ? AND table_name = ? AND commit_seq > ?
			ORDER BY commit_seq
			LIMIT ?`
		args = []interface{}{partition, tables[0], cursor, limit}
	} else {
		cond, condArgs := db.adapter.ValuesCondition("table_name", tables)
		query = `
			SELECT DISTINCT commit_seq FROM sync_table_commits
			WHERE partition_id = ? AND ` + cond + ` AND commit_seq > ?
			ORDER BY commit_seq
			LIMIT ?`
		args = append([]interface{}{partition}, condArgs...)
		args = append(args, cursor, limit)
	}

	rows, err := db.db.QueryContext(ctx, db.adapter.Rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Err(), rows.Close()) }()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, Error.Wrap(err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// ReadChangesForCommits returns all changes in the given commits matching
// the table and scope filter, ordered by (commit_seq, change_id).
func (db *DB) ReadChangesForCommits(ctx context.Context, partition string, commitSeqs []int64, table string, scopes scope.Mapping) (changes []Change, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(commitSeqs) == 0 {
		return nil, nil
	}

	seqCond, args := db.adapter.SeqsCondition("commit_seq", commitSeqs)
	query := `
		SELECT change_id, commit_seq, row_id, op, row_json, row_version, scopes
		FROM sync_changes
		WHERE partition_id = ? AND table_name = ? AND ` + seqCond
	allArgs := append([]interface{}{partition, table}, args...)

	filter, filterArgs, err := scopeFilterSQL(db.adapter, "scopes", scopes)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		query += ` AND ` + filter
		allArgs = append(allArgs, filterArgs...)
	}
	query += ` ORDER BY commit_seq, change_id`

	rows, err := db.db.QueryContext(ctx, db.adapter.Rebind(query), allArgs...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Err(), rows.Close()) }()

	for rows.Next() {
		change := Change{PartitionID: partition, Table: table}
		var op string
		var rowJSON sql.NullString
		var scopesJSON string
		if err := rows.Scan(&change.ChangeID, &change.CommitSeq, &change.RowID,
			&op, &rowJSON, &change.RowVersion, &scopesJSON); err != nil {
			return nil, Error.Wrap(err)
		}
		change.Op = Op(op)
		if rowJSON.Valid {
			change.RowJSON = json.RawMessage(rowJSON.String)
		}
		if err := json.Unmarshal([]byte(scopesJSON), &change.Scopes); err != nil {
			return nil, Error.Wrap(err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// GetCommit returns the commit header for the given sequence.
func (db *DB) GetCommit(ctx context.Context, partition string, commitSeq int64) (_ *Commit, err error) {
	defer mon.Task()(&ctx)(&err)

	commit := Commit{PartitionID: partition, CommitSeq: commitSeq}
	var tablesJSON string
	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT actor_id, client_id, client_commit_id, created_at, change_count, affected_tables
		FROM sync_commits
		WHERE partition_id = ? AND commit_seq = ?`),
		partition, commitSeq).
		Scan(&commit.ActorID, &commit.ClientID, &commit.ClientCommitID,
			&commit.CreatedAt, &commit.ChangeCount, &tablesJSON)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(tablesJSON), &commit.AffectedTables); err != nil {
		return nil, Error.Wrap(err)
	}
	return &commit, nil
}

// MaxCommitSeq returns the newest commit sequence in the partition, or zero
// when the partition has no commits.
func (db *DB) MaxCommitSeq(ctx context.Context, partition string) (seq int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`),
		partition).Scan(&seq)
	return seq, Error.Wrap(err)
}

// MaxCommitSeqTx is MaxCommitSeq reading through the given transaction.
func (db *DB) MaxCommitSeqTx(ctx context.Context, tx tagsql.Tx, partition string) (seq int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = tx.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`),
		partition).Scan(&seq)
	return seq, Error.Wrap(err)
}

// OldestRetainedCommitSeq returns the oldest commit sequence still present
// in the partition, or zero when the partition has no commits. A client
// whose cursor is below this value has fallen behind retention and must
// bootstrap again.
func (db *DB) OldestRetainedCommitSeq(ctx context.Context, partition string) (seq int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT COALESCE(MIN(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`),
		partition).Scan(&seq)
	return seq, Error.Wrap(err)
}
