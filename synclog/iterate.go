// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"github.com/driftsync/driftsync/scope"
)

// IterateIncrementalPullRows contains the arguments for iterating the
// incremental change stream of one subscription.
type IterateIncrementalPullRows struct {
	Partition    string
	Table        string
	Scopes       scope.Mapping
	Cursor       int64
	LimitCommits int
	BatchSize    int
}

// PullRow is one joined (commit, change) row of the incremental stream.
type PullRow struct {
	CommitSeq int64
	CreatedAt time.Time
	ActorID   string
	Change    Change
}

// PullRowsIterator enables iteration over the rows of a pull window.
type PullRowsIterator interface {
	// Next advances to the next row. It returns false when the stream is
	// exhausted or failed; failure is reported by the enclosing call.
	Next(ctx context.Context, row *PullRow) bool

	// Cursor returns the last commit sequence the iterator has fully
	// scanned. Page boundaries always align with commit boundaries.
	Cursor() int64
}

// IterateIncrementalPullRows produces a finite sequence of joined
// (commit, change) rows by advancing in commit-sequence windows, never by
// row count, so page boundaries always align with commit boundaries.
func (db *DB) IterateIncrementalPullRows(ctx context.Context, opts IterateIncrementalPullRows, fn func(context.Context, PullRowsIterator) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if opts.LimitCommits <= 0 {
		opts.LimitCommits = 100
	}
	if opts.BatchSize <= 0 || opts.BatchSize > opts.LimitCommits {
		opts.BatchSize = opts.LimitCommits
	}

	it := &pullRowsIterator{
		db:        db,
		opts:      opts,
		cursor:    opts.Cursor,
		remaining: opts.LimitCommits,
	}
	if err := fn(ctx, it); err != nil {
		return err
	}
	return it.failErr
}

type pullRowsIterator struct {
	db        *DB
	opts      IterateIncrementalPullRows
	cursor    int64
	remaining int

	buffer   []PullRow
	bufIndex int
	done     bool
	failErr  error
}

// Next implements PullRowsIterator.
func (it *pullRowsIterator) Next(ctx context.Context, row *PullRow) bool {
	for it.bufIndex >= len(it.buffer) {
		if it.done || it.failErr != nil {
			return false
		}
		if !it.advanceWindow(ctx) {
			return false
		}
	}
	*row = it.buffer[it.bufIndex]
	it.bufIndex++
	return true
}

// Cursor implements PullRowsIterator.
func (it *pullRowsIterator) Cursor() int64 { return it.cursor }

// advanceWindow loads the next window of commits. It returns false when
// there is nothing further to load.
func (it *pullRowsIterator) advanceWindow(ctx context.Context) bool {
	if it.remaining <= 0 {
		it.done = true
		return false
	}
	window := it.opts.BatchSize
	if window > it.remaining {
		window = it.remaining
	}

	seqs, err := it.db.ReadCommitSeqsForPull(ctx, it.opts.Partition, []string{it.opts.Table}, it.cursor, window)
	if err != nil {
		it.failErr = err
		return false
	}
	if len(seqs) == 0 {
		it.done = true
		return false
	}

	rows, err := it.queryWindow(ctx, seqs)
	if err != nil {
		it.failErr = err
		return false
	}

	it.cursor = seqs[len(seqs)-1]
	it.remaining -= len(seqs)
	it.buffer = rows
	it.bufIndex = 0
	return true
}

func (it *pullRowsIterator) queryWindow(ctx context.Context, seqs []int64) (out []PullRow, err error) {
	adapter := it.db.adapter

	seqCond, args := adapter.SeqsCondition("ch.commit_seq", seqs)
	query := `
		SELECT ch.commit_seq, c.created_at, c.actor_id,
			ch.change_id, ch.row_id, ch.op, ch.row_json, ch.row_version, ch.scopes
		FROM sync_changes ch
		JOIN sync_commits c
			ON c.partition_id = ch.partition_id AND c.commit_seq = ch.commit_seq
		WHERE ch.partition_id = ? AND ch.table_name = ? AND ` + seqCond
	allArgs := append([]interface{}{it.opts.Partition, it.opts.Table}, args...)

	filter, filterArgs, err := scopeFilterSQL(adapter, "ch.scopes", it.opts.Scopes)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		query += ` AND ` + filter
		allArgs = append(allArgs, filterArgs...)
	}
	query += ` ORDER BY ch.commit_seq, ch.change_id`

	rows, err := it.db.db.QueryContext(ctx, adapter.Rebind(query), allArgs...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Err(), rows.Close()) }()

	for rows.Next() {
		row := PullRow{
			Change: Change{
				PartitionID: it.opts.Partition,
				Table:       it.opts.Table,
			},
		}
		var op string
		var rowJSON sql.NullString
		var scopesJSON string
		if err := rows.Scan(&row.CommitSeq, &row.CreatedAt, &row.ActorID,
			&row.Change.ChangeID, &row.Change.RowID, &op,
			&rowJSON, &row.Change.RowVersion, &scopesJSON); err != nil {
			return nil, Error.Wrap(err)
		}
		row.Change.CommitSeq = row.CommitSeq
		row.Change.Op = Op(op)
		if rowJSON.Valid {
			row.Change.RowJSON = json.RawMessage(rowJSON.String)
		}
		if err := json.Unmarshal([]byte(scopesJSON), &row.Change.Scopes); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, row)
	}
	return out, nil
}
