// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CompactChanges deletes change rows older than the cutoff for any
// (partition, table, row_id, scopes) group except the newest per group,
// then removes routing index entries whose commit no longer has any
// surviving changes. It returns how many change rows were removed.
func (db *DB) CompactChanges(ctx context.Context, cutoff time.Time) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.adapter.Rebind(`
		DELETE FROM sync_changes WHERE change_id IN (
			SELECT change_id FROM (
				SELECT ch.change_id,
					c.created_at,
					ROW_NUMBER() OVER (
						PARTITION BY ch.partition_id, ch.table_name, ch.row_id, ch.scopes
						ORDER BY ch.commit_seq DESC, ch.change_id DESC
					) AS newest_rank
				FROM sync_changes ch
				JOIN sync_commits c
					ON c.partition_id = ch.partition_id AND c.commit_seq = ch.commit_seq
			) ranked
			WHERE newest_rank > 1 AND created_at < ?
		)`),
		cutoff)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}

	_, err = db.db.ExecContext(ctx, `
		DELETE FROM sync_table_commits WHERE NOT EXISTS (
			SELECT 1 FROM sync_changes ch
			WHERE ch.partition_id = sync_table_commits.partition_id
				AND ch.table_name = sync_table_commits.table_name
				AND ch.commit_seq = sync_table_commits.commit_seq
		)`)
	if err != nil {
		return removed, Error.Wrap(err)
	}

	if removed > 0 {
		db.log.Debug("compacted change history", zap.Int64("removed", removed))
	}
	return removed, nil
}

// PruneCommits removes commits beyond the newest keepNewest per partition
// that are also older than the cutoff, cascading to their changes and
// routing entries. It returns how many commits were removed.
func (db *DB) PruneCommits(ctx context.Context, keepNewest int, cutoff time.Time) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if keepNewest < 0 {
		keepNewest = 0
	}

	result, err := db.db.ExecContext(ctx, db.adapter.Rebind(`
		DELETE FROM sync_commits WHERE created_at < ? AND (partition_id, commit_seq) IN (
			SELECT partition_id, commit_seq FROM (
				SELECT partition_id, commit_seq,
					ROW_NUMBER() OVER (
						PARTITION BY partition_id
						ORDER BY commit_seq DESC
					) AS newest_rank
				FROM sync_commits
			) ranked
			WHERE newest_rank > ?
		)`),
		cutoff, keepNewest)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if removed == 0 {
		return 0, nil
	}

	// Deleting a commit cascades to its changes and routing entries.
	_, err = db.db.ExecContext(ctx, `
		DELETE FROM sync_changes WHERE NOT EXISTS (
			SELECT 1 FROM sync_commits c
			WHERE c.partition_id = sync_changes.partition_id
				AND c.commit_seq = sync_changes.commit_seq
		)`)
	if err != nil {
		return removed, Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx, `
		DELETE FROM sync_table_commits WHERE NOT EXISTS (
			SELECT 1 FROM sync_commits c
			WHERE c.partition_id = sync_table_commits.partition_id
				AND c.commit_seq = sync_table_commits.commit_seq
		)`)
	if err != nil {
		return removed, Error.Wrap(err)
	}

	db.log.Debug("pruned commit history", zap.Int64("removed", removed))
	return removed, nil
}
