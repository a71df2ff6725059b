// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"

	"github.com/driftsync/driftsync/shared/tagsql"
)

// EnsureSchema creates or upgrades the sync tables. It is idempotent,
// additive only, and safe to run concurrently: postgres serializes schema
// work through an advisory lock, sqlite through its single writer.
func (db *DB) EnsureSchema(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.ensure(ctx, db.adapter.SchemaDDL())
}

// EnsureConsoleSchema creates or upgrades the observability tables.
func (db *DB) EnsureConsoleSchema(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.ensure(ctx, db.adapter.ConsoleSchemaDDL())
}

func (db *DB) ensure(ctx context.Context, ddl []string) error {
	if db.adapter.Capabilities().SupportsAdvisoryLocks {
		return withTx(ctx, db.db, &sql.TxOptions{}, func(ctx context.Context, tx tagsql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('sync_schema'))`); err != nil {
				return Error.Wrap(err)
			}
			for _, stmt := range ddl {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return Error.Wrap(err)
				}
			}
			return nil
		})
	}
	for _, stmt := range ddl {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// SchemaDDL implements Adapter.
func (PostgresAdapter) SchemaDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_commits (
			partition_id     TEXT        NOT NULL DEFAULT 'default',
			commit_seq       BIGINT      NOT NULL,
			actor_id         TEXT        NOT NULL,
			client_id        TEXT        NOT NULL,
			client_commit_id TEXT        NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			change_count     INTEGER     NOT NULL DEFAULT 0,
			affected_tables  JSONB       NOT NULL DEFAULT '[]',
			meta             JSONB,
			result           JSONB,
			PRIMARY KEY (partition_id, commit_seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_commits_idempotency_ix
			ON sync_commits (partition_id, client_id, client_commit_id)`,
		`CREATE TABLE IF NOT EXISTS sync_commit_seqs (
			partition_id TEXT   NOT NULL PRIMARY KEY,
			next_seq     BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_table_commits (
			partition_id TEXT   NOT NULL DEFAULT 'default',
			table_name   TEXT   NOT NULL,
			commit_seq   BIGINT NOT NULL,
			PRIMARY KEY (partition_id, table_name, commit_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_changes (
			change_id    BIGSERIAL PRIMARY KEY,
			partition_id TEXT   NOT NULL DEFAULT 'default',
			commit_seq   BIGINT NOT NULL,
			table_name   TEXT   NOT NULL,
			row_id       TEXT   NOT NULL,
			op           TEXT   NOT NULL,
			row_json     JSONB,
			row_version  BIGINT,
			scopes       JSONB  NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS sync_changes_pull_ix
			ON sync_changes (partition_id, table_name, commit_seq)`,
		`CREATE INDEX IF NOT EXISTS sync_changes_scopes_ix
			ON sync_changes USING GIN (scopes)`,
		`CREATE TABLE IF NOT EXISTS sync_client_cursors (
			partition_id     TEXT        NOT NULL DEFAULT 'default',
			client_id        TEXT        NOT NULL,
			actor_id         TEXT        NOT NULL,
			cursor           BIGINT      NOT NULL DEFAULT 0,
			effective_scopes JSONB,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (partition_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
			chunk_id         TEXT        NOT NULL PRIMARY KEY,
			partition_id     TEXT        NOT NULL DEFAULT 'default',
			scope_key        TEXT        NOT NULL,
			scope            TEXT        NOT NULL,
			as_of_commit_seq BIGINT      NOT NULL,
			row_cursor       TEXT        NOT NULL DEFAULT '',
			row_limit        INTEGER     NOT NULL,
			encoding         TEXT        NOT NULL,
			compression      TEXT        NOT NULL,
			sha256           TEXT        NOT NULL,
			byte_length      BIGINT      NOT NULL,
			body             BYTEA,
			blob_hash        TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_snapshot_chunks_page_ix
			ON sync_snapshot_chunks (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)`,
		`CREATE INDEX IF NOT EXISTS sync_snapshot_chunks_expiry_ix
			ON sync_snapshot_chunks (expires_at)`,
	}
}

// ConsoleSchemaDDL implements Adapter.
func (PostgresAdapter) ConsoleSchemaDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_request_events (
			event_id     BIGSERIAL   PRIMARY KEY,
			partition_id TEXT        NOT NULL DEFAULT 'default',
			client_id    TEXT        NOT NULL,
			actor_id     TEXT        NOT NULL,
			kind         TEXT        NOT NULL,
			status       TEXT        NOT NULL,
			commit_seq   BIGINT,
			duration_ms  BIGINT      NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS sync_request_events_partition_ix
			ON sync_request_events (partition_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_request_payloads (
			payload_id BIGSERIAL   PRIMARY KEY,
			event_id   BIGINT      NOT NULL,
			direction  TEXT        NOT NULL,
			body       BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_operation_events (
			op_event_id  BIGSERIAL   PRIMARY KEY,
			partition_id TEXT        NOT NULL DEFAULT 'default',
			commit_seq   BIGINT,
			op_index     INTEGER     NOT NULL,
			table_name   TEXT        NOT NULL,
			row_id       TEXT        NOT NULL,
			op           TEXT        NOT NULL,
			status       TEXT        NOT NULL,
			code         TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_api_keys (
			key_id       TEXT        NOT NULL PRIMARY KEY,
			name         TEXT        NOT NULL,
			secret_hash  TEXT        NOT NULL,
			partition_id TEXT        NOT NULL DEFAULT 'default',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at   TIMESTAMPTZ
		)`,
	}
}

// SchemaDDL implements Adapter.
func (SqliteAdapter) SchemaDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_commits (
			partition_id     TEXT      NOT NULL DEFAULT 'default',
			commit_seq       INTEGER   NOT NULL,
			actor_id         TEXT      NOT NULL,
			client_id        TEXT      NOT NULL,
			client_commit_id TEXT      NOT NULL,
			created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			change_count     INTEGER   NOT NULL DEFAULT 0,
			affected_tables  TEXT      NOT NULL DEFAULT '[]',
			meta             TEXT,
			result           TEXT,
			PRIMARY KEY (partition_id, commit_seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_commits_idempotency_ix
			ON sync_commits (partition_id, client_id, client_commit_id)`,
		`CREATE TABLE IF NOT EXISTS sync_commit_seqs (
			partition_id TEXT    NOT NULL PRIMARY KEY,
			next_seq     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_table_commits (
			partition_id TEXT    NOT NULL DEFAULT 'default',
			table_name   TEXT    NOT NULL,
			commit_seq   INTEGER NOT NULL,
			PRIMARY KEY (partition_id, table_name, commit_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_changes (
			change_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			partition_id TEXT    NOT NULL DEFAULT 'default',
			commit_seq   INTEGER NOT NULL,
			table_name   TEXT    NOT NULL,
			row_id       TEXT    NOT NULL,
			op           TEXT    NOT NULL,
			row_json     TEXT,
			row_version  INTEGER,
			scopes       TEXT    NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS sync_changes_pull_ix
			ON sync_changes (partition_id, table_name, commit_seq)`,
		`CREATE TABLE IF NOT EXISTS sync_client_cursors (
			partition_id     TEXT      NOT NULL DEFAULT 'default',
			client_id        TEXT      NOT NULL,
			actor_id         TEXT      NOT NULL,
			cursor           INTEGER   NOT NULL DEFAULT 0,
			effective_scopes TEXT,
			updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (partition_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
			chunk_id         TEXT      NOT NULL PRIMARY KEY,
			partition_id     TEXT      NOT NULL DEFAULT 'default',
			scope_key        TEXT      NOT NULL,
			scope            TEXT      NOT NULL,
			as_of_commit_seq INTEGER   NOT NULL,
			row_cursor       TEXT      NOT NULL DEFAULT '',
			row_limit        INTEGER   NOT NULL,
			encoding         TEXT      NOT NULL,
			compression      TEXT      NOT NULL,
			sha256           TEXT      NOT NULL,
			byte_length      INTEGER   NOT NULL,
			body             BLOB,
			blob_hash        TEXT,
			created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at       TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_snapshot_chunks_page_ix
			ON sync_snapshot_chunks (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)`,
		`CREATE INDEX IF NOT EXISTS sync_snapshot_chunks_expiry_ix
			ON sync_snapshot_chunks (expires_at)`,
	}
}

// ConsoleSchemaDDL implements Adapter.
func (SqliteAdapter) ConsoleSchemaDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_request_events (
			event_id     INTEGER   PRIMARY KEY AUTOINCREMENT,
			partition_id TEXT      NOT NULL DEFAULT 'default',
			client_id    TEXT      NOT NULL,
			actor_id     TEXT      NOT NULL,
			kind         TEXT      NOT NULL,
			status       TEXT      NOT NULL,
			commit_seq   INTEGER,
			duration_ms  INTEGER   NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS sync_request_events_partition_ix
			ON sync_request_events (partition_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sync_request_payloads (
			payload_id INTEGER   PRIMARY KEY AUTOINCREMENT,
			event_id   INTEGER   NOT NULL,
			direction  TEXT      NOT NULL,
			body       BLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sync_operation_events (
			op_event_id  INTEGER   PRIMARY KEY AUTOINCREMENT,
			partition_id TEXT      NOT NULL DEFAULT 'default',
			commit_seq   INTEGER,
			op_index     INTEGER   NOT NULL,
			table_name   TEXT      NOT NULL,
			row_id       TEXT      NOT NULL,
			op           TEXT      NOT NULL,
			status       TEXT      NOT NULL,
			code         TEXT,
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sync_api_keys (
			key_id       TEXT      NOT NULL PRIMARY KEY,
			name         TEXT      NOT NULL,
			secret_hash  TEXT      NOT NULL,
			partition_id TEXT      NOT NULL DEFAULT 'default',
			created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			revoked_at   TIMESTAMP
		)`,
	}
}
