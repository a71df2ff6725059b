// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"
	"errors"
)

// InsertChunk persists a snapshot chunk. Chunks are immutable and
// content-addressed, so concurrent producers of the same page are safe:
// the first insert wins and later ones read the existing row back.
func (db *DB) InsertChunk(ctx context.Context, chunk Chunk) (_ Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
		INSERT INTO sync_snapshot_chunks (
			chunk_id, partition_id, scope_key, scope, as_of_commit_seq,
			row_cursor, row_limit, encoding, compression,
			sha256, byte_length, body, blob_hash, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		chunk.ChunkID, chunk.PartitionID, chunk.ScopeKey, chunk.Scope, chunk.AsOfCommitSeq,
		chunk.RowCursor, chunk.RowLimit, chunk.Encoding, chunk.Compression,
		chunk.SHA256, chunk.ByteLength, chunk.Body, chunk.BlobHash,
		chunk.CreatedAt, chunk.ExpiresAt)
	if err != nil && !db.adapter.IsUniqueViolation(err) {
		return Chunk{}, Error.Wrap(err)
	}

	stored, err := db.GetChunk(ctx, chunk.PartitionID, chunk.ChunkID)
	if err != nil {
		return Chunk{}, err
	}
	if stored == nil {
		// the id lost to a concurrent writer of the same page key; read the
		// interchangeable chunk back by page key.
		stored, err = db.FindChunkByPageKey(ctx, chunk)
		if err != nil {
			return Chunk{}, err
		}
		if stored == nil {
			return Chunk{}, Error.New("chunk %q disappeared after insert", chunk.ChunkID)
		}
	}
	return *stored, nil
}

// GetChunk returns a chunk by id, or nil when it does not exist or has
// expired.
func (db *DB) GetChunk(ctx context.Context, partition, chunkID string) (_ *Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	chunk := Chunk{ChunkID: chunkID, PartitionID: partition}
	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT scope_key, scope, as_of_commit_seq, row_cursor, row_limit,
			encoding, compression, sha256, byte_length, body, blob_hash,
			created_at, expires_at
		FROM sync_snapshot_chunks
		WHERE partition_id = ? AND chunk_id = ? AND expires_at > ?`),
		partition, chunkID, db.nowFn()).
		Scan(&chunk.ScopeKey, &chunk.Scope, &chunk.AsOfCommitSeq, &chunk.RowCursor,
			&chunk.RowLimit, &chunk.Encoding, &chunk.Compression, &chunk.SHA256,
			&chunk.ByteLength, &chunk.Body, &chunk.BlobHash,
			&chunk.CreatedAt, &chunk.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	return &chunk, nil
}

// FindChunkByPageKey returns the chunk stored for the page key of the given
// chunk, or nil. Two chunks with the same page key are interchangeable.
func (db *DB) FindChunkByPageKey(ctx context.Context, like Chunk) (_ *Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	chunk := like
	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT chunk_id, sha256, byte_length, body, blob_hash, created_at, expires_at
		FROM sync_snapshot_chunks
		WHERE partition_id = ? AND scope_key = ? AND scope = ? AND as_of_commit_seq = ?
			AND row_cursor = ? AND row_limit = ? AND encoding = ? AND compression = ?`),
		like.PartitionID, like.ScopeKey, like.Scope, like.AsOfCommitSeq,
		like.RowCursor, like.RowLimit, like.Encoding, like.Compression).
		Scan(&chunk.ChunkID, &chunk.SHA256, &chunk.ByteLength, &chunk.Body,
			&chunk.BlobHash, &chunk.CreatedAt, &chunk.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	return &chunk, nil
}

// DeleteExpiredChunks removes chunks whose expiry has elapsed and returns
// how many were removed.
func (db *DB) DeleteExpiredChunks(ctx context.Context) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.adapter.Rebind(`
		DELETE FROM sync_snapshot_chunks WHERE expires_at <= ?`),
		db.nowFn())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	return removed, Error.Wrap(err)
}
