// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package chunker builds and serves content-addressed snapshot chunks.
// A chunk is one deterministic page of bootstrap rows: identical inputs
// always produce the same chunk id, so retried bootstraps and concurrent
// clients converge on the same stored bytes.
package chunker

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/synclog"
)

var (
	// Error is the default error class for chunker.
	Error = errs.Class("chunker")

	mon = monkit.Package()
)

// Supported chunk encodings and compressions.
const (
	EncodingJSON = "json"

	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionLZ4  = "lz4"
)

// Config holds chunker settings.
type Config struct {
	TTL             time.Duration `help:"how long snapshot chunks stay downloadable" default:"6h"`
	Compression     string        `help:"chunk body compression: none, gzip or lz4" default:"lz4"`
	MinCompressSize int           `help:"bodies smaller than this are stored uncompressed" default:"512"`
}

// Chunker persists snapshot pages as immutable chunks.
type Chunker struct {
	log    *zap.Logger
	db     *synclog.DB
	config Config
}

// New creates a Chunker.
func New(log *zap.Logger, db *synclog.DB, config Config) (*Chunker, error) {
	switch config.Compression {
	case CompressionNone, CompressionGzip, CompressionLZ4:
	default:
		return nil, Error.New("unknown compression %q", config.Compression)
	}
	if config.TTL <= 0 {
		config.TTL = 6 * time.Hour
	}
	return &Chunker{log: log, db: db, config: config}, nil
}

// Page identifies one snapshot page: everything that determines its
// content except the rows themselves.
type Page struct {
	Partition     string
	ScopeKey      string
	Scope         string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
}

// Store encodes a page of rows, derives its content address and persists
// it. Storing the same page twice returns the already stored chunk.
func (c *Chunker) Store(ctx context.Context, page Page, rows []json.RawMessage) (_ synclog.Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := EncodeRows(rows)
	if err != nil {
		return synclog.Chunk{}, err
	}
	digest := sha256.Sum256(body)

	compression := c.config.Compression
	if len(body) < c.config.MinCompressSize {
		compression = CompressionNone
	}
	stored, err := compress(compression, body)
	if err != nil {
		return synclog.Chunk{}, err
	}

	now := c.db.Now()
	chunk := synclog.Chunk{
		ChunkID:       ChunkID(page, digest[:]),
		PartitionID:   page.Partition,
		ScopeKey:      page.ScopeKey,
		Scope:         page.Scope,
		AsOfCommitSeq: page.AsOfCommitSeq,
		RowCursor:     page.RowCursor,
		RowLimit:      page.RowLimit,
		Encoding:      EncodingJSON,
		Compression:   compression,
		SHA256:        hex.EncodeToString(digest[:]),
		ByteLength:    int64(len(body)),
		Body:          stored,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.config.TTL),
	}

	persisted, err := c.db.InsertChunk(ctx, chunk)
	if err != nil {
		return synclog.Chunk{}, err
	}
	mon.IntVal("chunk_bytes").Observe(persisted.ByteLength)
	return persisted, nil
}

// Fetch returns a stored chunk by id. Missing and expired chunks fail
// with synclog.ErrChunkNotFound.
func (c *Chunker) Fetch(ctx context.Context, partition, chunkID string) (_ synclog.Chunk, err error) {
	defer mon.Task()(&ctx)(&err)

	chunk, err := c.db.GetChunk(ctx, partition, chunkID)
	if err != nil {
		return synclog.Chunk{}, err
	}
	if chunk == nil {
		return synclog.Chunk{}, synclog.ErrChunkNotFound.New("%s", chunkID)
	}
	return *chunk, nil
}

// Body decompresses a chunk back into its canonical uncompressed body and
// verifies it against the chunk's advertised digest and length. Compression
// is a storage detail; the canonical body is what clients receive.
func Body(chunk synclog.Chunk) (_ []byte, err error) {
	body, err := decompress(chunk.Compression, chunk.Body)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(body)
	if hex.EncodeToString(digest[:]) != chunk.SHA256 {
		return nil, Error.New("chunk %q body does not match its digest", chunk.ChunkID)
	}
	if int64(len(body)) != chunk.ByteLength {
		return nil, Error.New("chunk %q body is %d bytes, expected %d",
			chunk.ChunkID, len(body), chunk.ByteLength)
	}
	return body, nil
}

// Rows decodes a chunk body back into its rows.
func Rows(chunk synclog.Chunk) (_ []json.RawMessage, err error) {
	body, err := Body(chunk)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, Error.Wrap(err)
	}
	return rows, nil
}

// EncodeRows produces the canonical body for a page of rows. Every row is
// decoded and re-encoded so that key order and whitespace differences
// between producers collapse to one byte sequence; json.Number keeps
// numeric literals intact across the round trip.
func EncodeRows(rows []json.RawMessage) ([]byte, error) {
	canonical := make([]interface{}, len(rows))
	for i, row := range rows {
		dec := json.NewDecoder(bytes.NewReader(row))
		dec.UseNumber()
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, Error.New("row %d is not valid JSON: %w", i, err)
		}
		canonical[i] = value
	}
	body, err := json.Marshal(canonical)
	return body, Error.Wrap(err)
}

// ChunkID derives the content address of a page: a hash over the page key
// and the digest of the canonical uncompressed body. The compression
// setting does not participate, so changing it does not invalidate caches.
func ChunkID(page Page, bodyDigest []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s\x00%d\x00",
		page.Partition, page.ScopeKey, page.Scope,
		page.AsOfCommitSeq, page.RowCursor, page.RowLimit)
	h.Write(bodyDigest)
	return hex.EncodeToString(h.Sum(nil))
}

func compress(compression string, body []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return body, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := w.Close(); err != nil {
			return nil, Error.Wrap(err)
		}
		return buf.Bytes(), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := w.Close(); err != nil {
			return nil, Error.Wrap(err)
		}
		return buf.Bytes(), nil
	}
	return nil, Error.New("unknown compression %q", compression)
}

func decompress(compression string, body []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return body, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), r.Close())
		}
		return out, Error.Wrap(r.Close())
	case CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		return out, Error.Wrap(err)
	}
	return nil, Error.New("unknown compression %q", compression)
}
