// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package synclog implements the durable per-partition commit log that the
// push and pull pipelines are built on: append-only commits with per-commit
// change records and scope tags, a routing index for pull, client cursors,
// and the snapshot chunk store.
package synclog

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for synclog.
	Error = errs.Class("synclog")
	// ErrIdempotencyViolation is returned when a commit with the same
	// (partition, client, client commit id) already exists.
	ErrIdempotencyViolation = errs.Class("commit already applied")
	// ErrChunkNotFound is returned when a snapshot chunk does not exist or
	// has expired.
	ErrChunkNotFound = errs.Class("snapshot chunk not found")
)

// DefaultPartition is the partition used when the request does not name one.
const DefaultPartition = "default"

// MaxPartitionLength bounds partition identifiers.
const MaxPartitionLength = 120

// SanitizePartition normalizes a partition identifier: characters outside
// [A-Za-z0-9._:-] are replaced with '-', the result is trimmed to
// MaxPartitionLength, and an empty result collapses to DefaultPartition.
func SanitizePartition(partition string) string {
	if partition == "" {
		return DefaultPartition
	}
	var b strings.Builder
	b.Grow(len(partition))
	for _, r := range partition {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '.', r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > MaxPartitionLength {
		out = out[:MaxPartitionLength]
	}
	if out == "" {
		return DefaultPartition
	}
	return out
}

// Op is the kind of a change.
type Op string

const (
	// OpUpsert inserts or updates a row.
	OpUpsert Op = "upsert"
	// OpDelete removes a row.
	OpDelete Op = "delete"
)

// Valid reports whether the op is a known kind.
func (op Op) Valid() bool { return op == OpUpsert || op == OpDelete }

// Commit is one atomically applied client commit in the log.
type Commit struct {
	CommitSeq      int64
	PartitionID    string
	ActorID        string
	ClientID       string
	ClientCommitID string
	CreatedAt      time.Time
	ChangeCount    int
	AffectedTables []string
	Meta           json.RawMessage
	Result         json.RawMessage
}

// Change is one persisted row mutation belonging to a commit.
type Change struct {
	ChangeID    int64
	CommitSeq   int64
	PartitionID string
	Table       string
	RowID       string
	Op          Op
	RowJSON     json.RawMessage
	RowVersion  *int64
	Scopes      map[string]string
}

// EmittedChange is the transient record a table handler returns from
// applying an operation. Its scopes are the authoritative extracted scopes,
// used both to persist the change row and to compute fan-out scope keys.
type EmittedChange struct {
	Table      string
	RowID      string
	Op         Op
	RowJSON    json.RawMessage
	RowVersion *int64
	Scopes     map[string]string
}

// ClientCursor records the last observed commit sequence and effective
// scopes for a client, for observability and fleet management.
type ClientCursor struct {
	PartitionID     string
	ClientID        string
	ActorID         string
	Cursor          int64
	EffectiveScopes json.RawMessage
	UpdatedAt       time.Time
}

// Chunk is a persisted, content-addressed snapshot page.
type Chunk struct {
	ChunkID       string
	PartitionID   string
	ScopeKey      string
	Scope         string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
	Encoding      string
	Compression   string
	SHA256        string
	ByteLength    int64
	Body          []byte
	BlobHash      *string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}
