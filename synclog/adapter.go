// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/driftsync/driftsync/shared/dbutil"
	"github.com/driftsync/driftsync/shared/tagsql"
)

// Capabilities describes what the underlying engine supports. The push and
// pull pipelines select features based on these flags rather than on the
// dialect itself.
type Capabilities struct {
	SupportsSavepoints      bool
	SupportsInsertReturning bool
	SupportsForUpdate       bool
	SupportsAdvisoryLocks   bool
}

// Adapter is the extension point for dialect-specific SQL. Queries shared
// between dialects are written with '?' placeholders and passed through
// Rebind; everything that genuinely differs between the row-store family
// and the embedded family lives behind this interface.
type Adapter interface {
	Name() string
	Implementation() dbutil.Implementation
	Capabilities() Capabilities

	// Rebind converts '?' placeholders into the dialect's placeholders.
	Rebind(query string) string

	// JSONField returns an expression extracting the given key of a JSON
	// column as text, plus the argument binding the key. Key names are
	// caller input and never become part of the query text.
	JSONField(column, key string) (string, interface{})

	// ValuesCondition returns a condition matching expr against the given
	// values plus the arguments to bind.
	ValuesCondition(expr string, values []string) (string, []interface{})

	// SeqsCondition returns a condition matching expr against the given
	// commit sequences plus the arguments to bind.
	SeqsCondition(expr string, seqs []int64) (string, []interface{})

	// LockPartition serializes commit-sequence allocation for a partition
	// where the engine needs it.
	LockPartition(ctx context.Context, tx tagsql.Tx, partition string) error

	// IsUniqueViolation reports whether err is a unique-constraint failure.
	IsUniqueViolation(err error) bool

	// SchemaDDL returns the idempotent statements creating the sync tables.
	SchemaDDL() []string

	// ConsoleSchemaDDL returns the idempotent statements creating the
	// console tables.
	ConsoleSchemaDDL() []string
}

// PostgresAdapter implements Adapter for the row-store-with-JSON family.
type PostgresAdapter struct{}

var _ Adapter = PostgresAdapter{}

// Name implements Adapter.
func (PostgresAdapter) Name() string { return "postgres" }

// Implementation implements Adapter.
func (PostgresAdapter) Implementation() dbutil.Implementation { return dbutil.Postgres }

// Capabilities implements Adapter.
func (PostgresAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsSavepoints:      true,
		SupportsInsertReturning: true,
		SupportsForUpdate:       true,
		SupportsAdvisoryLocks:   true,
	}
}

// Rebind converts '?' placeholders to $N.
func (PostgresAdapter) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// JSONField implements Adapter using the jsonb ->> operator.
func (PostgresAdapter) JSONField(column, key string) (string, interface{}) {
	return column + ` ->> ?`, key
}

// ValuesCondition implements Adapter using array parameters.
func (PostgresAdapter) ValuesCondition(expr string, values []string) (string, []interface{}) {
	if len(values) == 1 {
		return expr + " = ?", []interface{}{values[0]}
	}
	return expr + " = ANY(?)", []interface{}{values}
}

// SeqsCondition implements Adapter using array parameters.
func (PostgresAdapter) SeqsCondition(expr string, seqs []int64) (string, []interface{}) {
	if len(seqs) == 1 {
		return expr + " = ?", []interface{}{seqs[0]}
	}
	return expr + " = ANY(?)", []interface{}{seqs}
}

// LockPartition takes a transaction-scoped advisory lock keyed by the
// partition so that commit sequence allocation is serial per partition.
func (PostgresAdapter) LockPartition(ctx context.Context, tx tagsql.Tx, partition string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('sync_commits'), hashtext($1))`, partition)
	return Error.Wrap(err)
}

// IsUniqueViolation implements Adapter for SQLSTATE 23505.
func (PostgresAdapter) IsUniqueViolation(err error) bool {
	var pgerr *pgconn.PgError
	return errors.As(err, &pgerr) && pgerr.Code == "23505"
}

// SqliteAdapter implements Adapter for the embedded family.
type SqliteAdapter struct{}

var _ Adapter = SqliteAdapter{}

// Name implements Adapter.
func (SqliteAdapter) Name() string { return "sqlite" }

// Implementation implements Adapter.
func (SqliteAdapter) Implementation() dbutil.Implementation { return dbutil.Sqlite }

// Capabilities implements Adapter. SQLite executes writes serially, so the
// row-locking features are unavailable, but savepoints work.
func (SqliteAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsSavepoints:      true,
		SupportsInsertReturning: false,
		SupportsForUpdate:       false,
		SupportsAdvisoryLocks:   false,
	}
}

// Rebind implements Adapter; sqlite takes '?' natively.
func (SqliteAdapter) Rebind(query string) string { return query }

// JSONField implements Adapter using json_extract.
func (SqliteAdapter) JSONField(column, key string) (string, interface{}) {
	return `json_extract(` + column + `, ?)`, "$." + key
}

// ValuesCondition implements Adapter using an expanded IN list.
func (SqliteAdapter) ValuesCondition(expr string, values []string) (string, []interface{}) {
	if len(values) == 1 {
		return expr + " = ?", []interface{}{values[0]}
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return expr + " IN (?" + strings.Repeat(",?", len(values)-1) + ")", args
}

// SeqsCondition implements Adapter using an expanded IN list.
func (SqliteAdapter) SeqsCondition(expr string, seqs []int64) (string, []interface{}) {
	if len(seqs) == 1 {
		return expr + " = ?", []interface{}{seqs[0]}
	}
	args := make([]interface{}, len(seqs))
	for i, v := range seqs {
		args[i] = v
	}
	return expr + " IN (?" + strings.Repeat(",?", len(seqs)-1) + ")", args
}

// LockPartition is a no-op; sqlite's single writer already serializes
// commit-sequence allocation.
func (SqliteAdapter) LockPartition(ctx context.Context, tx tagsql.Tx, partition string) error {
	return nil
}

// IsUniqueViolation implements Adapter for sqlite constraint errors.
func (SqliteAdapter) IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// AdapterFor returns the adapter for the given implementation.
func AdapterFor(impl dbutil.Implementation) (Adapter, error) {
	switch impl {
	case dbutil.Postgres:
		return PostgresAdapter{}, nil
	case dbutil.Sqlite:
		return SqliteAdapter{}, nil
	default:
		return nil, Error.New("unsupported implementation %v", impl)
	}
}
