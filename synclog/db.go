// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a database/sql driver.
	_ "github.com/mattn/go-sqlite3"    // registers sqlite3 as a database/sql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/shared/dbutil"
	"github.com/driftsync/driftsync/shared/dbutil/txutil"
	"github.com/driftsync/driftsync/shared/tagsql"
)

var mon = monkit.Package()

// Config is the configuration for the commit log database.
type Config struct {
	MaxOpenConns int `help:"maximum number of open connections to the database" default:"25"`
	MaxIdleConns int `help:"maximum number of idle connections to the database" default:"5"`
}

// DB is the durable commit log for one physical database. It may hold any
// number of partitions.
type DB struct {
	log     *zap.Logger
	db      tagsql.DB
	impl    dbutil.Implementation
	adapter Adapter

	nowFn func() time.Time

	testCleanup func() error
}

// Open connects to the commit log database described by the connection
// string. Supported schemes are postgres:// and sqlite3://.
func Open(ctx context.Context, log *zap.Logger, connstr string, config Config) (*DB, error) {
	driver, source, impl, err := dbutil.SplitConnStr(connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	adapter, err := AdapterFor(impl)
	if err != nil {
		return nil, err
	}

	rawdb, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if config.MaxOpenConns > 0 {
		rawdb.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		rawdb.SetMaxIdleConns(config.MaxIdleConns)
	}

	log.Debug("connected", zap.String("implementation", impl.String()))

	return &DB{
		log:         log,
		db:          rawdb,
		impl:        impl,
		adapter:     adapter,
		nowFn:       time.Now,
		testCleanup: func() error { return nil },
	}, nil
}

// Wrap constructs a DB around an already opened handle.
func Wrap(log *zap.Logger, db tagsql.DB, impl dbutil.Implementation) (*DB, error) {
	adapter, err := AdapterFor(impl)
	if err != nil {
		return nil, err
	}
	return &DB{
		log:         log,
		db:          db,
		impl:        impl,
		adapter:     adapter,
		nowFn:       time.Now,
		testCleanup: func() error { return nil },
	}, nil
}

// Implementation returns the database implementation.
func (db *DB) Implementation() dbutil.Implementation { return db.impl }

// Adapter returns the dialect adapter.
func (db *DB) Adapter() Adapter { return db.adapter }

// UnderlyingTagSQL returns the wrapped handle.
func (db *DB) UnderlyingTagSQL() tagsql.DB { return db.db }

// Ping checks whether the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Now returns the database clock used for created/updated timestamps.
func (db *DB) Now() time.Time { return db.nowFn() }

// WithTx runs fn inside a write transaction. On postgres the transaction
// runs at repeatable read; sqlite's writer is already serial.
func (db *DB) WithTx(ctx context.Context, fn func(context.Context, tagsql.Tx) error) error {
	opts := &sql.TxOptions{}
	if db.impl == dbutil.Postgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	return withTx(ctx, db.db, opts, fn)
}

// WithReadTx runs fn inside a read transaction so multiple reads observe a
// consistent snapshot.
func (db *DB) WithReadTx(ctx context.Context, fn func(context.Context, tagsql.Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: db.impl == dbutil.Postgres}
	if db.impl == dbutil.Postgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	return withTx(ctx, db.db, opts, fn)
}

func withTx(ctx context.Context, db tagsql.DB, opts *sql.TxOptions, fn func(context.Context, tagsql.Tx) error) error {
	return txutil.WithTx(ctx, db, opts, fn)
}

// TestingSetNow overrides the clock used for timestamps.
func (db *DB) TestingSetNow(nowFn func() time.Time) { db.nowFn = nowFn }

// TestingSetCleanup sets the callback for cleaning up a test database.
func (db *DB) TestingSetCleanup(cleanup func() error) { db.testCleanup = cleanup }

// Close closes the connection to the database.
func (db *DB) Close() error {
	return errs.Combine(Error.Wrap(db.db.Close()), db.testCleanup())
}
