// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package tagsql implements a thin wrapper around *sql.DB so that the rest
// of the codebase is written against interfaces rather than a concrete
// driver handle. Every method takes a context and passes it to the
// underlying database.
package tagsql

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
)

// Open opens a database handle for the given driver and source and verifies
// connectivity.
func Open(ctx context.Context, driverName, dataSourceName string) (DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(errs.Wrap(err), db.Close())
	}
	return Wrap(db), nil
}

// Wrap turns a *sql.DB into a tagsql.DB.
func Wrap(db *sql.DB) DB {
	return &sqlDB{db: db}
}

// DB is an interface for *sql.DB-like databases.
type DB interface {
	BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error
	SetMaxOpenConns(n int)
	SetMaxIdleConns(n int)
	Unwrap() *sql.DB
	Close() error
}

// Rows is an interface for *sql.Rows.
type Rows interface {
	Close() error
	Err() error
	Next() bool
	Scan(dest ...interface{}) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) BeginTx(ctx context.Context, txOptions *sql.TxOptions) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlDB) SetMaxOpenConns(n int) { s.db.SetMaxOpenConns(n) }
func (s *sqlDB) SetMaxIdleConns(n int) { s.db.SetMaxIdleConns(n) }

func (s *sqlDB) Unwrap() *sql.DB { return s.db }

func (s *sqlDB) Close() error { return s.db.Close() }
