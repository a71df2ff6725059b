// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package dbtest opens throwaway databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/driftsync/driftsync/synclog"
)

var counter int64

// Open returns an isolated in-memory database with the engine schema
// already in place. Set DRIFTSYNC_TEST_DATABASE to run the tests against a
// real server instead.
func Open(ctx context.Context, t testing.TB) *synclog.DB {
	t.Helper()

	connstr := os.Getenv("DRIFTSYNC_TEST_DATABASE")
	if connstr == "" {
		// a named shared-cache database stays alive as long as the pool
		// holds one connection.
		connstr = fmt.Sprintf("sqlite3://file:dbtest%d?mode=memory&cache=shared&_busy_timeout=5000",
			atomic.AddInt64(&counter, 1))
	}

	db, err := synclog.Open(ctx, zaptest.NewLogger(t), connstr, synclog.Config{
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})

	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensuring schema: %v", err)
	}
	if err := db.EnsureConsoleSchema(ctx); err != nil {
		t.Fatalf("ensuring console schema: %v", err)
	}
	return db
}
