// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package push_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/push"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/shared/dbtest"
	"github.com/driftsync/driftsync/shared/tagsql"
	"github.com/driftsync/driftsync/synclog"
)

var testAuth = handler.Auth{ActorID: "u1", Partition: "default"}

func newApplier(ctx context.Context, t *testing.T, db *synclog.DB) (*push.Applier, *handler.TableHandler) {
	t.Helper()
	h, err := handler.NewTableHandler(zaptest.NewLogger(t), db, handler.TableConfig{
		Table:           "tasks",
		ScopePatterns:   []scope.Pattern{"user:{user_id}"},
		ScopeFields:     []string{"user_id"},
		ActorScopeField: "user_id",
	})
	require.NoError(t, err)
	require.NoError(t, h.EnsureTable(ctx))

	registry := handler.NewRegistry()
	require.NoError(t, registry.Register(h))
	return push.NewApplier(zaptest.NewLogger(t), db, registry, nil), h
}

func upsertOp(rowID string, baseVersion int64, payload string) handler.Operation {
	return handler.Operation{
		Table:       "tasks",
		RowID:       rowID,
		Op:          synclog.OpUpsert,
		Payload:     json.RawMessage(payload),
		BaseVersion: &baseVersion,
	}
}

func TestPushCommitApplied(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	applier, _ := newApplier(ctx, t, db)

	result, err := applier.PushCommit(ctx, testAuth, push.Request{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		Operations: []handler.Operation{
			upsertOp("r1", 0, `{"id":"r1","title":"one","user_id":"u1"}`),
			upsertOp("r2", 0, `{"id":"r2","title":"two","user_id":"u1"}`),
		},
	})
	require.NoError(t, err)

	require.Equal(t, push.StatusApplied, result.Response.Status)
	require.Equal(t, int64(1), result.Response.CommitSeq)
	require.Len(t, result.Response.Results, 2)
	for _, res := range result.Response.Results {
		require.Equal(t, handler.StatusApplied, res.Status)
	}
	require.Equal(t, []string{"user:u1"}, result.ScopeKeys)
	require.Len(t, result.EmittedChanges, 2)
	require.Equal(t, []string{"tasks"}, result.AffectedTables)
}

func TestPushCommitCached(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	applier, _ := newApplier(ctx, t, db)

	req := push.Request{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		Operations: []handler.Operation{
			upsertOp("r1", 0, `{"id":"r1","title":"one","user_id":"u1"}`),
		},
	}

	first, err := applier.PushCommit(ctx, testAuth, req)
	require.NoError(t, err)
	require.Equal(t, push.StatusApplied, first.Response.Status)

	retry, err := applier.PushCommit(ctx, testAuth, req)
	require.NoError(t, err)
	require.Equal(t, push.StatusCached, retry.Response.Status)
	require.Equal(t, first.Response.CommitSeq, retry.Response.CommitSeq)
	require.Equal(t, first.Response.Results, retry.Response.Results)

	// the retry must not fan out or re-append
	require.Empty(t, retry.ScopeKeys)
	max, err := db.MaxCommitSeq(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(1), max)
}

func TestPushCommitRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	applier, h := newApplier(ctx, t, db)

	_, err := applier.PushCommit(ctx, testAuth, push.Request{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		Operations: []handler.Operation{
			upsertOp("r1", 0, `{"id":"r1","title":"one","user_id":"u1"}`),
		},
	})
	require.NoError(t, err)

	// one good write plus a stale write; the whole commit must roll back.
	result, err := applier.PushCommit(ctx, testAuth, push.Request{
		ClientID:       "c1",
		ClientCommitID: "commit-2",
		Operations: []handler.Operation{
			upsertOp("r2", 0, `{"id":"r2","title":"two","user_id":"u1"}`),
			upsertOp("r1", 0, `{"id":"r1","title":"stale","user_id":"u1"}`),
		},
	})
	require.NoError(t, err)
	require.Equal(t, push.StatusRejected, result.Response.Status)
	require.Zero(t, result.Response.CommitSeq)
	require.Len(t, result.Response.Results, 2)
	require.Equal(t, handler.StatusApplied, result.Response.Results[0].Status)
	require.Equal(t, handler.StatusConflict, result.Response.Results[1].Status)

	// nothing from the rejected commit reached the table or the log
	max, err := db.MaxCommitSeq(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(1), max)

	var page handler.SnapshotPage
	err = db.WithReadTx(ctx, func(ctx context.Context, tx tagsql.Tx) (err error) {
		page, err = h.Snapshot(ctx, tx, "default", scope.Binding{"user_id": "u1"}, "", 10)
		return err
	})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
}

func TestPushCommitUnknownTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	applier, _ := newApplier(ctx, t, db)

	result, err := applier.PushCommit(ctx, testAuth, push.Request{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		Operations: []handler.Operation{
			{Table: "nope", RowID: "r1", Op: synclog.OpUpsert, Payload: json.RawMessage(`{}`)},
		},
	})
	require.NoError(t, err)
	require.Equal(t, push.StatusRejected, result.Response.Status)
	require.Len(t, result.Response.Results, 1)
	require.Equal(t, handler.StatusError, result.Response.Results[0].Status)
	require.Equal(t, handler.CodeUnknownTable, result.Response.Results[0].Code)
}

func TestPushCommitValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	applier, _ := newApplier(ctx, t, db)

	result, err := applier.PushCommit(ctx, testAuth, push.Request{
		ClientCommitID: "commit-1",
		Operations:     []handler.Operation{upsertOp("r1", 0, `{}`)},
	})
	require.NoError(t, err)
	require.Equal(t, push.StatusRejected, result.Response.Status)
	require.Equal(t, handler.CodeInvalidRequest, result.Response.Results[0].Code)

	result, err = applier.PushCommit(ctx, testAuth, push.Request{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
	})
	require.NoError(t, err)
	require.Equal(t, push.StatusRejected, result.Response.Status)
	require.Equal(t, handler.CodeEmptyCommit, result.Response.Results[0].Code)
}
