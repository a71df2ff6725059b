// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package pull_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/pull"
	"github.com/driftsync/driftsync/push"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/scopecache"
	"github.com/driftsync/driftsync/shared/dbtest"
	"github.com/driftsync/driftsync/synclog"
)

var testAuth = handler.Auth{ActorID: "u1", Partition: "default"}

type harness struct {
	db      *synclog.DB
	applier *push.Applier
	planner *pull.Planner
	chunks  *chunker.Chunker
}

func newHarness(ctx context.Context, t *testing.T, config pull.Config) *harness {
	t.Helper()
	db := dbtest.Open(ctx, t)

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

	cacheConfig := scopecache.Config{TTL: time.Minute, Capacity: 100}
	resolver := scopecache.NewResolver(zaptest.NewLogger(t), scopecache.NewLRUBackend(cacheConfig), cacheConfig.TTL)

	chunks, err := chunker.New(zaptest.NewLogger(t), db, chunker.Config{Compression: chunker.CompressionLZ4})
	require.NoError(t, err)

	return &harness{
		db:      db,
		applier: push.NewApplier(zaptest.NewLogger(t), db, registry, nil),
		planner: pull.NewPlanner(zaptest.NewLogger(t), db, registry, resolver, chunks, config),
		chunks:  chunks,
	}
}

// pushRow commits one upsert and returns the commit sequence.
func (h *harness) pushRow(ctx context.Context, t *testing.T, auth handler.Auth, commitID, rowID, title string) int64 {
	t.Helper()
	var base int64
	result, err := h.applier.PushCommit(ctx, auth, push.Request{
		ClientID:       "writer-" + auth.ActorID,
		ClientCommitID: commitID,
		Operations: []handler.Operation{{
			Table:       "tasks",
			RowID:       rowID,
			Op:          synclog.OpUpsert,
			Payload:     json.RawMessage(fmt.Sprintf(`{"id":%q,"title":%q,"user_id":%q}`, rowID, title, auth.ActorID)),
			BaseVersion: &base,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, push.StatusApplied, result.Response.Status)
	return result.Response.CommitSeq
}

func TestPullBootstrap(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(ctx, t, pull.Config{InlineMaxBytes: 4096})

	h.pushRow(ctx, t, testAuth, "commit-1", "r1", "one")
	h.pushRow(ctx, t, testAuth, "commit-2", "r2", "two")
	h.pushRow(ctx, t, handler.Auth{ActorID: "u2", Partition: "default"}, "commit-1", "r3", "other")

	resp, err := h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID:      "c1",
		Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Subscriptions, 1)

	sub := resp.Subscriptions[0]
	require.Equal(t, pull.StatusActive, sub.Status)
	require.True(t, sub.Bootstrap)
	require.Equal(t, scope.Single("u1"), sub.Scopes["user_id"])
	require.Equal(t, int64(3), sub.NextCursor)
	require.Empty(t, sub.Commits)

	// the whole bootstrap fits one inline page and excludes u2's row
	require.Len(t, sub.Snapshots, 1)
	require.Empty(t, sub.Snapshots[0].ChunkID)
	require.Len(t, sub.Snapshots[0].Rows, 2)

	// the cursor was recorded for observability
	cursor, err := h.db.GetClientCursor(ctx, "default", "c1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	require.Equal(t, int64(3), cursor.Cursor)
}

func TestPullIncremental(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(ctx, t, pull.Config{InlineMaxBytes: 4096})

	seq1 := h.pushRow(ctx, t, testAuth, "commit-1", "r1", "one")
	seq2 := h.pushRow(ctx, t, testAuth, "commit-2", "r2", "two")

	resp, err := h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID:      "c1",
		Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks", Cursor: seq1}},
	})
	require.NoError(t, err)

	sub := resp.Subscriptions[0]
	require.Equal(t, pull.StatusActive, sub.Status)
	require.False(t, sub.Bootstrap)
	require.Empty(t, sub.Snapshots)
	require.Equal(t, seq2, sub.NextCursor)

	require.Len(t, sub.Commits, 1)
	require.Equal(t, seq2, sub.Commits[0].CommitSeq)
	require.Equal(t, "u1", sub.Commits[0].ActorID)
	require.Len(t, sub.Commits[0].Changes, 1)
	require.Equal(t, "r2", sub.Commits[0].Changes[0].RowID)
	require.Equal(t, synclog.OpUpsert, sub.Commits[0].Changes[0].Op)
}

func TestPullCaughtUp(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(ctx, t, pull.Config{InlineMaxBytes: 4096})

	seq := h.pushRow(ctx, t, testAuth, "commit-1", "r1", "one")

	resp, err := h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID:      "c1",
		Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks", Cursor: seq}},
	})
	require.NoError(t, err)

	sub := resp.Subscriptions[0]
	require.Equal(t, pull.StatusActive, sub.Status)
	require.False(t, sub.Bootstrap)
	require.Empty(t, sub.Commits)
	require.Equal(t, seq, sub.NextCursor)
}

func TestPullRevoked(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(ctx, t, pull.Config{InlineMaxBytes: 4096})

	h.pushRow(ctx, t, testAuth, "commit-1", "r1", "one")

	resp, err := h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID: "c1",
		Subscriptions: []pull.Subscription{
			{ID: "other-user", Table: "tasks", Cursor: 7, Scopes: scope.Mapping{"user_id": scope.Single("u2")}},
			{ID: "no-table", Table: "nope", Cursor: 3},
			{ID: "bad-key", Table: "tasks", Cursor: 5, Scopes: scope.Mapping{
				`x')=1 OR 1=1 OR ('1`: scope.Single("u1"),
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Subscriptions, 3)

	require.Equal(t, pull.StatusRevoked, resp.Subscriptions[0].Status)
	require.Equal(t, int64(7), resp.Subscriptions[0].NextCursor)
	require.Equal(t, pull.StatusRevoked, resp.Subscriptions[1].Status)
	require.Equal(t, int64(3), resp.Subscriptions[1].NextCursor)

	// scope keys the table never declared are revoked, not filtered on
	require.Equal(t, pull.StatusRevoked, resp.Subscriptions[2].Status)
	require.Equal(t, int64(5), resp.Subscriptions[2].NextCursor)
	require.Empty(t, resp.Subscriptions[2].Commits)
	require.Empty(t, resp.Subscriptions[2].Snapshots)

	// revoked subscriptions never advance the recorded cursor
	cursor, err := h.db.GetClientCursor(ctx, "default", "c1")
	require.NoError(t, err)
	require.Nil(t, cursor)
}

func TestPullBootstrapAfterPruning(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(ctx, t, pull.Config{InlineMaxBytes: 4096})

	h.pushRow(ctx, t, testAuth, "commit-1", "r1", "one")
	h.pushRow(ctx, t, testAuth, "commit-2", "r2", "two")
	h.pushRow(ctx, t, testAuth, "commit-3", "r3", "three")

	_, err := h.db.PruneCommits(ctx, 1, h.db.Now().Add(time.Hour))
	require.NoError(t, err)

	// commit 2 is gone, so a cursor at 1 can only recover via snapshot
	resp, err := h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID:      "c1",
		Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks", Cursor: 1}},
	})
	require.NoError(t, err)
	require.True(t, resp.Subscriptions[0].Bootstrap)
	require.Equal(t, int64(3), resp.Subscriptions[0].NextCursor)

	// a cursor right at the retention boundary stays incremental
	resp, err = h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID:      "c1",
		Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks", Cursor: 2}},
	})
	require.NoError(t, err)
	require.False(t, resp.Subscriptions[0].Bootstrap)
	require.Equal(t, int64(3), resp.Subscriptions[0].NextCursor)
}

func TestPullSnapshotChunked(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newHarness(ctx, t, pull.Config{InlineMaxBytes: 1})

	h.pushRow(ctx, t, testAuth, "commit-1", "r1", "one")

	resp, err := h.planner.Pull(ctx, testAuth, pull.Request{
		ClientID:      "c1",
		Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks"}},
	})
	require.NoError(t, err)

	sub := resp.Subscriptions[0]
	require.True(t, sub.Bootstrap)
	require.Len(t, sub.Snapshots, 1)

	snap := sub.Snapshots[0]
	require.Empty(t, snap.Rows)
	require.NotEmpty(t, snap.ChunkID)
	require.NotEmpty(t, snap.SHA256)
	require.NotZero(t, snap.ByteLength)

	chunk, err := h.chunks.Fetch(ctx, "default", snap.ChunkID)
	require.NoError(t, err)
	rows, err := chunker.Rows(chunk)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
