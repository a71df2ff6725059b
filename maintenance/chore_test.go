// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package maintenance_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/driftsync/driftsync/maintenance"
	"github.com/driftsync/driftsync/shared/dbtest"
	"github.com/driftsync/driftsync/shared/tagsql"
	"github.com/driftsync/driftsync/synclog"
)

func appendCommit(ctx context.Context, t *testing.T, db *synclog.DB, clientCommitID, rowID string) int64 {
	t.Helper()

	version := int64(1)
	var commitSeq int64
	err := db.WithTx(ctx, func(ctx context.Context, tx tagsql.Tx) (err error) {
		commitSeq, err = db.AppendCommitTx(ctx, tx, synclog.AppendCommit{
			Partition:      "default",
			ActorID:        "u1",
			ClientID:       "c1",
			ClientCommitID: clientCommitID,
			Changes: []synclog.EmittedChange{{
				Table:      "tasks",
				RowID:      rowID,
				Op:         synclog.OpUpsert,
				RowJSON:    json.RawMessage(fmt.Sprintf(`{"id":%q,"user_id":"u1"}`, rowID)),
				RowVersion: &version,
				Scopes:     map[string]string{"user_id": "u1"},
			}},
		})
		return err
	})
	require.NoError(t, err)
	return commitSeq
}

func changeCount(ctx context.Context, t *testing.T, db *synclog.DB, commitSeqs ...int64) int {
	t.Helper()
	total := 0
	for _, seq := range commitSeqs {
		changes, err := db.ReadChangesForCommits(ctx, "default", []int64{seq}, "tasks", nil)
		require.NoError(t, err)
		total += len(changes)
	}
	return total
}

func TestRunOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	maintenance.TestingResetDebounce(db)

	now := time.Now()
	past := now.Add(-100 * 24 * time.Hour)

	// old history: two commits, an expired chunk and a stale cursor
	db.TestingSetNow(func() time.Time { return past })
	appendCommit(ctx, t, db, "cc1", "r1")
	appendCommit(ctx, t, db, "cc2", "r2")
	_, err := db.InsertChunk(ctx, synclog.Chunk{
		ChunkID:     "stale-chunk",
		PartitionID: "default",
		ScopeKey:    "user:u1",
		Scope:       `{"user_id":"u1"}`,
		Encoding:    "json",
		Compression: "none",
		SHA256:      "00",
		ByteLength:  2,
		Body:        []byte("[]"),
		CreatedAt:   past,
		ExpiresAt:   past.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, db.RecordClientCursor(ctx, synclog.RecordClientCursor{
		Partition: "default",
		ClientID:  "stale-client",
		ActorID:   "u1",
		Cursor:    1,
	}))

	// recent history survives maintenance
	db.TestingSetNow(func() time.Time { return now })
	appendCommit(ctx, t, db, "cc3", "r3")
	require.NoError(t, db.RecordClientCursor(ctx, synclog.RecordClientCursor{
		Partition: "default",
		ClientID:  "fresh-client",
		ActorID:   "u1",
		Cursor:    3,
	}))

	chore := maintenance.NewChore(zaptest.NewLogger(t), maintenance.Config{
		Interval:          10 * time.Minute,
		Enabled:           true,
		FullHistoryFor:    72 * time.Hour,
		CompactDebounce:   time.Hour,
		KeepNewestCommits: 1,
		CommitMaxAge:      30 * 24 * time.Hour,
		CursorMaxAge:      90 * 24 * time.Hour,
	}, db)
	chore.TestingSetNow(func() time.Time { return now })

	require.NoError(t, chore.RunOnce(ctx))

	oldest, err := db.OldestRetainedCommitSeq(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 3, oldest)

	// the expired chunk is already gone, so a second sweep removes nothing
	removed, err := db.DeleteExpiredChunks(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	stale, err := db.GetClientCursor(ctx, "default", "stale-client")
	require.NoError(t, err)
	require.Nil(t, stale)
	fresh, err := db.GetClientCursor(ctx, "default", "fresh-client")
	require.NoError(t, err)
	require.NotNil(t, fresh)
}

func TestMaybeCompactChangesDebounce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	maintenance.TestingResetDebounce(db)

	now := time.Now()
	past := now.Add(-100 * 24 * time.Hour)

	// two old writes to the same row: the older change is compactable
	db.TestingSetNow(func() time.Time { return past })
	seq1 := appendCommit(ctx, t, db, "cc1", "r1")
	seq2 := appendCommit(ctx, t, db, "cc2", "r1")
	db.TestingSetNow(func() time.Time { return now })

	chore := maintenance.NewChore(zaptest.NewLogger(t), maintenance.Config{
		FullHistoryFor:  72 * time.Hour,
		CompactDebounce: time.Hour,
	}, db)
	chore.TestingSetNow(func() time.Time { return now })

	require.NoError(t, chore.MaybeCompactChanges(ctx))
	require.Equal(t, 0, changeCount(ctx, t, db, seq1))
	require.Equal(t, 1, changeCount(ctx, t, db, seq2))

	// a third superseded write inside the debounce window stays untouched
	db.TestingSetNow(func() time.Time { return past })
	seq3 := appendCommit(ctx, t, db, "cc3", "r1")
	db.TestingSetNow(func() time.Time { return now })

	require.NoError(t, chore.MaybeCompactChanges(ctx))
	require.Equal(t, 1, changeCount(ctx, t, db, seq2))

	// once the window elapses the next pass compacts again
	chore.TestingSetNow(func() time.Time { return now.Add(2 * time.Hour) })
	require.NoError(t, chore.MaybeCompactChanges(ctx))
	require.Equal(t, 0, changeCount(ctx, t, db, seq2))
	require.Equal(t, 1, changeCount(ctx, t, db, seq3))
}

func TestCloseReleasesDebounce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := dbtest.Open(ctx, t)
	maintenance.TestingResetDebounce(db)

	now := time.Now()
	past := now.Add(-100 * 24 * time.Hour)

	db.TestingSetNow(func() time.Time { return past })
	appendCommit(ctx, t, db, "cc1", "r1")
	appendCommit(ctx, t, db, "cc2", "r1")
	db.TestingSetNow(func() time.Time { return now })

	config := maintenance.Config{FullHistoryFor: 72 * time.Hour, CompactDebounce: time.Hour}
	first := maintenance.NewChore(zaptest.NewLogger(t), config, db)
	first.TestingSetNow(func() time.Time { return now })

	require.NoError(t, first.MaybeCompactChanges(ctx))
	require.Equal(t, 0, changeCount(ctx, t, db, 1))
	require.NoError(t, first.Close())

	// closing dropped the debounce entry, so a new chore on the same
	// database compacts without waiting out the window
	db.TestingSetNow(func() time.Time { return past })
	seq3 := appendCommit(ctx, t, db, "cc3", "r1")
	db.TestingSetNow(func() time.Time { return now })

	second := maintenance.NewChore(zaptest.NewLogger(t), config, db)
	second.TestingSetNow(func() time.Time { return now })
	require.NoError(t, second.MaybeCompactChanges(ctx))
	require.Equal(t, 0, changeCount(ctx, t, db, 2))
	require.Equal(t, 1, changeCount(ctx, t, db, seq3))
}

func TestDebounceIsPerDatabase(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	one := dbtest.Open(ctx, t)
	two := dbtest.Open(ctx, t)
	maintenance.TestingResetDebounce(one)
	maintenance.TestingResetDebounce(two)

	now := time.Now()
	past := now.Add(-100 * 24 * time.Hour)
	for _, db := range []*synclog.DB{one, two} {
		db.TestingSetNow(func() time.Time { return past })
		appendCommit(ctx, t, db, "cc1", "r1")
		appendCommit(ctx, t, db, "cc2", "r1")
		db.TestingSetNow(func() time.Time { return now })
	}

	config := maintenance.Config{FullHistoryFor: 72 * time.Hour, CompactDebounce: time.Hour}
	choreOne := maintenance.NewChore(zaptest.NewLogger(t), config, one)
	choreTwo := maintenance.NewChore(zaptest.NewLogger(t), config, two)
	choreOne.TestingSetNow(func() time.Time { return now })
	choreTwo.TestingSetNow(func() time.Time { return now })

	// compacting one database does not debounce the other
	require.NoError(t, choreOne.MaybeCompactChanges(ctx))
	require.NoError(t, choreTwo.MaybeCompactChanges(ctx))
	require.Equal(t, 0, changeCount(ctx, t, one, 1))
	require.Equal(t, 0, changeCount(ctx, t, two, 1))
}
