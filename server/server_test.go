// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package server_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/livesync"
	"github.com/driftsync/driftsync/pull"
	"github.com/driftsync/driftsync/push"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/scopecache"
	"github.com/driftsync/driftsync/server"
	"github.com/driftsync/driftsync/shared/dbtest"
	"github.com/driftsync/driftsync/synclog"
)

type testServer struct {
	addr string
	db   *synclog.DB
	live *livesync.Registry
}

func startServer(ctx *testcontext.Context, t *testing.T) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t)
	db := dbtest.Open(ctx, t)

	h, err := handler.NewTableHandler(log, db, handler.TableConfig{
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
	resolver := scopecache.NewResolver(log, scopecache.NewLRUBackend(cacheConfig), cacheConfig.TTL)
	chunks, err := chunker.New(log, db, chunker.Config{Compression: chunker.CompressionLZ4})
	require.NoError(t, err)

	applier := push.NewApplier(log, db, registry, nil)
	planner := pull.NewPlanner(log, db, registry, resolver, chunks, pull.Config{InlineMaxBytes: 4096})
	live := livesync.NewRegistry(log, livesync.Config{HeartbeatInterval: time.Hour})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := server.NewServer(log, server.Config{ShutdownTimeout: 5 * time.Second},
		listener, db, registry, applier, planner, chunks, live, server.DevHeaderAuthenticate)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return &testServer{addr: listener.Addr().String(), db: db, live: live}
}

func (ts *testServer) sync(t *testing.T, actorID string, req server.SyncRequest) (int, server.SyncResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, "http://"+ts.addr+"/sync", bytes.NewReader(body))
	require.NoError(t, err)
	if actorID != "" {
		httpReq.Header.Set("X-Actor-Id", actorID)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()

	var decoded server.SyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func pushRequest(clientID, commitID, rowID, userID string) server.SyncRequest {
	base := int64(0)
	return server.SyncRequest{
		ClientID: clientID,
		Push: &server.PushRequest{
			ClientCommitID: commitID,
			Operations: []handler.Operation{{
				Table:       "tasks",
				RowID:       rowID,
				Op:          synclog.OpUpsert,
				Payload:     json.RawMessage(fmt.Sprintf(`{"id":%q,"title":"t","user_id":%q}`, rowID, userID)),
				BaseVersion: &base,
			}},
		},
	}
}

func TestSyncEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	status, resp := ts.sync(t, "u1", pushRequest("c1", "commit-1", "r1", "u1"))
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.OK)
	require.NotNil(t, resp.Push)
	require.True(t, resp.Push.OK)
	require.Equal(t, push.StatusApplied, resp.Push.Status)
	require.Equal(t, int64(1), resp.Push.CommitSeq)

	status, resp = ts.sync(t, "u1", server.SyncRequest{
		ClientID: "c1",
		Pull: &server.PullRequest{
			Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks"}},
		},
	})
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Pull)
	require.Len(t, resp.Pull.Subscriptions, 1)
	require.Equal(t, pull.StatusActive, resp.Pull.Subscriptions[0].Status)
	require.True(t, resp.Pull.Subscriptions[0].Bootstrap)
	require.Equal(t, int64(1), resp.Pull.Subscriptions[0].NextCursor)
}

func TestSyncEndpointRejectsBadRequests(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	// no credentials
	status, resp := ts.sync(t, "", pushRequest("c1", "commit-1", "r1", "u1"))
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, resp.OK)

	// neither push nor pull
	status, resp = ts.sync(t, "u1", server.SyncRequest{ClientID: "c1"})
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, resp.OK)
}

func TestChunkEndpointNotFound(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	req, err := http.NewRequest(http.MethodGet, "http://"+ts.addr+"/sync/snapshot-chunks/absent", nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	resp, err := http.Get("http://" + ts.addr + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketWake(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	header := http.Header{}
	header.Set("X-Actor-Id", "u1")
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+ts.addr+"/sync/live", header)
	require.NoError(t, err)
	defer ctx.Check(ws.Close)
	require.NoError(t, resp.Body.Close())

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"clientId": "listener",
		"subscriptions": []map[string]interface{}{
			{"table": "tasks"},
		},
	}))
	require.Eventually(t, func() bool { return ts.live.Len() == 1 },
		10*time.Second, 10*time.Millisecond)

	status, pushed := ts.sync(t, "u1", pushRequest("writer", "commit-1", "r1", "u1"))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, push.StatusApplied, pushed.Push.Status)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var event livesync.Event
	require.NoError(t, ws.ReadJSON(&event))
	require.Equal(t, livesync.EventSync, event.Event)
	require.Equal(t, pushed.Push.CommitSeq, event.Data.Cursor)
	require.NotZero(t, event.Data.Timestamp)
}

func TestWebSocketWakeOnSubscribe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	// commits land while the client is offline
	status, pushed := ts.sync(t, "u1", pushRequest("writer", "commit-1", "r1", "u1"))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, push.StatusApplied, pushed.Push.Status)

	header := http.Header{}
	header.Set("X-Actor-Id", "u1")
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+ts.addr+"/sync/live", header)
	require.NoError(t, err)
	defer ctx.Check(ws.Close)
	require.NoError(t, resp.Body.Close())

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"clientId": "listener",
		"subscriptions": []map[string]interface{}{
			{"table": "tasks"},
		},
	}))

	// subscribing behind the partition head wakes the client immediately
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var event livesync.Event
	require.NoError(t, ws.ReadJSON(&event))
	require.Equal(t, livesync.EventSync, event.Event)
	require.Equal(t, pushed.Push.CommitSeq, event.Data.Cursor)
}

func TestChunkEndpointServesCanonicalBody(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ts := startServer(ctx, t)

	// a payload well past the inline limit forces a chunked bootstrap
	big := strings.Repeat("x", 8192)
	base := int64(0)
	status, pushed := ts.sync(t, "u1", server.SyncRequest{
		ClientID: "writer",
		Push: &server.PushRequest{
			ClientCommitID: "commit-1",
			Operations: []handler.Operation{{
				Table:       "tasks",
				RowID:       "r1",
				Op:          synclog.OpUpsert,
				Payload:     json.RawMessage(fmt.Sprintf(`{"id":"r1","title":%q,"user_id":"u1"}`, big)),
				BaseVersion: &base,
			}},
		},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, push.StatusApplied, pushed.Push.Status)

	status, pulled := ts.sync(t, "u1", server.SyncRequest{
		ClientID: "reader",
		Pull: &server.PullRequest{
			Subscriptions: []pull.Subscription{{ID: "s1", Table: "tasks"}},
		},
	})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pulled.Pull.Subscriptions, 1)
	require.Len(t, pulled.Pull.Subscriptions[0].Snapshots, 1)
	snap := pulled.Pull.Subscriptions[0].Snapshots[0]
	require.NotEmpty(t, snap.ChunkID)

	req, err := http.NewRequest(http.MethodGet,
		"http://"+ts.addr+"/sync/snapshot-chunks/"+snap.ChunkID, nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the download matches the digest and length the pull advertised
	require.EqualValues(t, len(body), snap.ByteLength)
	digest := sha256.Sum256(body)
	require.Equal(t, hex.EncodeToString(digest[:]), snap.SHA256)
	require.Equal(t, snap.SHA256, resp.Header.Get("X-Chunk-Sha256"))

	var rows []json.RawMessage
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
}
