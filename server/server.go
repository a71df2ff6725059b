// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package server exposes the sync engine over HTTP: the combined push/pull
// endpoint, snapshot chunk downloads, and the realtime websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/livesync"
	"github.com/driftsync/driftsync/pull"
	"github.com/driftsync/driftsync/push"
	"github.com/driftsync/driftsync/synclog"
)

var (
	// Error is the default error class for the sync server.
	Error = errs.Class("sync server")

	mon = monkit.Package()
)

// Config contains configuration for the sync server.
type Config struct {
	Address         string        `help:"server address of the sync api" default:":7900"`
	PartitionHeader string        `help:"request header carrying the partition id" default:"X-Demo-Id"`
	ShutdownTimeout time.Duration `help:"maximum amount of time to gracefully shut down" default:"25s"`
}

// Identity is the authenticated caller of a request. Partition may be
// empty, in which case the server extracts it from the request.
type Identity struct {
	ActorID   string
	Partition string
}

// AuthenticateFunc is the host-provided authentication callback. Returning
// nil rejects the request with 401.
type AuthenticateFunc func(r *http.Request) (*Identity, error)

// Server exposes the sync engine over HTTP.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	db           *synclog.DB
	applier      *push.Applier
	planner      *pull.Planner
	chunks       *chunker.Chunker
	live         *livesync.Registry
	registry     *handler.Registry
	authenticate AuthenticateFunc

	listener net.Listener
	server   http.Server
}

// NewServer creates a new sync server.
func NewServer(log *zap.Logger, config Config, listener net.Listener,
	db *synclog.DB, registry *handler.Registry, applier *push.Applier,
	planner *pull.Planner, chunks *chunker.Chunker, live *livesync.Registry,
	authenticate AuthenticateFunc) *Server {

	server := &Server{
		log:          log,
		config:       config,
		db:           db,
		registry:     registry,
		applier:      applier,
		planner:      planner,
		chunks:       chunks,
		live:         live,
		authenticate: authenticate,
		listener:     listener,
	}

	router := mux.NewRouter()
	router.HandleFunc("/sync", server.handleSync).Methods(http.MethodPost)
	router.HandleFunc("/sync/snapshot-chunks/{chunkId}", server.handleChunk).Methods(http.MethodGet)
	router.HandleFunc("/sync/live", server.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	server.server = http.Server{
		Handler: router,
	}
	return server
}

// Run starts the server that host the sync api.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
		defer shutdownCancel()
		server.live.CloseAll(livesync.CloseInternalError, "server shutting down")
		return Error.Wrap(server.server.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// SyncRequest is the combined push/pull request body.
type SyncRequest struct {
	ClientID string       `json:"clientId"`
	Push     *PushRequest `json:"push,omitempty"`
	Pull     *PullRequest `json:"pull,omitempty"`
}

// PushRequest is the push section of a sync request.
type PushRequest struct {
	ClientCommitID string              `json:"clientCommitId"`
	SchemaVersion  string              `json:"schemaVersion,omitempty"`
	Operations     []handler.Operation `json:"operations"`
	Meta           json.RawMessage     `json:"meta,omitempty"`
}

// PullRequest is the pull section of a sync request.
type PullRequest struct {
	LimitCommits  int                 `json:"limitCommits,omitempty"`
	Subscriptions []pull.Subscription `json:"subscriptions"`
}

// PushResponse is the push section of a sync response.
type PushResponse struct {
	OK        bool               `json:"ok"`
	Status    string             `json:"status"`
	CommitSeq int64              `json:"commitSeq,omitempty"`
	Results   []handler.OpResult `json:"results"`
}

// PullResponse is the pull section of a sync response.
type PullResponse struct {
	OK            bool                      `json:"ok"`
	Subscriptions []pull.SubscriptionResult `json:"subscriptions"`
}

// SyncResponse is the combined push/pull response body.
type SyncResponse struct {
	OK    bool          `json:"ok"`
	Push  *PushResponse `json:"push,omitempty"`
	Pull  *PullResponse `json:"pull,omitempty"`
	Error string        `json:"error,omitempty"`
}

// handleSync serves the combined push/pull endpoint. Logical rejections
// (validation, conflicts, revoked scopes) are reported inside a 200
// response; non-2xx codes mean the request never reached the engine.
func (server *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	started := time.Now()

	auth, ok := server.authorize(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.serveJSONError(w, http.StatusBadRequest, Error.New("malformed request body: %w", err))
		return
	}
	if req.Push == nil && req.Pull == nil {
		server.serveJSONError(w, http.StatusBadRequest, Error.New("request has neither push nor pull"))
		return
	}

	response := SyncResponse{OK: true}

	if req.Push != nil {
		result, pushErr := server.applier.PushCommit(ctx, auth, push.Request{
			ClientID:       req.ClientID,
			ClientCommitID: req.Push.ClientCommitID,
			SchemaVersion:  req.Push.SchemaVersion,
			Operations:     req.Push.Operations,
			Meta:           req.Push.Meta,
		})
		if pushErr != nil {
			err = pushErr
			server.serveJSONError(w, http.StatusInternalServerError, Error.New("push failed"))
			server.log.Error("push failed", zap.Error(pushErr))
			return
		}
		response.Push = &PushResponse{
			OK:        true,
			Status:    result.Response.Status,
			CommitSeq: result.Response.CommitSeq,
			Results:   result.Response.Results,
		}
		if result.Response.Status == push.StatusApplied {
			// wake subscribers; the origin client learns the new cursor from
			// this very response.
			server.live.NotifyScopeKeys(result.ScopeKeys, result.Response.CommitSeq, []string{req.ClientID})
		}
		server.recordPushEvents(ctx, auth, req, result)
	}

	if req.Pull != nil {
		pullResponse, pullErr := server.planner.Pull(ctx, auth, pull.Request{
			ClientID:      req.ClientID,
			LimitCommits:  req.Pull.LimitCommits,
			Subscriptions: req.Pull.Subscriptions,
		})
		if pullErr != nil {
			err = pullErr
			server.serveJSONError(w, http.StatusInternalServerError, Error.New("pull failed"))
			server.log.Error("pull failed", zap.Error(pullErr))
			return
		}
		response.Pull = &PullResponse{OK: true, Subscriptions: pullResponse.Subscriptions}
	}

	server.recordRequestEvent(ctx, auth, req, response, time.Since(started))
	server.serveJSON(w, http.StatusOK, response)
}

// handleChunk serves the canonical uncompressed chunk body, matching the
// byte length and digest advertised in the pull response.
func (server *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	auth, ok := server.authorize(w, r)
	if !ok {
		return
	}

	chunkID := mux.Vars(r)["chunkId"]
	chunk, err := server.chunks.Fetch(ctx, auth.Partition, chunkID)
	if err != nil {
		if synclog.ErrChunkNotFound.Has(err) {
			server.serveJSONError(w, http.StatusNotFound, Error.New("chunk not found"))
			return
		}
		server.serveJSONError(w, http.StatusInternalServerError, Error.New("chunk fetch failed"))
		server.log.Error("chunk fetch failed", zap.Error(err))
		return
	}

	body, err := chunker.Body(chunk)
	if err != nil {
		server.serveJSONError(w, http.StatusInternalServerError, Error.New("chunk decode failed"))
		server.log.Error("chunk decode failed",
			zap.String("chunk_id", chunkID), zap.Error(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Chunk-Encoding", chunk.Encoding)
	w.Header().Set("X-Chunk-Sha256", chunk.SHA256)
	w.Header().Set("Cache-Control", "private, max-age=3600, immutable")
	_, _ = w.Write(body)
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := server.db.Ping(r.Context()); err != nil {
		server.serveJSONError(w, http.StatusServiceUnavailable, Error.New("database unreachable"))
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// authorize authenticates the request and derives the effective partition.
// A false return means the response has already been written.
func (server *Server) authorize(w http.ResponseWriter, r *http.Request) (handler.Auth, bool) {
	identity, err := server.authenticate(r)
	if err != nil {
		server.serveJSONError(w, http.StatusInternalServerError, Error.New("authentication failed"))
		server.log.Error("authenticate callback failed", zap.Error(err))
		return handler.Auth{}, false
	}
	if identity == nil {
		server.serveJSONError(w, http.StatusUnauthorized, Error.New("unauthorized"))
		return handler.Auth{}, false
	}

	partition := identity.Partition
	if partition == "" {
		partition = server.requestPartition(r)
	}
	return handler.Auth{
		ActorID:   identity.ActorID,
		Partition: synclog.SanitizePartition(partition),
	}, true
}

// requestPartition extracts the partition id: configured header first,
// then query parameters, then the default partition.
func (server *Server) requestPartition(r *http.Request) string {
	if v := r.Header.Get(server.config.PartitionHeader); v != "" {
		return v
	}
	if v := r.URL.Query().Get("demoId"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("demo_id"); v != "" {
		return v
	}
	return synclog.DefaultPartition
}

// recordRequestEvent writes one console log row. Failures are logged, the
// response is already decided.
func (server *Server) recordRequestEvent(ctx context.Context, auth handler.Auth, req SyncRequest, response SyncResponse, duration time.Duration) {
	kind := "pull"
	status := "ok"
	var commitSeq *int64
	if req.Push != nil {
		kind = "push"
		if req.Pull != nil {
			kind = "push+pull"
		}
		if response.Push != nil {
			status = response.Push.Status
			if response.Push.CommitSeq > 0 {
				seq := response.Push.CommitSeq
				commitSeq = &seq
			}
		}
	}

	err := server.db.RecordRequestEvent(ctx, synclog.RequestEvent{
		Partition:  auth.Partition,
		ClientID:   req.ClientID,
		ActorID:    auth.ActorID,
		Kind:       kind,
		Status:     status,
		CommitSeq:  commitSeq,
		DurationMS: duration.Milliseconds(),
	})
	if err != nil {
		server.log.Warn("recording request event failed", zap.Error(err))
	}
}

// recordPushEvents writes audit rows for the operations of one push.
func (server *Server) recordPushEvents(ctx context.Context, auth handler.Auth, req SyncRequest, result push.Result) {
	if req.Push == nil || result.Response.Status == push.StatusCached {
		return
	}
	var commitSeq *int64
	if result.Response.CommitSeq > 0 {
		seq := result.Response.CommitSeq
		commitSeq = &seq
	}

	events := make([]synclog.OperationEvent, 0, len(result.Response.Results))
	for _, opResult := range result.Response.Results {
		event := synclog.OperationEvent{
			Partition: auth.Partition,
			CommitSeq: commitSeq,
			OpIndex:   opResult.OpIndex,
			Status:    string(opResult.Status),
			Code:      opResult.Code,
		}
		if opResult.OpIndex < len(req.Push.Operations) {
			op := req.Push.Operations[opResult.OpIndex]
			event.Table = op.Table
			event.RowID = op.RowID
			event.Op = string(op.Op)
		}
		events = append(events, event)
	}
	if err := server.db.RecordOperationEvents(ctx, events); err != nil {
		server.log.Warn("recording operation events failed", zap.Error(err))
	}
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Error("failed to write json response", zap.Error(err))
	}
}

func (server *Server) serveJSONError(w http.ResponseWriter, status int, err error) {
	server.serveJSON(w, status, SyncResponse{OK: false, Error: err.Error()})
}
