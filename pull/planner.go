// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package pull implements the pull planner: per subscription it decides
// between a bootstrap snapshot and an incremental stream, enforces scope
// authorization, and records the client cursor.
package pull

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/chunker"
	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/scopecache"
	"github.com/driftsync/driftsync/shared/tagsql"
	"github.com/driftsync/driftsync/synclog"
)

var (
	// Error is the default error class for pull.
	Error = errs.Class("pull")

	mon = monkit.Package()
)

// Subscription statuses of a pull response.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Config holds pull planner settings.
type Config struct {
	LimitCommits     int `help:"maximum commits returned per subscription per pull" default:"100"`
	SnapshotPageSize int `help:"rows requested per snapshot page" default:"500"`
	MaxSnapshotPages int `help:"maximum snapshot pages produced per scope binding" default:"20"`
	MaxSnapshotRows  int `help:"maximum snapshot rows produced per subscription" default:"10000"`
	InlineMaxBytes   int `help:"snapshot pages encoded below this size are inlined instead of chunked" default:"4096"`
}

// Subscription is one client subscription inside a pull request.
type Subscription struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	Scopes    scope.Mapping   `json:"scopes,omitempty"`
	Cursor    int64           `json:"cursor"`
	Bootstrap bool            `json:"bootstrap,omitempty"`
}

// Request is one pull request.
type Request struct {
	ClientID      string
	LimitCommits  int
	Subscriptions []Subscription
}

// Snapshot is one bootstrap page of a pull response: either inline rows or
// a content-addressed chunk reference.
type Snapshot struct {
	Table         string            `json:"table"`
	Rows          []json.RawMessage `json:"rows,omitempty"`
	ChunkID       string            `json:"chunkId,omitempty"`
	ByteLength    int64             `json:"byteLength,omitempty"`
	SHA256        string            `json:"sha256,omitempty"`
	NextRowCursor string            `json:"nextRowCursor,omitempty"`
}

// WireChange is the wire shape of one change row.
type WireChange struct {
	Table      string            `json:"table"`
	RowID      string            `json:"row_id"`
	Op         synclog.Op        `json:"op"`
	RowJSON    json.RawMessage   `json:"row_json,omitempty"`
	RowVersion *int64            `json:"row_version,omitempty"`
	Scopes     map[string]string `json:"scopes"`
}

// CommitGroup is one commit of the incremental stream with its changes in
// insertion order.
type CommitGroup struct {
	CommitSeq int64        `json:"commitSeq"`
	CreatedAt time.Time    `json:"createdAt"`
	ActorID   string       `json:"actorId"`
	Changes   []WireChange `json:"changes"`
}

// SubscriptionResult is the pull outcome for one subscription.
type SubscriptionResult struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Scopes     scope.Mapping `json:"scopes"`
	Bootstrap  bool          `json:"bootstrap"`
	Snapshots  []Snapshot    `json:"snapshots,omitempty"`
	Commits    []CommitGroup `json:"commits,omitempty"`
	NextCursor int64         `json:"nextCursor"`
}

// Response is the pull section of a sync response.
type Response struct {
	Subscriptions []SubscriptionResult `json:"subscriptions"`
}

// Planner answers pull requests.
type Planner struct {
	log      *zap.Logger
	db       *synclog.DB
	registry *handler.Registry
	resolver *scopecache.Resolver
	chunks   *chunker.Chunker
	config   Config
}

// NewPlanner creates a Planner.
func NewPlanner(log *zap.Logger, db *synclog.DB, registry *handler.Registry, resolver *scopecache.Resolver, chunks *chunker.Chunker, config Config) *Planner {
	if config.LimitCommits <= 0 {
		config.LimitCommits = 100
	}
	if config.SnapshotPageSize <= 0 {
		config.SnapshotPageSize = 500
	}
	if config.MaxSnapshotPages <= 0 {
		config.MaxSnapshotPages = 20
	}
	if config.MaxSnapshotRows <= 0 {
		config.MaxSnapshotRows = 10000
	}
	return &Planner{
		log:      log,
		db:       db,
		registry: registry,
		resolver: resolver,
		chunks:   chunks,
		config:   config,
	}
}

// Pull answers one pull request. Authorization narrowing is reported per
// subscription through its status; an error return means infrastructure
// failure and nothing useful was produced.
func (p *Planner) Pull(ctx context.Context, auth handler.Auth, req Request) (_ Response, err error) {
	defer mon.Task()(&ctx)(&err)

	limit := req.LimitCommits
	if limit <= 0 || limit > p.config.LimitCommits {
		limit = p.config.LimitCommits
	}

	var (
		response   Response
		maxCursor  int64
		scopesByID = make(map[string]scope.Mapping, len(req.Subscriptions))
	)
	for _, sub := range req.Subscriptions {
		result, err := p.pullSubscription(ctx, auth, sub, limit)
		if err != nil {
			return Response{}, err
		}
		response.Subscriptions = append(response.Subscriptions, result)
		if result.Status == StatusActive {
			scopesByID[sub.ID] = result.Scopes
			if result.NextCursor > maxCursor {
				maxCursor = result.NextCursor
			}
		}
	}

	p.recordCursor(ctx, auth, req.ClientID, maxCursor, scopesByID)
	return response, nil
}

func (p *Planner) pullSubscription(ctx context.Context, auth handler.Auth, sub Subscription, limit int) (_ SubscriptionResult, err error) {
	defer mon.Task()(&ctx)(&err)

	h, err := p.registry.Lookup(sub.Table)
	if err != nil {
		// an unregistered table cannot ever produce data; the client should
		// drop the subscription.
		p.log.Warn("pull for unregistered table",
			zap.String("table", sub.Table), zap.String("subscription", sub.ID))
		return SubscriptionResult{ID: sub.ID, Status: StatusRevoked, NextCursor: sub.Cursor}, nil
	}

	if key, ok := undeclaredScopeKey(h, sub.Scopes); ok {
		// requested keys the table does not declare never reach filter
		// construction.
		p.log.Warn("pull with undeclared scope key",
			zap.String("table", sub.Table), zap.String("key", key),
			zap.String("subscription", sub.ID))
		mon.Counter("pull_revoked").Inc(1)
		return SubscriptionResult{ID: sub.ID, Status: StatusRevoked, NextCursor: sub.Cursor}, nil
	}

	authorized, err := p.resolver.Resolve(ctx, h, auth)
	if err != nil {
		return SubscriptionResult{}, err
	}
	effective, ok := authorized.Intersect(sub.Scopes)
	if !ok {
		mon.Counter("pull_revoked").Inc(1)
		return SubscriptionResult{ID: sub.ID, Status: StatusRevoked, NextCursor: sub.Cursor}, nil
	}

	bootstrap := sub.Cursor == 0 || sub.Bootstrap
	if !bootstrap {
		oldest, err := p.db.OldestRetainedCommitSeq(ctx, auth.Partition)
		if err != nil {
			return SubscriptionResult{}, err
		}
		// pruning removed commits the client has not seen yet; only a fresh
		// snapshot can close the gap.
		bootstrap = oldest > sub.Cursor+1
	}

	if bootstrap {
		return p.pullSnapshot(ctx, auth, h, sub, effective)
	}
	return p.pullIncremental(ctx, auth, sub, effective, limit)
}

// pullSnapshot produces a bootstrap for every fully materialized scope
// binding. The target cursor and every page are read through one read
// transaction, so the snapshot observes a single point in time; changes
// committed during paging are delivered by the next incremental pull.
func (p *Planner) pullSnapshot(ctx context.Context, auth handler.Auth, h handler.Handler, sub Subscription, effective scope.Mapping) (_ SubscriptionResult, err error) {
	defer mon.Task()(&ctx)(&err)

	type snapshotPage struct {
		page chunker.Page
		snap handler.SnapshotPage
	}
	var asOf int64
	var pages []snapshotPage

	err = p.db.WithReadTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		// the closure may run more than once on retry.
		pages = pages[:0]

		asOf, err = p.db.MaxCommitSeqTx(ctx, tx, auth.Partition)
		if err != nil {
			return err
		}

		totalRows := 0
		for _, binding := range effective.Bindings() {
			scopeJSON, err := json.Marshal(binding)
			if err != nil {
				return Error.Wrap(err)
			}

			rowCursor := ""
			for page := 0; page < p.config.MaxSnapshotPages && totalRows < p.config.MaxSnapshotRows; page++ {
				pageSize := p.config.SnapshotPageSize
				if remaining := p.config.MaxSnapshotRows - totalRows; pageSize > remaining {
					pageSize = remaining
				}

				snap, err := h.Snapshot(ctx, tx, auth.Partition, binding, rowCursor, pageSize)
				if err != nil {
					return err
				}
				totalRows += len(snap.Rows)

				if len(snap.Rows) > 0 {
					pages = append(pages, snapshotPage{
						page: chunker.Page{
							Partition:     auth.Partition,
							ScopeKey:      bindingScopeKey(h, binding),
							Scope:         string(scopeJSON),
							AsOfCommitSeq: asOf,
							RowCursor:     rowCursor,
							RowLimit:      pageSize,
						},
						snap: snap,
					})
				}

				rowCursor = snap.NextCursor
				if rowCursor == "" {
					break
				}
			}
		}
		mon.IntVal("snapshot_rows").Observe(int64(totalRows))
		return nil
	})
	if err != nil {
		return SubscriptionResult{}, err
	}

	result := SubscriptionResult{
		ID:         sub.ID,
		Status:     StatusActive,
		Scopes:     effective,
		Bootstrap:  true,
		Snapshots:  []Snapshot{},
		NextCursor: asOf,
	}
	// chunk writes happen outside the read transaction.
	for _, sp := range pages {
		entry, err := p.packSnapshot(ctx, sp.page, sub.Table, sp.snap)
		if err != nil {
			return SubscriptionResult{}, err
		}
		result.Snapshots = append(result.Snapshots, entry)
	}
	return result, nil
}

// packSnapshot turns one non-empty snapshot page into a response entry:
// small pages are inlined, the rest become chunk references.
func (p *Planner) packSnapshot(ctx context.Context, page chunker.Page, table string, snap handler.SnapshotPage) (Snapshot, error) {
	body, err := chunker.EncodeRows(snap.Rows)
	if err != nil {
		return Snapshot{}, err
	}
	if len(body) < p.config.InlineMaxBytes {
		return Snapshot{
			Table:         table,
			Rows:          snap.Rows,
			NextRowCursor: snap.NextCursor,
		}, nil
	}

	chunk, err := p.chunks.Store(ctx, page, snap.Rows)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Table:         table,
		ChunkID:       chunk.ChunkID,
		ByteLength:    chunk.ByteLength,
		SHA256:        chunk.SHA256,
		NextRowCursor: snap.NextCursor,
	}, nil
}

// pullIncremental streams the commits after the subscription's cursor,
// grouped per commit in strictly increasing commit sequence.
func (p *Planner) pullIncremental(ctx context.Context, auth handler.Auth, sub Subscription, effective scope.Mapping, limit int) (_ SubscriptionResult, err error) {
	defer mon.Task()(&ctx)(&err)

	result := SubscriptionResult{
		ID:         sub.ID,
		Status:     StatusActive,
		Scopes:     effective,
		Commits:    []CommitGroup{},
		NextCursor: sub.Cursor,
	}

	err = p.db.IterateIncrementalPullRows(ctx, synclog.IterateIncrementalPullRows{
		Partition:    auth.Partition,
		Table:        sub.Table,
		Scopes:       effective,
		Cursor:       sub.Cursor,
		LimitCommits: limit,
	}, func(ctx context.Context, it synclog.PullRowsIterator) error {
		var row synclog.PullRow
		for it.Next(ctx, &row) {
			n := len(result.Commits)
			if n == 0 || result.Commits[n-1].CommitSeq != row.CommitSeq {
				result.Commits = append(result.Commits, CommitGroup{
					CommitSeq: row.CommitSeq,
					CreatedAt: row.CreatedAt,
					ActorID:   row.ActorID,
				})
				n++
			}
			group := &result.Commits[n-1]
			group.Changes = append(group.Changes, WireChange{
				Table:      row.Change.Table,
				RowID:      row.Change.RowID,
				Op:         row.Change.Op,
				RowJSON:    row.Change.RowJSON,
				RowVersion: row.Change.RowVersion,
				Scopes:     row.Change.Scopes,
			})
		}
		result.NextCursor = it.Cursor()
		return nil
	})
	if err != nil {
		return SubscriptionResult{}, err
	}
	return result, nil
}

// recordCursor upserts the client cursor for observability. It never
// blocks or fails the pull response.
func (p *Planner) recordCursor(ctx context.Context, auth handler.Auth, clientID string, cursor int64, scopesByID map[string]scope.Mapping) {
	if clientID == "" || len(scopesByID) == 0 {
		return
	}
	effective, err := json.Marshal(scopesByID)
	if err != nil {
		p.log.Warn("encoding effective scopes failed", zap.Error(err))
		effective = nil
	}
	err = p.db.RecordClientCursor(ctx, synclog.RecordClientCursor{
		Partition:       auth.Partition,
		ClientID:        clientID,
		ActorID:         auth.ActorID,
		Cursor:          cursor,
		EffectiveScopes: effective,
	})
	if err != nil {
		p.log.Warn("recording client cursor failed",
			zap.String("client_id", clientID), zap.Error(err))
	}
}

// undeclaredScopeKey returns the first requested scope key the table's
// scope patterns do not declare.
func undeclaredScopeKey(h handler.Handler, requested scope.Mapping) (string, bool) {
	declared := make(map[string]struct{})
	for _, pattern := range h.ScopePatterns() {
		for _, key := range pattern.Keys() {
			declared[key] = struct{}{}
		}
	}
	for _, key := range requested.Keys() {
		if _, ok := declared[key]; !ok {
			return key, true
		}
	}
	return "", false
}

// bindingScopeKey materializes the table's scope patterns against a binding
// into a stable page key component.
func bindingScopeKey(h handler.Handler, binding scope.Binding) string {
	var keys []string
	for _, pattern := range h.ScopePatterns() {
		if key, ok := pattern.Materialize(binding); ok {
			keys = append(keys, key)
		}
	}
	return strings.Join(keys, ",")
}
