// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package push implements the commit applier: validation, idempotency,
// per-operation savepoints, and the atomic append of applied commits to the
// log.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/shared/tagsql"
	"github.com/driftsync/driftsync/synclog"
)

var (
	// Error is the default error class for push.
	Error = errs.Class("push")

	mon = monkit.Package()

	// errRejected aborts the outer transaction when any operation failed;
	// it never escapes PushCommit.
	errRejected = errs.Class("commit rejected")
)

// Commit statuses of a push response.
const (
	StatusApplied  = "applied"
	StatusCached   = "cached"
	StatusRejected = "rejected"
)

// Request is one client commit to apply.
type Request struct {
	ClientID       string
	ClientCommitID string
	SchemaVersion  string
	Operations     []handler.Operation
	Meta           json.RawMessage
}

// Response is the wire-visible outcome of a push.
type Response struct {
	Status    string             `json:"status"`
	CommitSeq int64              `json:"commitSeq,omitempty"`
	Results   []handler.OpResult `json:"results"`
}

// Result is the full outcome of a push: the response plus the fan-out data
// the caller needs to wake subscribed clients.
type Result struct {
	Response       Response
	ScopeKeys      []string
	EmittedChanges []synclog.EmittedChange
	AffectedTables []string
}

// Applier validates, deduplicates, applies and appends client commits.
type Applier struct {
	log      *zap.Logger
	db       *synclog.DB
	registry *handler.Registry
	plugins  []Plugin
}

// NewApplier creates an Applier.
func NewApplier(log *zap.Logger, db *synclog.DB, registry *handler.Registry, plugins []Plugin) *Applier {
	return &Applier{
		log:      log,
		db:       db,
		registry: registry,
		plugins:  sortPlugins(plugins),
	}
}

// PushCommit applies one client commit atomically. Validation and handler
// failures are reported through the response, never as errors; an error
// return means infrastructure failure and nothing was committed.
func (a *Applier) PushCommit(ctx context.Context, auth handler.Auth, req Request) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.ClientID == "" || req.ClientCommitID == "" {
		return rejected(handler.Errored(0, handler.CodeInvalidRequest, false, "clientId and clientCommitId are required")), nil
	}
	if len(req.Operations) == 0 {
		return rejected(handler.Errored(0, handler.CodeEmptyCommit, false, "operations list is empty")), nil
	}

	// A retried commit is answered from the log without re-applying
	// anything; the cached branch performs no fan-out.
	if cached, err := a.cachedResult(ctx, auth, req); err != nil {
		return Result{}, err
	} else if cached != nil {
		return *cached, nil
	}

	var (
		results   []handler.OpResult
		emitted   []synclog.EmittedChange
		commitSeq int64
	)

	var appendOpts synclog.AppendCommit
	err = a.db.WithTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		results = results[:0]
		emitted = emitted[:0]

		applied, err := a.applyOperations(ctx, tx, auth, req.Operations, &results, &emitted)
		if err != nil {
			return err
		}
		if !applied {
			return errRejected.New("%d operations", len(req.Operations))
		}

		resultJSON, err := json.Marshal(results)
		if err != nil {
			return Error.Wrap(err)
		}
		appendOpts = synclog.AppendCommit{
			Partition:      auth.Partition,
			ActorID:        auth.ActorID,
			ClientID:       req.ClientID,
			ClientCommitID: req.ClientCommitID,
			Changes:        emitted,
			Meta:           req.Meta,
			Result:         resultJSON,
		}
		commitSeq, err = a.db.AppendCommitTx(ctx, tx, appendOpts)
		return err
	})
	switch {
	case err == nil:
	case errRejected.Has(err):
		a.log.Debug("commit rejected",
			zap.String("partition", auth.Partition),
			zap.String("client_id", req.ClientID),
			zap.String("client_commit_id", req.ClientCommitID),
			zap.Int("operations", len(req.Operations)))
		return Result{Response: Response{Status: StatusRejected, Results: results}}, nil
	case synclog.ErrIdempotencyViolation.Has(err):
		// a concurrent retry won the race; answer from its commit.
		cached, probeErr := a.cachedResult(ctx, auth, req)
		if probeErr != nil {
			return Result{}, probeErr
		}
		if cached != nil {
			return *cached, nil
		}
		return Result{}, Error.Wrap(err)
	default:
		return Result{}, err
	}

	scopeKeys, err := a.scopeKeys(emitted)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Response:       Response{Status: StatusApplied, CommitSeq: commitSeq, Results: results},
		ScopeKeys:      scopeKeys,
		EmittedChanges: emitted,
		AffectedTables: appendOpts.AffectedTables(),
	}, nil
}

// applyOperations runs every operation in input order, isolating failures
// with savepoints where the engine supports them. It reports whether all
// operations applied.
func (a *Applier) applyOperations(ctx context.Context, tx tagsql.Tx, auth handler.Auth, ops []handler.Operation, results *[]handler.OpResult, emitted *[]synclog.EmittedChange) (allApplied bool, err error) {
	caps := a.db.Adapter().Capabilities()
	allApplied = true

	useBatches := caps.SupportsInsertReturning && len(a.plugins) == 0

	for i := 0; i < len(ops); {
		h, lookupErr := a.registry.Lookup(ops[i].Table)
		if lookupErr != nil {
			*results = append(*results, handler.Errored(i, handler.CodeUnknownTable, false,
				fmt.Sprintf("table %q is not registered", ops[i].Table)))
			allApplied = false
			if !caps.SupportsSavepoints {
				return false, nil
			}
			i++
			continue
		}

		if batcher, ok := h.(handler.BatchApplier); ok && useBatches {
			run := contiguousRun(ops, i)
			if len(run) > 1 {
				outcomes, err := batcher.ApplyOperationBatch(ctx, tx, auth, i, run)
				if err != nil {
					return false, err
				}
				for _, outcome := range outcomes {
					*results = append(*results, outcome.Result)
					if outcome.Result.Status == handler.StatusApplied {
						*emitted = append(*emitted, outcome.Emitted...)
					} else {
						allApplied = false
					}
				}
				i += len(run)
				continue
			}
		}

		op := ops[i]
		for _, plugin := range a.plugins {
			op, err = plugin.BeforeApplyOperation(ctx, auth, i, op)
			if err != nil {
				return false, Error.Wrap(err)
			}
		}

		outcome, err := a.applyOne(ctx, tx, h, auth, i, op, caps.SupportsSavepoints)
		if err != nil {
			return false, err
		}
		*results = append(*results, outcome.Result)
		if outcome.Result.Status != handler.StatusApplied {
			allApplied = false
			if !caps.SupportsSavepoints {
				// without savepoints a failed operation may have left side
				// effects, so the whole commit aborts on first failure.
				return false, nil
			}
			i++
			continue
		}

		for _, plugin := range a.plugins {
			if err := plugin.AfterApplyOperation(ctx, auth, i, op, outcome); err != nil {
				return false, Error.Wrap(err)
			}
		}
		*emitted = append(*emitted, outcome.Emitted...)
		i++
	}
	return allApplied, nil
}

// applyOne applies a single operation under a savepoint so that a failed
// handler leaves no side effects behind.
func (a *Applier) applyOne(ctx context.Context, tx tagsql.Tx, h handler.Handler, auth handler.Auth, opIndex int, op handler.Operation, useSavepoint bool) (handler.ApplyOutcome, error) {
	name := fmt.Sprintf("sync_op_%d", opIndex)
	if useSavepoint {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return handler.ApplyOutcome{}, Error.Wrap(err)
		}
	}

	outcome, err := h.ApplyOperation(ctx, tx, auth, opIndex, op)
	if err != nil {
		return handler.ApplyOutcome{}, err
	}

	if useSavepoint {
		if outcome.Result.Status == handler.StatusApplied {
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
				return handler.ApplyOutcome{}, Error.Wrap(err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
				return handler.ApplyOutcome{}, Error.Wrap(err)
			}
		}
	}
	return outcome, nil
}

// cachedResult answers a retried commit from the log, or nil when the
// commit has not been applied before.
func (a *Applier) cachedResult(ctx context.Context, auth handler.Auth, req Request) (*Result, error) {
	existing, err := a.db.GetCommitByIdempotencyKey(ctx, auth.Partition, req.ClientID, req.ClientCommitID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	var results []handler.OpResult
	if len(existing.Result) > 0 {
		if err := json.Unmarshal(existing.Result, &results); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	mon.Counter("push_cached").Inc(1)
	return &Result{
		Response: Response{Status: StatusCached, CommitSeq: existing.CommitSeq, Results: results},
	}, nil
}

// scopeKeys expands every emitted change through its table's scope
// patterns and returns the deduplicated union.
func (a *Applier) scopeKeys(emitted []synclog.EmittedChange) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, change := range emitted {
		h, err := a.registry.Lookup(change.Table)
		if err != nil {
			return nil, err
		}
		for _, key := range scope.ExpandKeys(h.ScopePatterns(), change.Scopes) {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func contiguousRun(ops []handler.Operation, start int) []handler.Operation {
	end := start + 1
	for end < len(ops) && ops[end].Table == ops[start].Table {
		end++
	}
	return ops[start:end]
}

func rejected(result handler.OpResult) Result {
	return Result{Response: Response{
		Status:  StatusRejected,
		Results: []handler.OpResult{result},
	}}
}
