// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package maintenance compacts and prunes the commit log in the
// background: superseded change rows, old commits beyond the retention
// window, expired snapshot chunks and stale client cursors.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/driftsync/driftsync/synclog"
)

var (
	// Error defines the maintenance chore errors class.
	Error = errs.Class("maintenance chore")
	mon   = monkit.Package()
)

// Config contains configurable values for commit log maintenance.
type Config struct {
	Interval          time.Duration `help:"the time between maintenance passes" default:"10m"`
	Enabled           bool          `help:"set if background maintenance is enabled or not" default:"true"`
	FullHistoryFor    time.Duration `help:"change rows younger than this are never compacted" default:"72h"`
	CompactDebounce   time.Duration `help:"minimum time between compactions of one database" default:"1h"`
	KeepNewestCommits int           `help:"how many commits to always retain per partition" default:"10000"`
	CommitMaxAge      time.Duration `help:"commits beyond the keep count older than this are pruned" default:"720h"`
	CursorMaxAge      time.Duration `help:"client cursors not updated for this long are pruned" default:"2160h"`
}

// debounce tracks the last compaction time per database handle, so that
// several chores sharing a process never compact the same database twice
// within the debounce window, while distinct databases stay independent.
var debounce struct {
	mu   sync.Mutex
	last map[*synclog.DB]time.Time
}

// Chore implements the commit log maintenance chore.
//
// architecture: Chore
type Chore struct {
	log    *zap.Logger
	config Config
	db     *synclog.DB

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewChore creates a new instance of the maintenance chore.
func NewChore(log *zap.Logger, config Config, db *synclog.DB) *Chore {
	return &Chore{
		log:    log,
		config: config,
		db:     db,

		nowFn: time.Now,
		Loop:  sync2.NewCycle(config.Interval),
	}
}

// Run starts the maintenance loop service.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !chore.config.Enabled {
		return nil
	}

	return chore.Loop.Run(ctx, chore.RunOnce)
}

// Close stops the maintenance chore and releases the debounce entry for
// its database, so closed handles do not accumulate in process state.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	debounce.mu.Lock()
	delete(debounce.last, chore.db)
	debounce.mu.Unlock()
	return nil
}

// TestingSetNow allows tests to have the chore act as if the current time
// is whatever they want.
func (chore *Chore) TestingSetNow(nowFn func() time.Time) {
	chore.nowFn = nowFn
}

// RunOnce executes one maintenance pass. Every step is attempted even if
// an earlier one fails.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var errlist errs.Group

	if err := chore.MaybeCompactChanges(ctx); err != nil {
		chore.log.Warn("compacting changes failed", zap.Error(err))
		errlist.Add(err)
	}

	pruned, err := chore.db.PruneCommits(ctx, chore.config.KeepNewestCommits,
		chore.nowFn().Add(-chore.config.CommitMaxAge))
	if err != nil {
		chore.log.Warn("pruning commits failed", zap.Error(err))
		errlist.Add(err)
	} else if pruned > 0 {
		chore.log.Info("pruned commits", zap.Int64("count", pruned))
	}

	expired, err := chore.db.DeleteExpiredChunks(ctx)
	if err != nil {
		chore.log.Warn("deleting expired chunks failed", zap.Error(err))
		errlist.Add(err)
	} else if expired > 0 {
		chore.log.Info("deleted expired snapshot chunks", zap.Int64("count", expired))
	}

	cursors, err := chore.db.PruneClientCursors(ctx, chore.nowFn().Add(-chore.config.CursorMaxAge))
	if err != nil {
		chore.log.Warn("pruning client cursors failed", zap.Error(err))
		errlist.Add(err)
	} else if cursors > 0 {
		chore.log.Info("pruned client cursors", zap.Int64("count", cursors))
	}

	return Error.Wrap(errlist.Err())
}

// MaybeCompactChanges compacts superseded change rows unless this database
// was already compacted within the debounce window.
func (chore *Chore) MaybeCompactChanges(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := chore.nowFn()

	debounce.mu.Lock()
	if debounce.last == nil {
		debounce.last = make(map[*synclog.DB]time.Time)
	}
	if last, seen := debounce.last[chore.db]; seen && now.Sub(last) < chore.config.CompactDebounceInterval() {
		debounce.mu.Unlock()
		mon.Counter("compaction_debounced").Inc(1)
		return nil
	}
	debounce.last[chore.db] = now
	debounce.mu.Unlock()

	removed, err := chore.db.CompactChanges(ctx, now.Add(-chore.config.FullHistoryFor))
	if err != nil {
		return err
	}
	if removed > 0 {
		chore.log.Info("compacted change rows", zap.Int64("count", removed))
	}
	return nil
}

// CompactDebounceInterval returns the effective debounce window.
func (config Config) CompactDebounceInterval() time.Duration {
	if config.CompactDebounce <= 0 {
		return time.Hour
	}
	return config.CompactDebounce
}

// TestingResetDebounce clears the process-wide debounce state for one
// database.
func TestingResetDebounce(db *synclog.DB) {
	debounce.mu.Lock()
	defer debounce.mu.Unlock()
	delete(debounce.last, db)
}
