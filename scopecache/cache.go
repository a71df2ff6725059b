// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package scopecache caches the authorized scope mappings resolved by table
// handlers. The cache is advisory: staleness up to the TTL is acceptable
// because resolution re-runs on expiry and duplicate resolves are
// idempotent.
package scopecache

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/scope"
	"github.com/driftsync/driftsync/shared/lrucache"
)

var (
	// Error is the default error class for scopecache.
	Error = errs.Class("scopecache")

	mon = monkit.Package()
)

// Backend is the abstract cache store. Implementations must return values
// only before their expiry, treat Set with a non-positive TTL as Delete,
// and report missing or expired entries as absent.
type Backend interface {
	Get(ctx context.Context, key string) (_ scope.Mapping, found bool, err error)
	Set(ctx context.Context, key string, mapping scope.Mapping, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config configures the resolver cache.
type Config struct {
	TTL      time.Duration `help:"how long resolved scope mappings stay cached" default:"30s"`
	Capacity int           `help:"how many resolved scope mappings to keep in memory" default:"10000"`
}

// Resolver resolves the authorized scope mapping for a (partition, table,
// actor) triple, consulting the cache first.
type Resolver struct {
	log     *zap.Logger
	backend Backend
	ttl     time.Duration
}

// NewResolver creates a Resolver over the given backend.
func NewResolver(log *zap.Logger, backend Backend, ttl time.Duration) *Resolver {
	return &Resolver{log: log, backend: backend, ttl: ttl}
}

// Resolve returns the scope mapping the actor may read on the handler's
// table. Cache write failures are logged, never surfaced: the resolved
// mapping is authoritative either way.
func (r *Resolver) Resolve(ctx context.Context, h handler.Handler, auth handler.Auth) (_ scope.Mapping, err error) {
	defer mon.Task()(&ctx)(&err)

	key := cacheKey(auth.Partition, h.Table(), auth.ActorID)
	if mapping, found, err := r.backend.Get(ctx, key); err == nil && found {
		return mapping, nil
	} else if err != nil {
		r.log.Warn("scope cache read failed", zap.String("key", key), zap.Error(err))
	}

	mapping, err := h.ResolveScopes(ctx, auth)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := r.backend.Set(ctx, key, mapping, r.ttl); err != nil {
		r.log.Warn("scope cache write failed", zap.String("key", key), zap.Error(err))
	}
	return mapping, nil
}

// Invalidate drops the cached mapping for a triple, forcing the next
// Resolve to re-run the handler.
func (r *Resolver) Invalidate(ctx context.Context, partition, table, actorID string) error {
	return r.backend.Delete(ctx, cacheKey(partition, table, actorID))
}

func cacheKey(partition, table, actorID string) string {
	return partition + "\x00" + table + "\x00" + actorID
}

// LRUBackend is the default in-process Backend built on the expiring LRU.
type LRUBackend struct {
	cache *lrucache.ExpiringLRUOf[lruEntry]
}

type lruEntry struct {
	mapping scope.Mapping
	expires time.Time
}

// NewLRUBackend creates an LRUBackend with the given capacity and an upper
// bound on entry lifetime.
func NewLRUBackend(config Config) *LRUBackend {
	return &LRUBackend{
		cache: lrucache.NewOf[lruEntry](lrucache.Options{
			Expiration: config.TTL,
			Capacity:   config.Capacity,
			Name:       "scope_mappings",
		}),
	}
}

// Get implements Backend.
func (b *LRUBackend) Get(ctx context.Context, key string) (scope.Mapping, bool, error) {
	entry, found := b.cache.GetCached(ctx, key)
	if !found || time.Now().After(entry.expires) {
		return nil, false, nil
	}
	return entry.mapping, true, nil
}

// Set implements Backend.
func (b *LRUBackend) Set(ctx context.Context, key string, mapping scope.Mapping, ttl time.Duration) error {
	if ttl <= 0 {
		return b.Delete(ctx, key)
	}
	b.cache.Add(ctx, key, lruEntry{mapping: mapping, expires: time.Now().Add(ttl)})
	return nil
}

// Delete implements Backend.
func (b *LRUBackend) Delete(ctx context.Context, key string) error {
	b.cache.Delete(ctx, key)
	return nil
}
