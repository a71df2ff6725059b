// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

// Package livesync wakes connected clients after commits land. It keeps a
// process-wide registry of live connections indexed by scope key and by
// client id, and fans a small sync event out to every connection whose
// scopes intersect a freshly committed change set.
package livesync

import (
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default error class for livesync.
	Error = errs.Class("livesync")

	mon = monkit.Package()
)

// DefaultHeartbeatInterval is used when the config does not set one.
const DefaultHeartbeatInterval = 30 * time.Second

// CloseInternalError is the close code sent to connections that fail a
// delivery.
const CloseInternalError = 1011

// Conn is a live client connection the registry can deliver to. Send
// methods may be called concurrently; implementations serialize writes.
type Conn interface {
	// SendSync wakes the client: new commits up to cursor are available.
	SendSync(cursor int64) error

	// SendHeartbeat keeps the connection alive through idle periods.
	SendHeartbeat() error

	// SendError reports a terminal server-side problem to the client.
	SendError(msg string) error

	// Close closes the connection with a close code and reason.
	Close(code int, reason string) error

	// IsOpen reports whether the connection can still be delivered to.
	IsOpen() bool
}

// Config holds fan-out registry settings.
type Config struct {
	HeartbeatInterval time.Duration `help:"how often idle connections receive a heartbeat" default:"30s"`
}

type connSet map[Conn]struct{}

type connInfo struct {
	clientID  string
	scopeKeys []string
}

// Registry indexes live connections by scope key and client id. All index
// mutation happens under one mutex; delivery runs off it.
type Registry struct {
	log      *zap.Logger
	interval time.Duration

	mu        sync.Mutex
	byScope   map[string]connSet
	byClient  map[string]connSet
	conns     map[Conn]connInfo
	heartbeat *time.Timer
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger, config Config) *Registry {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Registry{
		log:      log,
		interval: config.HeartbeatInterval,
		byScope:  make(map[string]connSet),
		byClient: make(map[string]connSet),
		conns:    make(map[Conn]connInfo),
	}
}

// Register adds a connection under its client id and scope keys. The first
// registration starts the heartbeat timer.
func (r *Registry) Register(conn Conn, clientID string, scopeKeys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(conn)
	r.conns[conn] = connInfo{clientID: clientID, scopeKeys: append([]string(nil), scopeKeys...)}
	r.indexLocked(conn, clientID, scopeKeys)

	if r.heartbeat == nil {
		r.heartbeat = time.AfterFunc(r.interval, r.heartbeatTick)
	}
	mon.IntVal("live_connections").Observe(int64(len(r.conns)))
}

// Unregister removes a connection from both indexes. The last removal
// stops the heartbeat timer.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn)
}

// UpdateScopeKeys replaces the scope keys of a registered connection, for
// clients whose subscriptions changed mid-connection.
func (r *Registry) UpdateScopeKeys(conn Conn, scopeKeys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, registered := r.conns[conn]
	if !registered {
		return
	}
	r.removeLocked(conn)
	r.conns[conn] = connInfo{clientID: info.clientID, scopeKeys: append([]string(nil), scopeKeys...)}
	r.indexLocked(conn, info.clientID, scopeKeys)
	if r.heartbeat == nil {
		r.heartbeat = time.AfterFunc(r.interval, r.heartbeatTick)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// NotifyScopeKeys delivers one sync event to every connection registered
// under any of the scope keys, skipping the excluded client ids. Delivery
// is best-effort; a connection that fails its send is closed and removed.
func (r *Registry) NotifyScopeKeys(scopeKeys []string, cursor int64, excludeClientIDs []string) {
	excluded := make(map[string]struct{}, len(excludeClientIDs))
	for _, id := range excludeClientIDs {
		excluded[id] = struct{}{}
	}

	r.mu.Lock()
	targets := make(connSet)
	for _, key := range scopeKeys {
		for conn := range r.byScope[key] {
			if _, skip := excluded[r.conns[conn].clientID]; skip {
				continue
			}
			targets[conn] = struct{}{}
		}
	}
	r.mu.Unlock()

	delivered := 0
	for conn := range targets {
		if err := conn.SendSync(cursor); err != nil {
			r.dropConn(conn, err)
			continue
		}
		delivered++
	}
	mon.Counter("fanout_delivered").Inc(int64(delivered))
}

// NotifyClient delivers one sync event directly to every connection of a
// client, regardless of scope keys.
func (r *Registry) NotifyClient(clientID string, cursor int64) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.byClient[clientID]))
	for conn := range r.byClient[clientID] {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := conn.SendSync(cursor); err != nil {
			r.dropConn(conn, err)
		}
	}
}

// CloseAll closes every registered connection, for shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		_ = conn.Close(code, reason)
		r.Unregister(conn)
	}
}

// heartbeatTick sends a heartbeat to every open connection, sweeps closed
// ones and re-arms the timer while connections remain.
func (r *Registry) heartbeatTick() {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.conns))
	for conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if !conn.IsOpen() {
			r.Unregister(conn)
			continue
		}
		if err := conn.SendHeartbeat(); err != nil {
			r.dropConn(conn, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) > 0 {
		r.heartbeat = time.AfterFunc(r.interval, r.heartbeatTick)
	} else {
		r.heartbeat = nil
	}
}

// dropConn closes a connection that failed a delivery and removes it.
func (r *Registry) dropConn(conn Conn, cause error) {
	r.log.Debug("dropping live connection", zap.Error(cause))
	_ = conn.Close(CloseInternalError, "delivery failed")
	r.Unregister(conn)
	mon.Counter("fanout_dropped").Inc(1)
}

// indexLocked adds a connection to both indexes. Callers hold the mutex.
func (r *Registry) indexLocked(conn Conn, clientID string, scopeKeys []string) {
	if clientID != "" {
		set, exists := r.byClient[clientID]
		if !exists {
			set = make(connSet)
			r.byClient[clientID] = set
		}
		set[conn] = struct{}{}
	}
	for _, key := range scopeKeys {
		set, exists := r.byScope[key]
		if !exists {
			set = make(connSet)
			r.byScope[key] = set
		}
		set[conn] = struct{}{}
	}
}

// removeLocked removes a connection from both indexes and stops the
// heartbeat timer when it was the last one. Callers hold the mutex.
func (r *Registry) removeLocked(conn Conn) {
	info, registered := r.conns[conn]
	if !registered {
		return
	}
	delete(r.conns, conn)

	if set, exists := r.byClient[info.clientID]; exists {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.byClient, info.clientID)
		}
	}
	for _, key := range info.scopeKeys {
		if set, exists := r.byScope[key]; exists {
			delete(set, conn)
			if len(set) == 0 {
				delete(r.byScope, key)
			}
		}
	}

	if len(r.conns) == 0 && r.heartbeat != nil {
		r.heartbeat.Stop()
		r.heartbeat = nil
	}
}
