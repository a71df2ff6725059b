// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package server

import (
	"context"
	"net/http"
	"sort"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/handler"
	"github.com/driftsync/driftsync/livesync"
	"github.com/driftsync/driftsync/scope"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the authenticate callback is the access control; cross-origin pages
	// cannot forge its credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeMessage is the client-to-server message of the wake protocol.
// The first one registers the connection; later ones replace its scope
// keys when the client's subscriptions change.
type subscribeMessage struct {
	Type          string `json:"type"`
	ClientID      string `json:"clientId"`
	Subscriptions []struct {
		Table  string        `json:"table"`
		Scopes scope.Mapping `json:"scopes,omitempty"`
	} `json:"subscriptions"`
}

// handleWebSocket upgrades the connection and keeps it registered for
// fan-out until the client goes away.
func (server *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	auth, ok := server.authorize(w, r)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := livesync.NewWebSocketConn(ws)

	registered := false
	defer func() {
		if registered {
			server.live.Unregister(conn)
		}
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		var msg subscribeMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "subscribe" {
			_ = conn.SendError("expected a subscribe message")
			continue
		}

		scopeKeys, err := server.scopeKeysFor(ctx, auth, msg)
		if err != nil {
			server.log.Warn("resolving websocket scopes failed", zap.Error(err))
			_ = conn.SendError("resolving scopes failed")
			return
		}

		if registered {
			server.live.UpdateScopeKeys(conn, scopeKeys)
		} else {
			server.live.Register(conn, msg.ClientID, scopeKeys)
			registered = true
			server.notifyIfBehind(ctx, auth, msg.ClientID)
		}
	}
}

// notifyIfBehind wakes a freshly subscribed client whose recorded cursor
// trails the partition head. Commits pushed while the client was offline
// would otherwise wait for the next unrelated wake.
func (server *Server) notifyIfBehind(ctx context.Context, auth handler.Auth, clientID string) {
	head, err := server.db.MaxCommitSeq(ctx, auth.Partition)
	if err != nil {
		server.log.Warn("reading partition head failed", zap.Error(err))
		return
	}
	if head == 0 {
		return
	}
	cursor, err := server.db.GetClientCursor(ctx, auth.Partition, clientID)
	if err != nil {
		server.log.Warn("reading client cursor failed",
			zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if cursor != nil && cursor.Cursor >= head {
		return
	}
	server.live.NotifyClient(clientID, head)
}

// scopeKeysFor materializes the concrete scope keys a connection listens
// on: the authorized scopes of every subscription, narrowed by the
// client's request, expanded through the table's scope patterns. Wildcard
// scopes produce no keys; wildcard listeners are not supported over the
// scope-key index.
func (server *Server) scopeKeysFor(ctx context.Context, auth handler.Auth, msg subscribeMessage) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string

	for _, sub := range msg.Subscriptions {
		h, err := server.registry.Lookup(sub.Table)
		if err != nil {
			continue
		}
		authorized, err := h.ResolveScopes(ctx, auth)
		if err != nil {
			return nil, err
		}
		effective, ok := authorized.Intersect(sub.Scopes)
		if !ok {
			continue
		}
		for _, binding := range effective.Bindings() {
			for _, pattern := range h.ScopePatterns() {
				key, ok := pattern.Materialize(binding)
				if !ok {
					continue
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}
