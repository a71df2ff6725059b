// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package livesync_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/driftsync/driftsync/livesync"
)

// fakeConn records deliveries and can be told to fail sends.
type fakeConn struct {
	mu         sync.Mutex
	cursors    []int64
	heartbeats int
	closeCode  int
	closed     bool
	failSends  bool
}

func (c *fakeConn) SendSync(cursor int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errs.New("send failed")
	}
	c.cursors = append(c.cursors, cursor)
	return nil
}

func (c *fakeConn) SendHeartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errs.New("send failed")
	}
	c.heartbeats++
	return nil
}

func (c *fakeConn) SendError(msg string) error { return nil }

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) sentCursors() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.cursors...)
}

func newRegistry(t *testing.T) *livesync.Registry {
	return livesync.NewRegistry(zaptest.NewLogger(t), livesync.Config{HeartbeatInterval: time.Hour})
}

func TestNotifyScopeKeys(t *testing.T) {
	registry := newRegistry(t)

	alice, bob, carol := &fakeConn{}, &fakeConn{}, &fakeConn{}
	registry.Register(alice, "c-alice", []string{"user:u1"})
	registry.Register(bob, "c-bob", []string{"user:u1", "user:u2"})
	registry.Register(carol, "c-carol", []string{"user:u3"})
	require.Equal(t, 3, registry.Len())

	registry.NotifyScopeKeys([]string{"user:u1"}, 42, nil)
	require.Equal(t, []int64{42}, alice.sentCursors())
	require.Equal(t, []int64{42}, bob.sentCursors())
	require.Empty(t, carol.sentCursors())

	// the origin client does not get woken by its own commit
	registry.NotifyScopeKeys([]string{"user:u2"}, 43, []string{"c-bob"})
	require.Equal(t, []int64{42}, bob.sentCursors())

	// overlapping scope keys deliver once per connection
	registry.NotifyScopeKeys([]string{"user:u1", "user:u2"}, 44, nil)
	require.Equal(t, []int64{42, 44}, bob.sentCursors())
}

func TestNotifyDropsFailedConnections(t *testing.T) {
	registry := newRegistry(t)

	good, bad := &fakeConn{}, &fakeConn{failSends: true}
	registry.Register(good, "c-good", []string{"user:u1"})
	registry.Register(bad, "c-bad", []string{"user:u1"})

	registry.NotifyScopeKeys([]string{"user:u1"}, 1, nil)
	require.Equal(t, []int64{1}, good.sentCursors())
	require.True(t, bad.closed)
	require.Equal(t, livesync.CloseInternalError, bad.closeCode)
	require.Equal(t, 1, registry.Len())

	// the dropped connection is out of the index
	registry.NotifyScopeKeys([]string{"user:u1"}, 2, nil)
	require.Equal(t, []int64{1, 2}, good.sentCursors())
}

func TestUpdateScopeKeys(t *testing.T) {
	registry := newRegistry(t)

	conn := &fakeConn{}
	registry.Register(conn, "c1", []string{"user:u1"})
	registry.UpdateScopeKeys(conn, []string{"user:u2"})

	registry.NotifyScopeKeys([]string{"user:u1"}, 1, nil)
	require.Empty(t, conn.sentCursors())

	registry.NotifyScopeKeys([]string{"user:u2"}, 2, nil)
	require.Equal(t, []int64{2}, conn.sentCursors())

	// updating an unregistered connection is a no-op
	registry.UpdateScopeKeys(&fakeConn{}, []string{"user:u1"})
	require.Equal(t, 1, registry.Len())
}

func TestNotifyClient(t *testing.T) {
	registry := newRegistry(t)

	conn := &fakeConn{}
	registry.Register(conn, "c1", nil)

	registry.NotifyClient("c1", 9)
	registry.NotifyClient("c-absent", 10)
	require.Equal(t, []int64{9}, conn.sentCursors())
}

func TestReregisterReplacesScopeKeys(t *testing.T) {
	registry := newRegistry(t)

	conn := &fakeConn{}
	registry.Register(conn, "c1", []string{"user:u1"})
	registry.Register(conn, "c1", []string{"user:u2"})
	require.Equal(t, 1, registry.Len())

	registry.NotifyScopeKeys([]string{"user:u1"}, 1, nil)
	require.Empty(t, conn.sentCursors())
	registry.NotifyScopeKeys([]string{"user:u2"}, 2, nil)
	require.Equal(t, []int64{2}, conn.sentCursors())
}

func TestCloseAll(t *testing.T) {
	registry := newRegistry(t)

	a, b := &fakeConn{}, &fakeConn{}
	registry.Register(a, "c1", []string{"user:u1"})
	registry.Register(b, "c2", []string{"user:u2"})

	registry.CloseAll(1001, "shutting down")
	require.True(t, a.closed)
	require.True(t, b.closed)
	require.Equal(t, 1001, a.closeCode)
	require.Zero(t, registry.Len())
}

func TestUnregister(t *testing.T) {
	registry := newRegistry(t)

	conn := &fakeConn{}
	registry.Register(conn, "c1", []string{"user:u1"})
	registry.Unregister(conn)
	require.Zero(t, registry.Len())

	registry.NotifyScopeKeys([]string{"user:u1"}, 1, nil)
	require.Empty(t, conn.sentCursors())

	// unregistering twice is safe
	registry.Unregister(conn)
}
