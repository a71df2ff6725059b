// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package livesync_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/livesync"
)

func TestEventWireShape(t *testing.T) {
	payload, err := json.Marshal(livesync.Event{
		Event: livesync.EventSync,
		Data:  livesync.EventData{Cursor: 7, Timestamp: 123},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"sync","data":{"cursor":7,"timestamp":123}}`, string(payload))

	payload, err = json.Marshal(livesync.Event{
		Event: livesync.EventHeartbeat,
		Data:  livesync.EventData{Timestamp: 123},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"heartbeat","data":{"timestamp":123}}`, string(payload))

	payload, err = json.Marshal(livesync.Event{
		Event: livesync.EventError,
		Data:  livesync.EventData{Timestamp: 123, Message: "bad subscribe"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"error","data":{"timestamp":123,"message":"bad subscribe"}}`, string(payload))
}
