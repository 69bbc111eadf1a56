package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startIPC serves a socket in a short temp dir; unix socket paths are length
// limited.
func startIPC(t *testing.T, queue int) (string, chan Event) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sos")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "ipc.sock")
	events := make(chan Event, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, path, events, testLogger()) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("IPC server did not stop")
		}
	})

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, "socket never appeared")
	return path, events
}

// request writes one line and decodes the reply.
func request(t *testing.T, path, line string) IPCResponse {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	var resp IPCResponse
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestIPC_Delivers(t *testing.T) {
	path, events := startIPC(t, 4)

	resp := request(t, path, `{"type":"speed_sample","data":{"speed":20,"units":"km/h"}}`)
	assert.Equal(t, ipcOK, resp)

	select {
	case ev := <-events:
		assert.Equal(t, SpeedSample{Speed: 20, Units: "km/h"}, ev)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestIPC_OneReplyPerLine(t *testing.T) {
	path, events := startIPC(t, 1)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	lines := []string{
		`{"type":"power_changed","data":{"connected":true}}`,
		``,
		`not json`,
		`{"type":"set_tracking","data":{"enabled":true}}`,
	}
	for _, l := range lines {
		_, err := conn.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}

	r := bufio.NewReader(conn)
	var got []IPCResponse
	for i := 0; i < 3; i++ {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var resp IPCResponse
		require.NoError(t, json.Unmarshal(line, &resp))
		got = append(got, resp)
	}

	assert.Equal(t, "ok", got[0].Status)
	assert.Equal(t, "error", got[1].Status)
	assert.Contains(t, got[1].Error, "parse event")
	// The queue holds one event and nobody drains it.
	assert.Equal(t, "error", got[2].Status)
	assert.Equal(t, "event queue full", got[2].Error)

	assert.Equal(t, PowerChanged{Connected: true}, <-events)
}

func TestIPC_ReportsErrors(t *testing.T) {
	path, _ := startIPC(t, 0)

	resp := request(t, path, `{"type":"set_tracking","data":{"enabled":true}}`)
	assert.Equal(t, ipcError("event queue full"), resp)

	resp = request(t, path, `{"type":"state_snapshot","data":{}}`)
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Error, "unknown event type")

	_, err := net.Dial("unix", filepath.Join(filepath.Dir(path), "nope.sock"))
	assert.Error(t, err)
}

func TestIPC_SocketRemovedOnShutdown(t *testing.T) {
	dir, err := os.MkdirTemp("", "sos")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "ipc.sock")

	// A stale socket file from a previous run is replaced.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, path, make(chan Event, 1), testLogger()) }()

	waitUntil(t, time.Second, func() bool {
		fi, err := os.Stat(path)
		return err == nil && fi.Mode()&os.ModeSocket != 0
	}, "socket never appeared")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("IPC server did not stop")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
