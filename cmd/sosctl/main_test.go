package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSend struct {
	socket string
	env    EventEnvelope
}

func runCLI(t *testing.T, sendErr error, args ...string) ([]recordedSend, string, error) {
	t.Helper()
	var sent []recordedSend
	send := func(socket string, env EventEnvelope) error {
		sent = append(sent, recordedSend{socket: socket, env: env})
		return sendErr
	}

	var out bytes.Buffer
	root := newRootCmd(send, &out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return sent, out.String(), err
}

func TestCLI_BuildsEvents(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantType string
		wantData string
	}{
		{"speed", []string{"speed", "72", "--units", "km/h"}, "speed_sample", `{"speed":72,"units":"km/h"}`},
		{"speed default units", []string{"speed", "12.5"}, "speed_sample", `{"speed":12.5}`},
		{"power on", []string{"power", "on"}, "power_changed", `{"connected":true}`},
		{"headphone off", []string{"headphone", "off"}, "headphone_changed", `{"connected":false}`},
		{"link", []string{"link", "AA:BB:CC:DD:EE:FF", "on"}, "link_changed", `{"address":"AA:BB:CC:DD:EE:FF","connected":true}`},
		{"tracking", []string{"tracking", "off"}, "set_tracking", `{"enabled":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent, out, err := runCLI(t, nil, tt.args...)
			require.NoError(t, err)
			require.Len(t, sent, 1)
			assert.Equal(t, defaultSocket, sent[0].socket)
			assert.Equal(t, tt.wantType, sent[0].env.Type)
			assert.JSONEq(t, tt.wantData, string(sent[0].env.Data))
			assert.Equal(t, "ok\n", out)
		})
	}
}

func TestCLI_FixCarriesOptionalSpeed(t *testing.T) {
	sent, _, err := runCLI(t, nil, "fix", "52.37", "4.89")
	require.NoError(t, err)
	var fix LocationFix
	require.NoError(t, json.Unmarshal(sent[0].env.Data, &fix))
	assert.Nil(t, fix.Speed)
	assert.False(t, fix.Time.IsZero())

	sent, _, err = runCLI(t, nil, "fix", "52.37", "4.89", "--speed", "0")
	require.NoError(t, err)
	fix = LocationFix{}
	require.NoError(t, json.Unmarshal(sent[0].env.Data, &fix))
	require.NotNil(t, fix.Speed)
	assert.Equal(t, 0.0, *fix.Speed)
}

func TestCLI_SocketFlag(t *testing.T) {
	sent, _, err := runCLI(t, nil, "--socket", "/run/sos.sock", "tracking", "on")
	require.NoError(t, err)
	assert.Equal(t, "/run/sos.sock", sent[0].socket)
}

func TestCLI_RejectsBadArguments(t *testing.T) {
	tests := [][]string{
		{"speed"},
		{"speed", "fast"},
		{"speed", "-3"},
		{"power", "maybe"},
		{"link", "AA:BB"},
		{"fix", "north", "4"},
		{"tracking", "on", "now"},
	}
	for _, args := range tests {
		sent, _, err := runCLI(t, nil, args...)
		assert.Error(t, err, "%v", args)
		assert.Empty(t, sent, "%v", args)
	}
}

func TestCLI_DaemonErrorFails(t *testing.T) {
	_, out, err := runCLI(t, errors.New("daemon error: event queue full"), "power", "on")
	assert.ErrorContains(t, err, "queue full")
	assert.Empty(t, out)
}

func TestParseOnOff(t *testing.T) {
	for _, s := range []string{"on", "ON", "true", "yes", "1", "connected"} {
		v, err := parseOnOff(s)
		assert.NoError(t, err)
		assert.True(t, v, s)
	}
	for _, s := range []string{"off", "false", "no", "0", "disconnected"} {
		v, err := parseOnOff(s)
		assert.NoError(t, err)
		assert.False(t, v, s)
	}
}

func TestSendEvent(t *testing.T) {
	dir, err := os.MkdirTemp("", "sosctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "ipc.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			line, _ := bufio.NewReader(conn).ReadString('\n')
			got <- line
			if i == 0 {
				_, _ = conn.Write([]byte(`{"status":"ok"}` + "\n"))
			} else {
				_, _ = conn.Write([]byte(`{"status":"error","error":"parse event: bad"}` + "\n"))
			}
			conn.Close()
		}
	}()

	env, err := newEnvelope("set_tracking", SetTracking{Enabled: true})
	require.NoError(t, err)

	require.NoError(t, sendEvent(path, env))
	assert.JSONEq(t, `{"type":"set_tracking","data":{"enabled":true}}`, <-got)

	err = sendEvent(path, env)
	assert.ErrorContains(t, err, "parse event: bad")
	<-got

	assert.Error(t, sendEvent(filepath.Join(dir, "missing.sock"), env))
}

func TestRenderFrame(t *testing.T) {
	line, err := renderFrame([]byte(`{"type":"level_changed","data":{"percent":64}}`))
	require.NoError(t, err)
	assert.Contains(t, line, "64%")

	line, err = renderFrame([]byte(`{"type":"tracking_changed","data":{"active":true,"reason":"headphone"}}`))
	require.NoError(t, err)
	assert.Contains(t, line, "ON")
	assert.Contains(t, line, "headphone")

	line, err = renderFrame([]byte(`{"type":"speed_changed","data":{"speed":72,"average":43.2,"units":"km/h"}}`))
	require.NoError(t, err)
	assert.Contains(t, line, "72.0 km/h")
	assert.Contains(t, line, "avg 43.2")

	line, err = renderFrame([]byte(`{"type":"state_init","data":{"active":false,"percent":40,"target":55,"units":"mph"}}`))
	require.NoError(t, err)
	assert.Contains(t, line, "OFF")
	assert.Contains(t, line, "target 55%")

	_, err = renderFrame([]byte(`{"type":"volume_changed","data":{}}`))
	assert.Error(t, err)
	_, err = renderFrame([]byte(`nope`))
	assert.Error(t, err)
}

func TestRenderLevelClampsBar(t *testing.T) {
	assert.Contains(t, renderLevel(150), "150%")
	assert.Contains(t, renderLevel(-5), "-5%")
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"active":true,"percent":70,"target":72,"speed":88,"average":80,"units":"km/h","power":true}`))
	}))
	defer srv.Close()

	_, out, err := runCLI(t, nil, "status", "--url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "70%")
	assert.Contains(t, out, "88.0 km/h")
	assert.Contains(t, out, "power=true")
}
