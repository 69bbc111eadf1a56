package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Event payloads (duplicated from the daemon for a standalone binary).

type SpeedSample struct {
	Speed float64 `json:"speed"`
	Units string  `json:"units,omitempty"`
}

type LocationFix struct {
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Time  time.Time `json:"time"`
	Speed *float64  `json:"speed,omitempty"`
}

type Connected struct {
	Connected bool `json:"connected"`
}

type LinkChanged struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

type SetTracking struct {
	Enabled bool `json:"enabled"`
}

// EventEnvelope wraps events for JSON
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func newEnvelope(typ string, data any) (EventEnvelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return EventEnvelope{Type: typ, Data: raw}, nil
}

// sendEvent writes one envelope to the daemon socket and waits for the reply.
func sendEvent(socketPath string, env EventEnvelope) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if response.Status != "ok" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}
	return nil
}
