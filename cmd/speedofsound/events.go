package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events
// ============================================================================
// Events are delivered to the daemon loop over a single channel. Producers
// (IPC, gpsd, D-Bus watchers, the headphone jack reader, the state WS server)
// never touch session state directly.
// ============================================================================

// Event is a marker interface for everything the daemon loop consumes.
type Event interface {
	eventMarker()
}

// SpeedSample is one ground-speed reading. Units defaults to m/s.
type SpeedSample struct {
	Speed float64 `json:"speed"`
	Units string  `json:"units,omitempty"`
}

func (SpeedSample) eventMarker() {}

// LocationFix is a position report. When Speed is absent the daemon derives it
// from the previous fix.
type LocationFix struct {
	Lat   float64   `json:"lat"`
	Lon   float64   `json:"lon"`
	Time  time.Time `json:"time"`
	Speed *float64  `json:"speed,omitempty"` // m/s
}

func (LocationFix) eventMarker() {}

// PowerChanged reports external power being plugged or unplugged.
type PowerChanged struct {
	Connected bool `json:"connected"`
}

func (PowerChanged) eventMarker() {}

// HeadphoneChanged reports a wired headset being plugged or unplugged.
type HeadphoneChanged struct {
	Connected bool `json:"connected"`
}

func (HeadphoneChanged) eventMarker() {}

// LinkChanged reports a secondary audio link (e.g. a Bluetooth car kit)
// connecting or disconnecting.
type LinkChanged struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

func (LinkChanged) eventMarker() {}

// SetTracking starts or stops tracking directly, bypassing the activation
// policy.
type SetTracking struct {
	Enabled bool `json:"enabled"`
}

func (SetTracking) eventMarker() {}

// RequestStateSnapshot asks the daemon loop for a point-in-time snapshot.
// It is internal only and never crosses IPC.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// StateSnapshot is what a newly connected display client sees first.
type StateSnapshot struct {
	Active  bool
	Percent int
	Target  int
	Speed   float64
	Average float64
	Signals Signals
	At      time.Time
}

// ============================================================================
// Broadcasts (daemon -> state WebSocket)
// ============================================================================

// StateBroadcast is a marker interface for state changes pushed to displays.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastLevelChanged is emitted after each successful sink write that
// changes the displayed percentage.
type BroadcastLevelChanged struct {
	Percent int
	At      time.Time
}

func (BroadcastLevelChanged) broadcastMarker() {}

// BroadcastTrackingChanged is emitted when a session starts or stops.
type BroadcastTrackingChanged struct {
	Active bool
	Reason string
	At     time.Time
}

func (BroadcastTrackingChanged) broadcastMarker() {}

// BroadcastSpeedChanged is emitted for each accepted speed sample.
type BroadcastSpeedChanged struct {
	Speed   float64
	Average float64
	At      time.Time
}

func (BroadcastSpeedChanged) broadcastMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	eventTypeSpeedSample      = "speed_sample"
	eventTypeLocationFix      = "location_fix"
	eventTypePowerChanged     = "power_changed"
	eventTypeHeadphoneChanged = "headphone_changed"
	eventTypeLinkChanged      = "link_changed"
	eventTypeSetTracking      = "set_tracking"
)

func decodeData[T Event](env EventEnvelope) (Event, error) {
	var v T
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("unmarshal %s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return v, nil
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case eventTypeSpeedSample:
		return decodeData[SpeedSample](env)
	case eventTypeLocationFix:
		return decodeData[LocationFix](env)
	case eventTypePowerChanged:
		return decodeData[PowerChanged](env)
	case eventTypeHeadphoneChanged:
		return decodeData[HeadphoneChanged](env)
	case eventTypeLinkChanged:
		return decodeData[LinkChanged](env)
	case eventTypeSetTracking:
		return decodeData[SetTracking](env)
	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// eventType returns the wire name of e. Internal events have none.
func eventType(e Event) (string, bool) {
	switch e.(type) {
	case SpeedSample:
		return eventTypeSpeedSample, true
	case LocationFix:
		return eventTypeLocationFix, true
	case PowerChanged:
		return eventTypePowerChanged, true
	case HeadphoneChanged:
		return eventTypeHeadphoneChanged, true
	case LinkChanged:
		return eventTypeLinkChanged, true
	case SetTracking:
		return eventTypeSetTracking, true
	}
	return "", false
}
